package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/benchdb/server/types"
)

// GetProjectBySlug loads a project by its URL slug.
func (d *Database) GetProjectBySlug(ctx context.Context, slug string) (*types.Project, error) {
	row, err := d.queryRowPrepared(ctx, "get-project-by-slug",
		`SELECT id, name, slug, COALESCE(base_branch, '') FROM project WHERE slug = $1`, slug)
	if err != nil {
		return nil, err
	}
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// SetBaseBranch designates the branch that supplies baseline data for a
// project. Administrative; projects are otherwise immutable after insert.
func (d *Database) SetBaseBranch(ctx context.Context, projectID int64, branch string) error {
	_, err := d.execPrepared(ctx, "set-base-branch",
		`UPDATE project SET base_branch = $1 WHERE id = $2`, branch, projectID)
	if err != nil {
		return fmt.Errorf("failed to set base branch: %w", err)
	}

	// Drop the stale cached row so the next intern re-fetches it.
	d.caches.mu.Lock()
	for name, p := range d.caches.projects {
		if p.ID == projectID {
			delete(d.caches.projects, name)
		}
	}
	d.caches.mu.Unlock()
	return nil
}

const sourceInProjectQuery = `
	SELECT DISTINCT s.id, s.repo_url, s.branch_or_tag, s.commit_id, s.commit_message,
	       s.author_name, s.author_email, s.committer_name, s.committer_email
	FROM source s
	JOIN trial t ON t.source_id = s.id
	JOIN experiment e ON t.experiment_id = e.id
	JOIN project p ON e.project_id = p.id
	WHERE p.slug = $1 AND s.commit_id = $2`

// RevisionsExistInProject reports whether both commits have recorded trials
// in the project and, if so, returns the two Source rows.
func (d *Database) RevisionsExistInProject(ctx context.Context, slug, base, change string) (*types.Source, *types.Source, bool, error) {
	baseSource, err := d.sourceInProject(ctx, slug, base)
	if err != nil {
		return nil, nil, false, err
	}
	changeSource, err := d.sourceInProject(ctx, slug, change)
	if err != nil {
		return nil, nil, false, err
	}
	if baseSource == nil || changeSource == nil {
		return nil, nil, false, nil
	}
	return baseSource, changeSource, true, nil
}

func (d *Database) sourceInProject(ctx context.Context, slug, commitID string) (*types.Source, error) {
	row, err := d.queryRowPrepared(ctx, "get-source-in-project", sourceInProjectQuery, slug, commitID)
	if err != nil {
		return nil, err
	}
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source %s: %w", commitID, err)
	}
	return s, nil
}

// GetBaselineCommit resolves the most recent source on the project's base
// branch other than the current commit, by latest trial start time.
func (d *Database) GetBaselineCommit(ctx context.Context, project *types.Project, currentCommit string) (*types.Source, error) {
	if project.BaseBranch == "" {
		return nil, nil
	}

	row, err := d.queryRowPrepared(ctx, "get-baseline-commit",
		`SELECT s.id, s.repo_url, s.branch_or_tag, s.commit_id, s.commit_message,
		        s.author_name, s.author_email, s.committer_name, s.committer_email
		 FROM source s
		 JOIN trial t ON t.source_id = s.id
		 JOIN experiment e ON t.experiment_id = e.id
		 WHERE e.project_id = $1 AND s.branch_or_tag = $2 AND s.commit_id <> $3
		 ORDER BY t.start_time DESC
		 LIMIT 1`,
		project.ID, project.BaseBranch, currentCommit)
	if err != nil {
		return nil, err
	}
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve baseline commit: %w", err)
	}
	return s, nil
}

// timelineRow is one raw result of the timeline query before columnar
// repackaging.
type timelineRow struct {
	StartTime int64
	Branch    string
	IsCurrent bool
	SourceID  int64
	Median    float64
	BCI95Low  float64
	BCI95Up   float64
}

// GetTimelineData returns the timeline series for the requested benchmark,
// packaged columnar: 4 columns when only the baseline branch is requested,
// 7 when base and change are.
func (d *Database) GetTimelineData(ctx context.Context, project *types.Project, req types.TimelineRequest) (*types.PlotData, error) {
	baseSource, err := d.sourceByCommit(ctx, req.Baseline)
	if err != nil {
		return nil, err
	}
	if baseSource == nil {
		return nil, fmt.Errorf("baseline commit %s is unknown", req.Baseline)
	}

	var changeSource *types.Source
	if req.Change != "" {
		changeSource, err = d.sourceByCommit(ctx, req.Change)
		if err != nil {
			return nil, err
		}
		if changeSource == nil {
			return nil, fmt.Errorf("change commit %s is unknown", req.Change)
		}
	}

	rows, err := d.queryTimelineRows(ctx, project, req, baseSource, changeSource)
	if err != nil {
		return nil, err
	}
	return packagePlotData(rows, baseSource, changeSource), nil
}

func (d *Database) sourceByCommit(ctx context.Context, commitID string) (*types.Source, error) {
	row, err := d.queryRowPrepared(ctx, "get-source-by-commit",
		`SELECT id, repo_url, branch_or_tag, commit_id, commit_message,
		        author_name, author_email, committer_name, committer_email
		 FROM source WHERE commit_id = $1`, commitID)
	if err != nil {
		return nil, err
	}
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// queryTimelineRows composes the timeline query. Optional run filters are
// appended by position and encoded into the statement name so the driver
// keeps one prepared plan per filter shape.
func (d *Database) queryTimelineRows(ctx context.Context, project *types.Project, req types.TimelineRequest,
	baseSource, changeSource *types.Source) ([]timelineRow, error) {

	changeCommit := ""
	branches := []string{baseSource.BranchOrTag}
	if changeSource != nil {
		changeCommit = changeSource.CommitID
		if changeSource.BranchOrTag != baseSource.BranchOrTag {
			branches = append(branches, changeSource.BranchOrTag)
		}
	}

	query := `
		SELECT t.start_time, s.branch_or_tag,
		       (s.commit_id = $1 OR s.commit_id = $2) AS is_current,
		       s.id, tl.median, tl.bci95low, tl.bci95up
		FROM timeline tl
		JOIN trial t ON tl.trial_id = t.id
		JOIN source s ON t.source_id = s.id
		JOIN experiment e ON t.experiment_id = e.id
		JOIN run r ON tl.run_id = r.id
		JOIN benchmark b ON r.benchmark_id = b.id
		JOIN suite su ON r.suite_id = su.id
		JOIN executor ex ON r.executor_id = ex.id
		JOIN criterion c ON tl.criterion_id = c.id
		WHERE e.project_id = $3 AND c.name = 'total'
		  AND b.name = $4 AND ex.name = $5 AND su.name = $6
		  AND s.branch_or_tag = ANY($7)`

	args := []interface{}{
		baseSource.CommitID, changeCommit, project.ID,
		req.Benchmark, req.Executor, req.Suite, pq.Array(branches),
	}
	name := "get-timeline-data"
	argCount := len(args) + 1

	appendFilter := func(column, suffix string, value *string) {
		if value == nil {
			return
		}
		query += fmt.Sprintf(" AND r.%s = $%d", column, argCount)
		args = append(args, *value)
		name += suffix
		argCount++
	}
	appendFilter("var_value", "-v", req.VarValue)
	appendFilter("cores", "-c", req.Cores)
	appendFilter("input_size", "-i", req.InputSize)
	appendFilter("extra_args", "-ea", req.ExtraArgs)

	query += " ORDER BY t.start_time"

	rows, err := d.queryPrepared(ctx, name, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline data: %w", err)
	}
	defer rows.Close()

	var result []timelineRow
	for rows.Next() {
		var r timelineRow
		var startTime sql.NullTime
		if err := rows.Scan(&startTime, &r.Branch, &r.IsCurrent, &r.SourceID,
			&r.Median, &r.BCI95Low, &r.BCI95Up); err != nil {
			return nil, fmt.Errorf("failed to scan timeline row: %w", err)
		}
		if startTime.Valid {
			r.StartTime = startTime.Time.UnixMilli()
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// packagePlotData pivots row results into the columnar plot shape.
func packagePlotData(rows []timelineRow, baseSource, changeSource *types.Source) *types.PlotData {
	numCols := 4
	if changeSource != nil {
		numCols = 7
	}

	plot := &types.PlotData{
		Columns:   make([][]*float64, numCols),
		SourceIDs: make([]int64, 0, len(rows)),
	}
	for i := range plot.Columns {
		plot.Columns[i] = make([]*float64, 0, len(rows))
	}

	for _, r := range rows {
		ts := float64(r.StartTime)
		plot.Columns[0] = append(plot.Columns[0], &ts)
		plot.SourceIDs = append(plot.SourceIDs, r.SourceID)

		low, median, up := r.BCI95Low, r.Median, r.BCI95Up
		isBase := r.Branch == baseSource.BranchOrTag

		if r.IsCurrent {
			t := r.StartTime
			if r.SourceID == baseSource.ID && plot.BaseTimestamp == nil {
				plot.BaseTimestamp = &t
			}
			if changeSource != nil && r.SourceID == changeSource.ID && plot.ChangeTimestamp == nil {
				plot.ChangeTimestamp = &t
			}
		}

		if isBase {
			plot.Columns[1] = append(plot.Columns[1], &low)
			plot.Columns[2] = append(plot.Columns[2], &median)
			plot.Columns[3] = append(plot.Columns[3], &up)
		} else {
			plot.Columns[1] = append(plot.Columns[1], nil)
			plot.Columns[2] = append(plot.Columns[2], nil)
			plot.Columns[3] = append(plot.Columns[3], nil)
		}

		if changeSource != nil {
			if !isBase {
				plot.Columns[4] = append(plot.Columns[4], &low)
				plot.Columns[5] = append(plot.Columns[5], &median)
				plot.Columns[6] = append(plot.Columns[6], &up)
			} else {
				plot.Columns[4] = append(plot.Columns[4], nil)
				plot.Columns[5] = append(plot.Columns[5], nil)
				plot.Columns[6] = append(plot.Columns[6], nil)
			}
		}
	}
	return plot
}
