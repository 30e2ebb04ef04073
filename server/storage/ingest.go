package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/benchdb/server/metrics"
	"github.com/benchdb/server/types"
)

// User-facing errors raised by the completion path.
var (
	ErrExperimentNotFound = errors.New("no such experiment")
	ErrMissingEndTime     = errors.New("end time is missing")
)

// availableMeasurements is the dedup oracle for one trial:
// runID -> criterionID -> invocation -> max iteration already stored.
type availableMeasurements map[int64]map[int64]map[int]int

func (a availableMeasurements) covers(runID, criterionID int64, invocation, iteration int) bool {
	byCriterion, ok := a[runID]
	if !ok {
		return false
	}
	byInvocation, ok := byCriterion[criterionID]
	if !ok {
		return false
	}
	maxIteration, ok := byInvocation[invocation]
	return ok && maxIteration >= iteration
}

// RecordAllData persists one ingest payload: metadata leaves first, then the
// measurements and profiles of each run group. The dedup oracle makes the
// operation idempotent, so a retried payload converges without duplicating
// rows. Returns the counts of measurement and profile rows actually stored.
func (d *Database) RecordAllData(ctx context.Context, data *types.BenchmarkData, suppressTimeline bool) (int, int, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	d.invalidateStatsCache()

	startTime, err := time.Parse(time.RFC3339, data.StartTime)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse startTime %q: %w", data.StartTime, err)
	}

	env, err := d.RecordEnvironment(ctx, data.Env)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record environment %s: %w", data.Env.HostName, err)
	}
	project, err := d.RecordProject(ctx, data.ProjectName)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record project %s: %w", data.ProjectName, err)
	}
	exp, err := d.RecordExperiment(ctx, project, data.ExperimentName, data.ExperimentDesc)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record experiment %s: %w", data.ExperimentName, err)
	}
	source, err := d.RecordSource(ctx, data.Source)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record source %s: %w", data.Source.CommitID, err)
	}
	trial, err := d.RecordTrial(ctx, data, env, source, exp, startTime)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record trial: %w", err)
	}

	criteria := make(map[int]*types.Criterion, len(data.Criteria))
	for _, c := range data.Criteria {
		criterion, err := d.RecordCriterion(ctx, c.Name, c.Unit)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to record criterion %s: %w", c.Name, err)
		}
		criteria[c.Index] = criterion
	}

	updater := d.timelineUpdater()

	recordedMeasurements := 0
	recordedProfiles := 0
	var available availableMeasurements

	for _, group := range data.Data {
		run, err := d.RecordRun(ctx, group.RunID)
		if err != nil {
			return recordedMeasurements, recordedProfiles, fmt.Errorf("failed to record run %s: %w", group.RunID.CmdLine, err)
		}

		if len(group.Data) > 0 {
			if available == nil {
				available, err = d.fetchAvailableMeasurements(ctx, trial.ID)
				if err != nil {
					return recordedMeasurements, recordedProfiles, err
				}
			}

			n, err := d.recordMeasurements(ctx, group, run, trial, criteria, available, updater)
			recordedMeasurements += n
			if err != nil {
				return recordedMeasurements, recordedProfiles, err
			}
		}

		if len(group.Profiles) > 0 {
			n, err := d.recordProfiles(ctx, group.Profiles, run, trial)
			recordedProfiles += n
			if err != nil {
				return recordedMeasurements, recordedProfiles, err
			}
		}
	}

	if recordedMeasurements > 0 && updater != nil && !suppressTimeline {
		if err := updater.SubmitUpdateJobs(ctx); err != nil {
			return recordedMeasurements, recordedProfiles, fmt.Errorf("failed to submit timeline jobs: %w", err)
		}
	}

	metrics.MeasurementsRecorded.Add(float64(recordedMeasurements))
	metrics.ProfilesRecorded.Add(float64(recordedProfiles))

	d.log.WithFields(logrus.Fields{
		"project":      data.ProjectName,
		"experiment":   data.ExperimentName,
		"trial_id":     trial.ID,
		"measurements": recordedMeasurements,
		"profiles":     recordedProfiles,
	}).Debug("Recorded payload")

	return recordedMeasurements, recordedProfiles, nil
}

// recordMeasurements streams one run group's tuples through the batch engine.
func (d *Database) recordMeasurements(ctx context.Context, group types.RunData, run *types.Run,
	trial *types.Trial, criteria map[int]*types.Criterion, available availableMeasurements,
	updater TimelineUpdater) (int, error) {

	inserted := 0
	batch := make([]measurementTuple, 0, measurementBatchSize)

	for _, point := range group.Data {
		for _, m := range point.Measures {
			criterion, ok := criteria[m.Criterion]
			if !ok {
				return inserted, fmt.Errorf("payload references unknown criterion index %d", m.Criterion)
			}

			if available.covers(run.ID, criterion.ID, point.Invocation, point.Iteration) {
				metrics.MeasurementsSkipped.Inc()
				continue
			}

			batch = append(batch, measurementTuple{
				RunID:       run.ID,
				TrialID:     trial.ID,
				Invocation:  point.Invocation,
				Iteration:   point.Iteration,
				CriterionID: criterion.ID,
				Value:       m.Value,
			})

			if len(batch) == measurementBatchSize {
				n, err := d.insertMeasurementBatch(ctx, batch)
				inserted += n
				if err != nil {
					return inserted, err
				}
				batch = batch[:0]
			}

			if updater != nil && criterion.Name == types.TotalCriterion {
				updater.AddValue(run.ID, trial.ID, criterion.ID, m.Value)
			}
		}
	}

	n, err := d.flushMeasurements(ctx, batch)
	inserted += n
	return inserted, err
}

// fetchAvailableMeasurements loads the dedup oracle for a trial with one
// aggregated query.
func (d *Database) fetchAvailableMeasurements(ctx context.Context, trialID int64) (availableMeasurements, error) {
	rows, err := d.queryPrepared(ctx, "get-available-measurements",
		`SELECT run_id, criterion_id, invocation, max(iteration)
		 FROM measurement
		 WHERE trial_id = $1
		 GROUP BY run_id, criterion_id, invocation`, trialID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch available measurements: %w", err)
	}
	defer rows.Close()

	available := make(availableMeasurements)
	for rows.Next() {
		var runID, criterionID int64
		var invocation, maxIteration int
		if err := rows.Scan(&runID, &criterionID, &invocation, &maxIteration); err != nil {
			return nil, fmt.Errorf("failed to scan available measurements: %w", err)
		}
		byCriterion, ok := available[runID]
		if !ok {
			byCriterion = make(map[int64]map[int]int)
			available[runID] = byCriterion
		}
		byInvocation, ok := byCriterion[criterionID]
		if !ok {
			byInvocation = make(map[int]int)
			byCriterion[criterionID] = byInvocation
		}
		byInvocation[invocation] = maxIteration
	}
	return available, rows.Err()
}

// recordProfiles stores one run group's profile blobs. Duplicates on
// (run, trial, invocation, numIterations) are ignored.
func (d *Database) recordProfiles(ctx context.Context, profiles []types.ProfileData,
	run *types.Run, trial *types.Trial) (int, error) {

	inserted := 0
	for _, p := range profiles {
		res, err := d.execPrepared(ctx, "insert-profile",
			`INSERT INTO profile_data (run_id, trial_id, invocation, num_iterations, value)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT DO NOTHING`,
			run.ID, trial.ID, p.Invocation, p.NumIterations, serializeProfile(p.Data))
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return inserted, fmt.Errorf("failed to insert profile: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += int(affected)
	}
	return inserted, nil
}

// serializeProfile keeps string payloads as-is and stores everything else as
// its JSON text.
func serializeProfile(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// RecordCompletion sets the end time on every open trial of the experiment.
func (d *Database) RecordCompletion(ctx context.Context, data types.CompletionData) error {
	if data.EndTime == "" {
		return ErrMissingEndTime
	}
	endTime, err := time.Parse(time.RFC3339, data.EndTime)
	if err != nil {
		return fmt.Errorf("%w: failed to parse %q", ErrMissingEndTime, data.EndTime)
	}

	var experimentID int64
	row, err := d.queryRowPrepared(ctx, "fetch-experiment-by-names",
		`SELECT e.id FROM experiment e
		 JOIN project p ON e.project_id = p.id
		 WHERE p.name = $1 AND e.name = $2`,
		data.ProjectName, data.ExperimentName)
	if err != nil {
		return err
	}
	if err := row.Scan(&experimentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExperimentNotFound
		}
		return fmt.Errorf("failed to look up experiment: %w", err)
	}

	_, err = d.execPrepared(ctx, "set-trial-end-time",
		`UPDATE trial SET end_time = $1 WHERE experiment_id = $2 AND end_time IS NULL`,
		endTime, experimentID)
	if err != nil {
		return fmt.Errorf("failed to set trial end time: %w", err)
	}
	return nil
}
