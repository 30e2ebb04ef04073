package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benchdb/server/metrics"
	"github.com/benchdb/server/types"
)

// internCaches map each metadata entity's natural key to its materialized
// row. Entries live for the process lifetime, except that SetBaseBranch drops
// the project row it changes; ClearCaches exists for tests.
type internCaches struct {
	mu           sync.Mutex
	environments map[string]*types.Environment
	projects     map[string]*types.Project
	experiments  map[experimentKey]*types.Experiment
	sources      map[string]*types.Source
	units        map[string]struct{}
	criteria     map[criterionKey]*types.Criterion
	executors    map[string]*types.Executor
	suites       map[string]*types.Suite
	benchmarks   map[string]*types.Benchmark
	runs         map[string]*types.Run
	trials       map[trialKey]*types.Trial
}

type experimentKey struct {
	ProjectID int64
	Name      string
}

type criterionKey struct {
	Name string
	Unit string
}

type trialKey struct {
	UserName     string
	EnvID        int64
	StartTime    int64
	ExperimentID int64
}

func newInternCaches() *internCaches {
	c := &internCaches{}
	c.reset()
	return c
}

func (c *internCaches) reset() {
	c.environments = make(map[string]*types.Environment)
	c.projects = make(map[string]*types.Project)
	c.experiments = make(map[experimentKey]*types.Experiment)
	c.sources = make(map[string]*types.Source)
	c.units = make(map[string]struct{})
	c.criteria = make(map[criterionKey]*types.Criterion)
	c.executors = make(map[string]*types.Executor)
	c.suites = make(map[string]*types.Suite)
	c.benchmarks = make(map[string]*types.Benchmark)
	c.runs = make(map[string]*types.Run)
	c.trials = make(map[trialKey]*types.Trial)
}

// ClearCaches drops all interned metadata. Intended for tests.
func (d *Database) ClearCaches() {
	d.caches.mu.Lock()
	d.caches.reset()
	d.caches.mu.Unlock()
}

// recordCached implements the interning contract shared by every metadata
// entity: return the cached row; else fetch; else insert; on a unique
// violation from a concurrent inserter, re-fetch the row that must now exist.
// Cache writes are last-writer-wins; concurrent writers store equal rows.
func recordCached[K comparable, V any](
	ctx context.Context,
	d *Database,
	cacheOf func(*internCaches) map[K]V,
	key K,
	fetch func(context.Context) (V, error),
	insert func(context.Context) (V, error),
) (V, error) {
	var zero V

	d.caches.mu.Lock()
	if v, ok := cacheOf(d.caches)[key]; ok {
		d.caches.mu.Unlock()
		metrics.InternCacheHits.Inc()
		return v, nil
	}
	d.caches.mu.Unlock()
	metrics.InternCacheMisses.Inc()

	store := func(v V) {
		d.caches.mu.Lock()
		cacheOf(d.caches)[key] = v
		d.caches.mu.Unlock()
	}

	v, err := fetch(ctx)
	if err == nil {
		store(v)
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return zero, err
	}

	v, err = insert(ctx)
	if err == nil {
		store(v)
		return v, nil
	}
	if !isUniqueViolation(err) {
		return zero, err
	}

	v, err = fetch(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to re-fetch after unique violation: %w", err)
	}
	store(v)
	return v, nil
}

// RecordEnvironment interns an environment by hostname.
func (d *Database) RecordEnvironment(ctx context.Context, env types.EnvData) (*types.Environment, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[string]*types.Environment { return c.environments },
		env.HostName,
		func(ctx context.Context) (*types.Environment, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-env",
				`SELECT id, hostname, os_type, memory, cpu, clock_speed FROM environment WHERE hostname = $1`,
				env.HostName)
			if err != nil {
				return nil, err
			}
			return scanEnvironment(row)
		},
		func(ctx context.Context) (*types.Environment, error) {
			row, err := d.queryRowPrepared(ctx, "insert-env",
				`INSERT INTO environment (hostname, os_type, memory, cpu, clock_speed)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id, hostname, os_type, memory, cpu, clock_speed`,
				env.HostName, env.OSType, env.Memory, env.CPU, env.ClockSpeed)
			if err != nil {
				return nil, err
			}
			return scanEnvironment(row)
		})
}

func scanEnvironment(row *sql.Row) (*types.Environment, error) {
	var e types.Environment
	if err := row.Scan(&e.ID, &e.HostName, &e.OSType, &e.Memory, &e.CPU, &e.ClockSpeed); err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordProject interns a project by name, deriving its slug on first insert.
func (d *Database) RecordProject(ctx context.Context, name string) (*types.Project, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[string]*types.Project { return c.projects },
		name,
		func(ctx context.Context) (*types.Project, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-project",
				`SELECT id, name, slug, COALESCE(base_branch, '') FROM project WHERE name = $1`, name)
			if err != nil {
				return nil, err
			}
			return scanProject(row)
		},
		func(ctx context.Context) (*types.Project, error) {
			row, err := d.queryRowPrepared(ctx, "insert-project",
				`INSERT INTO project (name, slug) VALUES ($1, $2)
				 RETURNING id, name, slug, COALESCE(base_branch, '')`,
				name, types.SlugFromName(name))
			if err != nil {
				return nil, err
			}
			return scanProject(row)
		})
}

func scanProject(row *sql.Row) (*types.Project, error) {
	var p types.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.BaseBranch); err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordExperiment interns an experiment by (project, name).
func (d *Database) RecordExperiment(ctx context.Context, project *types.Project, name, desc string) (*types.Experiment, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[experimentKey]*types.Experiment { return c.experiments },
		experimentKey{ProjectID: project.ID, Name: name},
		func(ctx context.Context) (*types.Experiment, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-experiment",
				`SELECT id, project_id, name, COALESCE(description, '')
				 FROM experiment WHERE project_id = $1 AND name = $2`,
				project.ID, name)
			if err != nil {
				return nil, err
			}
			return scanExperiment(row)
		},
		func(ctx context.Context) (*types.Experiment, error) {
			row, err := d.queryRowPrepared(ctx, "insert-experiment",
				`INSERT INTO experiment (project_id, name, description) VALUES ($1, $2, $3)
				 RETURNING id, project_id, name, COALESCE(description, '')`,
				project.ID, name, desc)
			if err != nil {
				return nil, err
			}
			return scanExperiment(row)
		})
}

func scanExperiment(row *sql.Row) (*types.Experiment, error) {
	var e types.Experiment
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Description); err != nil {
		return nil, err
	}
	return &e, nil
}

// RecordSource interns a commit by its id. The commit message is filtered
// before storage.
func (d *Database) RecordSource(ctx context.Context, src types.SourceData) (*types.Source, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[string]*types.Source { return c.sources },
		src.CommitID,
		func(ctx context.Context) (*types.Source, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-source",
				`SELECT id, repo_url, branch_or_tag, commit_id, commit_message,
				        author_name, author_email, committer_name, committer_email
				 FROM source WHERE commit_id = $1`, src.CommitID)
			if err != nil {
				return nil, err
			}
			return scanSource(row)
		},
		func(ctx context.Context) (*types.Source, error) {
			row, err := d.queryRowPrepared(ctx, "insert-source",
				`INSERT INTO source (repo_url, branch_or_tag, commit_id, commit_message,
				                     author_name, author_email, committer_name, committer_email)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 RETURNING id, repo_url, branch_or_tag, commit_id, commit_message,
				           author_name, author_email, committer_name, committer_email`,
				src.RepoURL, src.BranchOrTag, src.CommitID, types.FilterCommitMessage(src.CommitMsg),
				src.AuthorName, src.AuthorEmail, src.CommitterName, src.CommitterEmail)
			if err != nil {
				return nil, err
			}
			return scanSource(row)
		})
}

func scanSource(row *sql.Row) (*types.Source, error) {
	var s types.Source
	if err := row.Scan(&s.ID, &s.RepoURL, &s.BranchOrTag, &s.CommitID, &s.CommitMessage,
		&s.AuthorName, &s.AuthorEmail, &s.CommitterName, &s.CommitterEmail); err != nil {
		return nil, err
	}
	return &s, nil
}

// RecordTrial interns one execution session. Its composite key is
// (username, environment, start time, experiment).
func (d *Database) RecordTrial(ctx context.Context, data *types.BenchmarkData, env *types.Environment,
	source *types.Source, exp *types.Experiment, startTime time.Time) (*types.Trial, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[trialKey]*types.Trial { return c.trials },
		trialKey{
			UserName:     data.Env.UserName,
			EnvID:        env.ID,
			StartTime:    startTime.UnixNano(),
			ExperimentID: exp.ID,
		},
		func(ctx context.Context) (*types.Trial, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-trial",
				`SELECT id, username, env_id, source_id, experiment_id, start_time, end_time, manual_run, COALESCE(denoise, '')
				 FROM trial
				 WHERE username = $1 AND env_id = $2 AND start_time = $3 AND experiment_id = $4`,
				data.Env.UserName, env.ID, startTime, exp.ID)
			if err != nil {
				return nil, err
			}
			return scanTrial(row)
		},
		func(ctx context.Context) (*types.Trial, error) {
			row, err := d.queryRowPrepared(ctx, "insert-trial",
				`INSERT INTO trial (username, env_id, source_id, experiment_id, start_time, manual_run, denoise)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id, username, env_id, source_id, experiment_id, start_time, end_time, manual_run, COALESCE(denoise, '')`,
				data.Env.UserName, env.ID, source.ID, exp.ID, startTime, data.Env.ManualRun, data.Env.Denoise)
			if err != nil {
				return nil, err
			}
			return scanTrial(row)
		})
}

func scanTrial(row *sql.Row) (*types.Trial, error) {
	var t types.Trial
	var endTime sql.NullTime
	if err := row.Scan(&t.ID, &t.UserName, &t.EnvID, &t.SourceID, &t.ExperimentID,
		&t.StartTime, &endTime, &t.ManualRun, &t.Denoise); err != nil {
		return nil, err
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	return &t, nil
}

// RecordUnit interns a measurement unit by name.
func (d *Database) RecordUnit(ctx context.Context, name string) error {
	_, err := recordCached(ctx, d,
		func(c *internCaches) map[string]struct{} { return c.units },
		name,
		func(ctx context.Context) (struct{}, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-unit",
				`SELECT name FROM unit WHERE name = $1`, name)
			if err != nil {
				return struct{}{}, err
			}
			var n string
			if err := row.Scan(&n); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, nil
		},
		func(ctx context.Context) (struct{}, error) {
			row, err := d.queryRowPrepared(ctx, "insert-unit",
				`INSERT INTO unit (name) VALUES ($1) RETURNING name`, name)
			if err != nil {
				return struct{}{}, err
			}
			var n string
			if err := row.Scan(&n); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, nil
		})
	return err
}

// RecordCriterion interns a criterion by (name, unit), interning the unit
// first.
func (d *Database) RecordCriterion(ctx context.Context, name, unit string) (*types.Criterion, error) {
	if err := d.RecordUnit(ctx, unit); err != nil {
		return nil, fmt.Errorf("failed to record unit %s: %w", unit, err)
	}

	return recordCached(ctx, d,
		func(c *internCaches) map[criterionKey]*types.Criterion { return c.criteria },
		criterionKey{Name: name, Unit: unit},
		func(ctx context.Context) (*types.Criterion, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-criterion",
				`SELECT id, name, unit FROM criterion WHERE name = $1 AND unit = $2`, name, unit)
			if err != nil {
				return nil, err
			}
			return scanCriterion(row)
		},
		func(ctx context.Context) (*types.Criterion, error) {
			row, err := d.queryRowPrepared(ctx, "insert-criterion",
				`INSERT INTO criterion (name, unit) VALUES ($1, $2) RETURNING id, name, unit`, name, unit)
			if err != nil {
				return nil, err
			}
			return scanCriterion(row)
		})
}

func scanCriterion(row *sql.Row) (*types.Criterion, error) {
	var c types.Criterion
	if err := row.Scan(&c.ID, &c.Name, &c.Unit); err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordExecutor interns an executor by name.
func (d *Database) RecordExecutor(ctx context.Context, name, desc string) (*types.Executor, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[string]*types.Executor { return c.executors },
		name,
		func(ctx context.Context) (*types.Executor, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-executor",
				`SELECT id, name, COALESCE(description, '') FROM executor WHERE name = $1`, name)
			if err != nil {
				return nil, err
			}
			var e types.Executor
			if err := row.Scan(&e.ID, &e.Name, &e.Description); err != nil {
				return nil, err
			}
			return &e, nil
		},
		func(ctx context.Context) (*types.Executor, error) {
			row, err := d.queryRowPrepared(ctx, "insert-executor",
				`INSERT INTO executor (name, description) VALUES ($1, $2)
				 RETURNING id, name, COALESCE(description, '')`, name, desc)
			if err != nil {
				return nil, err
			}
			var e types.Executor
			if err := row.Scan(&e.ID, &e.Name, &e.Description); err != nil {
				return nil, err
			}
			return &e, nil
		})
}

// RecordSuite interns a suite by name.
func (d *Database) RecordSuite(ctx context.Context, name, desc string) (*types.Suite, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[string]*types.Suite { return c.suites },
		name,
		func(ctx context.Context) (*types.Suite, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-suite",
				`SELECT id, name, COALESCE(description, '') FROM suite WHERE name = $1`, name)
			if err != nil {
				return nil, err
			}
			var s types.Suite
			if err := row.Scan(&s.ID, &s.Name, &s.Description); err != nil {
				return nil, err
			}
			return &s, nil
		},
		func(ctx context.Context) (*types.Suite, error) {
			row, err := d.queryRowPrepared(ctx, "insert-suite",
				`INSERT INTO suite (name, description) VALUES ($1, $2)
				 RETURNING id, name, COALESCE(description, '')`, name, desc)
			if err != nil {
				return nil, err
			}
			var s types.Suite
			if err := row.Scan(&s.ID, &s.Name, &s.Description); err != nil {
				return nil, err
			}
			return &s, nil
		})
}

// RecordBenchmark interns a benchmark by name.
func (d *Database) RecordBenchmark(ctx context.Context, name, desc string) (*types.Benchmark, error) {
	return recordCached(ctx, d,
		func(c *internCaches) map[string]*types.Benchmark { return c.benchmarks },
		name,
		func(ctx context.Context) (*types.Benchmark, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-benchmark",
				`SELECT id, name, COALESCE(description, '') FROM benchmark WHERE name = $1`, name)
			if err != nil {
				return nil, err
			}
			var b types.Benchmark
			if err := row.Scan(&b.ID, &b.Name, &b.Description); err != nil {
				return nil, err
			}
			return &b, nil
		},
		func(ctx context.Context) (*types.Benchmark, error) {
			row, err := d.queryRowPrepared(ctx, "insert-benchmark",
				`INSERT INTO benchmark (name, description) VALUES ($1, $2)
				 RETURNING id, name, COALESCE(description, '')`, name, desc)
			if err != nil {
				return nil, err
			}
			var b types.Benchmark
			if err := row.Scan(&b.ID, &b.Name, &b.Description); err != nil {
				return nil, err
			}
			return &b, nil
		})
}

// RecordRun interns a run by its command line, interning its executor, suite,
// and benchmark leaves first.
func (d *Database) RecordRun(ctx context.Context, spec types.RunSpec) (*types.Run, error) {
	executor, err := d.RecordExecutor(ctx, spec.Benchmark.Suite.Executor.Name, spec.Benchmark.Suite.Executor.Desc)
	if err != nil {
		return nil, fmt.Errorf("failed to record executor: %w", err)
	}
	suite, err := d.RecordSuite(ctx, spec.Benchmark.Suite.Name, spec.Benchmark.Suite.Desc)
	if err != nil {
		return nil, fmt.Errorf("failed to record suite: %w", err)
	}
	benchmark, err := d.RecordBenchmark(ctx, spec.Benchmark.Name, spec.Benchmark.Desc)
	if err != nil {
		return nil, fmt.Errorf("failed to record benchmark: %w", err)
	}

	return recordCached(ctx, d,
		func(c *internCaches) map[string]*types.Run { return c.runs },
		spec.CmdLine,
		func(ctx context.Context) (*types.Run, error) {
			row, err := d.queryRowPrepared(ctx, "fetch-run",
				`SELECT id, cmdline, benchmark_id, suite_id, executor_id, COALESCE(location, ''),
				        cores, var_value, input_size, extra_args,
				        COALESCE(max_invocation_time, 0), COALESCE(min_iteration_time, 0), warmup
				 FROM run WHERE cmdline = $1`, spec.CmdLine)
			if err != nil {
				return nil, err
			}
			return scanRun(row)
		},
		func(ctx context.Context) (*types.Run, error) {
			row, err := d.queryRowPrepared(ctx, "insert-run",
				`INSERT INTO run (cmdline, benchmark_id, suite_id, executor_id, location, cores,
				                  var_value, input_size, extra_args,
				                  max_invocation_time, min_iteration_time, warmup)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				 RETURNING id, cmdline, benchmark_id, suite_id, executor_id, COALESCE(location, ''),
				           cores, var_value, input_size, extra_args,
				           COALESCE(max_invocation_time, 0), COALESCE(min_iteration_time, 0), warmup`,
				spec.CmdLine, benchmark.ID, suite.ID, executor.ID, spec.Location, spec.Cores,
				spec.VarValue, spec.InputSize, spec.ExtraArgs,
				spec.MaxInvocationTime, spec.MinIterationTime, spec.Warmup)
			if err != nil {
				return nil, err
			}
			return scanRun(row)
		})
}

func scanRun(row *sql.Row) (*types.Run, error) {
	var r types.Run
	var cores, varValue, inputSize, extraArgs sql.NullString
	var warmup sql.NullInt64
	if err := row.Scan(&r.ID, &r.CmdLine, &r.BenchmarkID, &r.SuiteID, &r.ExecutorID, &r.Location,
		&cores, &varValue, &inputSize, &extraArgs,
		&r.MaxInvocationTime, &r.MinIterationTime, &warmup); err != nil {
		return nil, err
	}
	if cores.Valid {
		r.Cores = &cores.String
	}
	if varValue.Valid {
		r.VarValue = &varValue.String
	}
	if inputSize.Valid {
		r.InputSize = &inputSize.String
	}
	if extraArgs.Valid {
		r.ExtraArgs = &extraArgs.String
	}
	if warmup.Valid {
		w := int(warmup.Int64)
		r.Warmup = &w
	}
	return &r, nil
}
