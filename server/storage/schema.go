package storage

import (
	"context"
	"fmt"
)

// ddl is the shipped schema. Bootstrap executes it when the executor table is
// missing, which is how a fresh database is initialized on startup.
const ddl = `
CREATE TABLE IF NOT EXISTS project (
	id SERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	slug TEXT NOT NULL,
	base_branch TEXT
);

CREATE TABLE IF NOT EXISTS experiment (
	id SERIAL PRIMARY KEY,
	project_id INTEGER NOT NULL REFERENCES project (id),
	name TEXT NOT NULL,
	description TEXT,
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS source (
	id SERIAL PRIMARY KEY,
	repo_url TEXT,
	branch_or_tag TEXT,
	commit_id TEXT UNIQUE NOT NULL,
	commit_message TEXT,
	author_name TEXT,
	author_email TEXT,
	committer_name TEXT,
	committer_email TEXT
);

CREATE TABLE IF NOT EXISTS environment (
	id SERIAL PRIMARY KEY,
	hostname TEXT UNIQUE NOT NULL,
	os_type TEXT,
	memory BIGINT,
	cpu TEXT,
	clock_speed BIGINT
);

CREATE TABLE IF NOT EXISTS trial (
	id SERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	env_id INTEGER NOT NULL REFERENCES environment (id),
	source_id INTEGER NOT NULL REFERENCES source (id),
	experiment_id INTEGER NOT NULL REFERENCES experiment (id),
	start_time TIMESTAMP WITH TIME ZONE NOT NULL,
	end_time TIMESTAMP WITH TIME ZONE,
	manual_run BOOLEAN NOT NULL DEFAULT false,
	denoise TEXT,
	UNIQUE (username, env_id, start_time, experiment_id)
);

CREATE TABLE IF NOT EXISTS executor (
	id SERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS suite (
	id SERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS benchmark (
	id SERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS run (
	id SERIAL PRIMARY KEY,
	cmdline TEXT UNIQUE NOT NULL,
	benchmark_id INTEGER NOT NULL REFERENCES benchmark (id),
	suite_id INTEGER NOT NULL REFERENCES suite (id),
	executor_id INTEGER NOT NULL REFERENCES executor (id),
	location TEXT,
	cores TEXT,
	var_value TEXT,
	input_size TEXT,
	extra_args TEXT,
	max_invocation_time INTEGER,
	min_iteration_time INTEGER,
	warmup INTEGER
);

CREATE TABLE IF NOT EXISTS unit (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS criterion (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	unit TEXT NOT NULL REFERENCES unit (name),
	UNIQUE (name, unit)
);

CREATE TABLE IF NOT EXISTS measurement (
	run_id INTEGER NOT NULL REFERENCES run (id),
	trial_id INTEGER NOT NULL REFERENCES trial (id),
	invocation INTEGER NOT NULL,
	iteration INTEGER NOT NULL,
	criterion_id INTEGER NOT NULL REFERENCES criterion (id),
	value DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, trial_id, invocation, iteration, criterion_id)
);

CREATE TABLE IF NOT EXISTS profile_data (
	run_id INTEGER NOT NULL REFERENCES run (id),
	trial_id INTEGER NOT NULL REFERENCES trial (id),
	invocation INTEGER NOT NULL,
	num_iterations INTEGER NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (run_id, trial_id, invocation, num_iterations)
);

CREATE TABLE IF NOT EXISTS timeline (
	run_id INTEGER NOT NULL REFERENCES run (id),
	trial_id INTEGER NOT NULL REFERENCES trial (id),
	criterion_id INTEGER NOT NULL REFERENCES criterion (id),
	min DOUBLE PRECISION NOT NULL,
	max DOUBLE PRECISION NOT NULL,
	stddev DOUBLE PRECISION NOT NULL,
	mean DOUBLE PRECISION NOT NULL,
	median DOUBLE PRECISION NOT NULL,
	num_samples INTEGER NOT NULL,
	bci95low DOUBLE PRECISION NOT NULL,
	bci95up DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, trial_id, criterion_id)
);

CREATE TABLE IF NOT EXISTS timeline_calc_job (
	trial_id INTEGER NOT NULL,
	run_id INTEGER NOT NULL,
	criterion_id INTEGER NOT NULL,
	PRIMARY KEY (trial_id, run_id, criterion_id)
);

CREATE INDEX IF NOT EXISTS idx_measurement_trial ON measurement (trial_id);
CREATE INDEX IF NOT EXISTS idx_trial_experiment ON trial (experiment_id);
CREATE INDEX IF NOT EXISTS idx_source_branch ON source (branch_or_tag);
`

// Bootstrap initializes the schema on a fresh database. The executor table
// acts as the sentinel: when it is absent the shipped DDL is executed inside
// one transaction.
func (d *Database) Bootstrap(ctx context.Context) error {
	var exists bool
	checkQuery := `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = 'executor'
		)`

	if err := d.db.QueryRowContext(ctx, checkQuery).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check for executor table: %w", err)
	}

	if exists {
		d.log.Debug("Schema already initialized")
		return nil
	}

	d.log.Info("Initializing database schema")

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	d.log.Info("Database schema initialized")
	return nil
}
