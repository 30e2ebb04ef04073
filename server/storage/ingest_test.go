package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/benchdb/server/config"
	"github.com/benchdb/server/timeline"
	"github.com/benchdb/server/types"
)

// IngestTestSuite runs the ingestion and query surface against a disposable
// PostgreSQL instance.
type IngestTestSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *Database
}

func TestIngestTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(IngestTestSuite))
}

func (s *IngestTestSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.RunContainer(s.ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		s.T().Skipf("could not start postgres container: %v", err)
	}
	s.container = container

	mappedPort, err := container.MappedPort(s.ctx, "5432")
	require.NoError(s.T(), err)

	cfg := config.Default()
	cfg.Database.Host = "localhost"
	cfg.Database.Port = mappedPort.Int()
	cfg.Database.Database = "testdb"
	cfg.Database.User = "testuser"
	cfg.Database.Password = "testpass"

	s.db = NewDatabase(cfg)
	require.NoError(s.T(), s.db.Connect(s.ctx))
	require.NoError(s.T(), s.db.Bootstrap(s.ctx))
}

func (s *IngestTestSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		s.container.Terminate(s.ctx)
	}
}

func (s *IngestTestSuite) SetupTest() {
	_, err := s.db.db.ExecContext(s.ctx, `
		TRUNCATE measurement, profile_data, timeline, timeline_calc_job, trial,
		         run, criterion, unit, benchmark, suite, executor,
		         experiment, source, environment, project
		RESTART IDENTITY CASCADE`)
	require.NoError(s.T(), err)
	s.db.ClearCaches()
	s.db.SetTimelineUpdater(nil)
}

// makePayload builds an ingest payload with `runs` run groups carrying
// `perRun` total-criterion measurements each.
func makePayload(project, experiment, commit, branch string, runs, perRun int) *types.BenchmarkData {
	data := &types.BenchmarkData{
		ProjectName:    project,
		ExperimentName: experiment,
		StartTime:      "2024-05-01T10:00:00Z",
		Env: types.EnvData{
			HostName:   "bench-1",
			OSType:     "Linux",
			Memory:     16000000000,
			CPU:        "Ryzen 7",
			ClockSpeed: 3800000000,
			UserName:   "ci",
		},
		Source: types.SourceData{
			RepoURL:     "https://example.org/repo.git",
			BranchOrTag: branch,
			CommitID:    commit,
			CommitMsg:   "change something",
			AuthorName:  "Jane Doe",
			AuthorEmail: "jane@example.org",
		},
		Criteria: []types.CriterionData{
			{Index: 0, Name: types.TotalCriterion, Unit: "ms"},
		},
	}

	for r := 0; r < runs; r++ {
		group := types.RunData{
			RunID: types.RunSpec{
				CmdLine: fmt.Sprintf("harness -cp core Bench%d", r),
				Benchmark: types.BenchmarkSpec{
					Name: fmt.Sprintf("Bench%d", r),
					Suite: types.SuiteSpec{
						Name:     "micro",
						Executor: types.ExecutorSpec{Name: "interp"},
					},
				},
				MaxInvocationTime: 300,
				MinIterationTime:  50,
			},
		}
		for it := 1; it <= perRun; it++ {
			group.Data = append(group.Data, types.DataPoint{
				Invocation: 1,
				Iteration:  it,
				Measures:   []types.Measure{{Criterion: 0, Value: 100 + float64(r*perRun+it)}},
			})
		}
		data.Data = append(data.Data, group)
	}
	return data
}

func (s *IngestTestSuite) count(table string) int {
	var n int
	require.NoError(s.T(), s.db.db.QueryRowContext(s.ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (s *IngestTestSuite) TestRecordAllDataFreshPayload() {
	payload := makePayload("SOM", "nightly", "abc123", "main", 1, 3)

	measurements, profiles, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, measurements)
	assert.Equal(s.T(), 0, profiles)

	for _, table := range []string{"project", "experiment", "source", "environment",
		"trial", "executor", "suite", "benchmark", "run", "criterion"} {
		assert.Equal(s.T(), 1, s.count(table), table)
	}
	assert.Equal(s.T(), 3, s.count("measurement"))

	var commit string
	require.NoError(s.T(), s.db.db.QueryRowContext(s.ctx,
		`SELECT commit_id FROM source`).Scan(&commit))
	assert.Equal(s.T(), "abc123", commit)
}

func (s *IngestTestSuite) TestRecordAllDataIsIdempotent() {
	payload := makePayload("SOM", "nightly", "abc123", "main", 2, 4)

	measurements, _, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 8, measurements)

	measurements, profiles, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, measurements)
	assert.Equal(s.T(), 0, profiles)

	assert.Equal(s.T(), 8, s.count("measurement"))
	assert.Equal(s.T(), 1, s.count("trial"))
}

func (s *IngestTestSuite) TestRecordAllDataIdempotentWithColdCaches() {
	payload := makePayload("SOM", "nightly", "abc123", "main", 1, 5)

	_, _, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)

	// A fresh process has empty interning caches; the fetch path and the
	// dedup oracle must still converge without duplicating rows.
	s.db.ClearCaches()

	measurements, _, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, measurements)
	assert.Equal(s.T(), 5, s.count("measurement"))
	assert.Equal(s.T(), 1, s.count("trial"))
}

func (s *IngestTestSuite) TestLargePayloadExercisesAllBatchSizes() {
	// 127 = 2 full 50-row batches + 2 ten-row batches + 7 single inserts.
	payload := makePayload("SOM", "nightly", "abc123", "main", 1, 127)

	measurements, _, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 127, measurements)
	assert.Equal(s.T(), 127, s.count("measurement"))
}

func (s *IngestTestSuite) TestConcurrentIngestOfSamePayload() {
	var wg sync.WaitGroup
	results := make([]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "nightly", "abc123", "main", 2, 10), false)
			results[i] = n
			errs[i] = err
		}(i)
	}
	wg.Wait()

	require.NoError(s.T(), errs[0])
	require.NoError(s.T(), errs[1])

	// One payload's worth of rows; the split between the requests varies.
	assert.Equal(s.T(), 20, s.count("measurement"))
	assert.Equal(s.T(), 20, results[0]+results[1])
	assert.Equal(s.T(), 1, s.count("trial"))
	assert.Equal(s.T(), 1, s.count("source"))
}

func (s *IngestTestSuite) TestRecordProfiles() {
	payload := makePayload("SOM", "nightly", "abc123", "main", 1, 0)
	payload.Data[0].Profiles = []types.ProfileData{
		{Invocation: 1, NumIterations: 10, Data: json.RawMessage(`{"stack": ["a", "b"]}`)},
		{Invocation: 2, NumIterations: 10, Data: json.RawMessage(`"already a string"`)},
	}

	measurements, profiles, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, measurements)
	assert.Equal(s.T(), 2, profiles)

	var value string
	require.NoError(s.T(), s.db.db.QueryRowContext(s.ctx,
		`SELECT value FROM profile_data WHERE invocation = 2`).Scan(&value))
	assert.Equal(s.T(), "already a string", value)

	// Re-submission is silently ignored.
	_, profiles, err = s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, profiles)
	assert.Equal(s.T(), 2, s.count("profile_data"))
}

func (s *IngestTestSuite) TestTimelineConvergence() {
	updater := timeline.NewUpdater(s.db, 100)
	require.NoError(s.T(), updater.Start(s.ctx))
	defer updater.Stop(s.ctx)
	s.db.SetTimelineUpdater(updater)

	// 24 run groups with one total-criterion value each.
	payload := makePayload("SOM", "nightly", "abc123", "main", 24, 1)

	measurements, _, err := s.db.RecordAllData(s.ctx, payload, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 24, measurements)

	require.NoError(s.T(), updater.AwaitQuiescence(s.ctx))

	assert.Equal(s.T(), 24, s.count("timeline"))
	assert.Equal(s.T(), 0, s.count("timeline_calc_job"))

	// Every timeline row reflects the full stored sample for its key.
	rows, err := s.db.db.QueryContext(s.ctx, `
		SELECT tl.num_samples,
		       (SELECT COUNT(*) FROM measurement m
		        WHERE m.run_id = tl.run_id AND m.trial_id = tl.trial_id
		          AND m.criterion_id = tl.criterion_id)
		FROM timeline tl`)
	require.NoError(s.T(), err)
	defer rows.Close()
	for rows.Next() {
		var numSamples, stored int
		require.NoError(s.T(), rows.Scan(&numSamples, &stored))
		assert.Equal(s.T(), stored, numSamples)
	}
	require.NoError(s.T(), rows.Err())
}

func (s *IngestTestSuite) TestTimelineUpdatedAfterSecondIngest() {
	updater := timeline.NewUpdater(s.db, 50)
	require.NoError(s.T(), updater.Start(s.ctx))
	defer updater.Stop(s.ctx)
	s.db.SetTimelineUpdater(updater)

	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "exp1", "abc123", "main", 1, 5), false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), updater.AwaitQuiescence(s.ctx))

	var numSamples int
	require.NoError(s.T(), s.db.db.QueryRowContext(s.ctx,
		`SELECT num_samples FROM timeline`).Scan(&numSamples))
	assert.Equal(s.T(), 5, numSamples)

	// A second trial of the same run contributes its own timeline row.
	_, _, err = s.db.RecordAllData(s.ctx, makePayload("SOM", "exp2", "def456", "main", 1, 7), false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), updater.AwaitQuiescence(s.ctx))

	assert.Equal(s.T(), 2, s.count("timeline"))
}

func (s *IngestTestSuite) TestTimelineJobQueueDrain() {
	// Consumer not started: durable jobs accumulate for inspection.
	updater := timeline.NewUpdater(s.db, 10)
	s.db.SetTimelineUpdater(updater)

	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "exp1", "abc123", "main", 3, 2), false)
	require.NoError(s.T(), err)
	_, _, err = s.db.RecordAllData(s.ctx, makePayload("SOM", "exp2", "def456", "feature", 3, 2), false)
	require.NoError(s.T(), err)

	// Two trials with three runs each received total-criterion values.
	rows, err := s.db.db.QueryContext(s.ctx,
		`DELETE FROM timeline_calc_job RETURNING trial_id, run_id, criterion_id`)
	require.NoError(s.T(), err)
	defer rows.Close()

	drained := 0
	for rows.Next() {
		var trialID, runID, criterionID int64
		require.NoError(s.T(), rows.Scan(&trialID, &runID, &criterionID))
		drained++
	}
	require.NoError(s.T(), rows.Err())
	assert.Equal(s.T(), 6, drained)
	assert.Equal(s.T(), 0, s.count("timeline_calc_job"))
}

func (s *IngestTestSuite) TestSuppressTimelineSkipsJobSubmission() {
	updater := timeline.NewUpdater(s.db, 10)
	s.db.SetTimelineUpdater(updater)

	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "exp1", "abc123", "main", 2, 2), true)
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 0, s.count("timeline_calc_job"))
}

func (s *IngestTestSuite) TestRecordCompletion() {
	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "nightly", "abc123", "main", 1, 1), false)
	require.NoError(s.T(), err)

	err = s.db.RecordCompletion(s.ctx, types.CompletionData{
		ProjectName:    "SOM",
		ExperimentName: "nightly",
		EndTime:        "2024-05-01T12:30:00Z",
	})
	require.NoError(s.T(), err)

	var open int
	require.NoError(s.T(), s.db.db.QueryRowContext(s.ctx,
		`SELECT COUNT(*) FROM trial WHERE end_time IS NULL`).Scan(&open))
	assert.Equal(s.T(), 0, open)
}

func (s *IngestTestSuite) TestRecordCompletionUnknownExperiment() {
	err := s.db.RecordCompletion(s.ctx, types.CompletionData{
		ProjectName:    "SOM",
		ExperimentName: "never-ran",
		EndTime:        "2024-05-01T12:30:00Z",
	})
	assert.ErrorIs(s.T(), err, ErrExperimentNotFound)
}

func (s *IngestTestSuite) TestRecordCompletionMissingEndTime() {
	err := s.db.RecordCompletion(s.ctx, types.CompletionData{
		ProjectName:    "SOM",
		ExperimentName: "nightly",
	})
	assert.ErrorIs(s.T(), err, ErrMissingEndTime)
}

func (s *IngestTestSuite) TestRevisionsExistInProject() {
	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "exp1", "abc123", "main", 1, 1), false)
	require.NoError(s.T(), err)
	_, _, err = s.db.RecordAllData(s.ctx, makePayload("SOM", "exp2", "def456", "feature", 1, 1), false)
	require.NoError(s.T(), err)

	base, change, ok, err := s.db.RevisionsExistInProject(s.ctx, "SOM", "abc123", "def456")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	assert.Equal(s.T(), "abc123", base.CommitID)
	assert.Equal(s.T(), "def456", change.CommitID)

	_, _, ok, err = s.db.RevisionsExistInProject(s.ctx, "SOM", "abc123", "unknown")
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)
}

func (s *IngestTestSuite) TestGetBaselineCommit() {
	// Earlier payload on main, later payload on a feature branch.
	older := makePayload("SOM", "exp1", "base001", "main", 1, 1)
	older.StartTime = "2024-04-01T10:00:00Z"
	_, _, err := s.db.RecordAllData(s.ctx, older, false)
	require.NoError(s.T(), err)

	newer := makePayload("SOM", "exp2", "base002", "main", 1, 1)
	newer.StartTime = "2024-04-20T10:00:00Z"
	_, _, err = s.db.RecordAllData(s.ctx, newer, false)
	require.NoError(s.T(), err)

	feature := makePayload("SOM", "exp3", "feat789", "feature", 1, 1)
	_, _, err = s.db.RecordAllData(s.ctx, feature, false)
	require.NoError(s.T(), err)

	project, err := s.db.RecordProject(s.ctx, "SOM")
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.db.SetBaseBranch(s.ctx, project.ID, "main"))

	project, err = s.db.RecordProject(s.ctx, "SOM")
	require.NoError(s.T(), err)

	baseline, err := s.db.GetBaselineCommit(s.ctx, project, "feat789")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), baseline)
	assert.Equal(s.T(), "base002", baseline.CommitID)
	assert.Equal(s.T(), "main", baseline.BranchOrTag)
}

func (s *IngestTestSuite) TestGetBaselineCommitWithoutBaseBranch() {
	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "exp1", "abc123", "main", 1, 1), false)
	require.NoError(s.T(), err)

	project, err := s.db.RecordProject(s.ctx, "SOM")
	require.NoError(s.T(), err)

	baseline, err := s.db.GetBaselineCommit(s.ctx, project, "abc123")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), baseline)
}

func (s *IngestTestSuite) TestGetTimelineDataShapes() {
	updater := timeline.NewUpdater(s.db, 50)
	require.NoError(s.T(), updater.Start(s.ctx))
	defer updater.Stop(s.ctx)
	s.db.SetTimelineUpdater(updater)

	basePayload := makePayload("SOM", "exp1", "base001", "main", 1, 5)
	basePayload.StartTime = "2024-04-01T10:00:00Z"
	_, _, err := s.db.RecordAllData(s.ctx, basePayload, false)
	require.NoError(s.T(), err)

	changePayload := makePayload("SOM", "exp2", "feat789", "feature", 1, 5)
	_, _, err = s.db.RecordAllData(s.ctx, changePayload, false)
	require.NoError(s.T(), err)

	require.NoError(s.T(), updater.AwaitQuiescence(s.ctx))

	project, err := s.db.RecordProject(s.ctx, "SOM")
	require.NoError(s.T(), err)

	req := types.TimelineRequest{
		Baseline:  "base001",
		Benchmark: "Bench0",
		Executor:  "interp",
		Suite:     "micro",
	}

	plot, err := s.db.GetTimelineData(s.ctx, project, req)
	require.NoError(s.T(), err)
	require.Len(s.T(), plot.Columns, 4)
	require.Len(s.T(), plot.Columns[0], 1)
	require.NotNil(s.T(), plot.BaseTimestamp)

	req.Change = "feat789"
	plot, err = s.db.GetTimelineData(s.ctx, project, req)
	require.NoError(s.T(), err)
	require.Len(s.T(), plot.Columns, 7)
	require.Len(s.T(), plot.Columns[0], 2)
	require.NotNil(s.T(), plot.BaseTimestamp)
	require.NotNil(s.T(), plot.ChangeTimestamp)

	// The baseline row fills columns 1-3 and leaves 4-6 null, the change row
	// the other way around.
	var baseIdx, changeIdx int
	if plot.SourceIDs[0] == plot.SourceIDs[1] {
		s.T().Fatal("expected two distinct sources")
	}
	if *plot.Columns[0][0] < *plot.Columns[0][1] {
		baseIdx, changeIdx = 0, 1
	} else {
		baseIdx, changeIdx = 1, 0
	}
	assert.NotNil(s.T(), plot.Columns[2][baseIdx])
	assert.Nil(s.T(), plot.Columns[5][baseIdx])
	assert.Nil(s.T(), plot.Columns[2][changeIdx])
	assert.NotNil(s.T(), plot.Columns[5][changeIdx])
}

func (s *IngestTestSuite) TestUpdaterRecoveryFromDurableQueue() {
	// First process: jobs persisted, consumer never ran.
	idle := timeline.NewUpdater(s.db, 10)
	s.db.SetTimelineUpdater(idle)
	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "exp1", "abc123", "main", 2, 3), false)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 2, s.count("timeline_calc_job"))

	// Second process: Start drains the durable queue.
	recovered := timeline.NewUpdater(s.db, 10)
	require.NoError(s.T(), recovered.Start(s.ctx))
	defer recovered.Stop(s.ctx)

	require.NoError(s.T(), recovered.AwaitQuiescence(s.ctx))
	assert.Equal(s.T(), 2, s.count("timeline"))
	assert.Equal(s.T(), 0, s.count("timeline_calc_job"))
}

func (s *IngestTestSuite) TestStatsValiditySwapsOnIngest() {
	token := s.db.StatsValidity()
	require.True(s.T(), token.IsValid())

	_, _, err := s.db.RecordAllData(s.ctx, makePayload("SOM", "exp1", "abc123", "main", 1, 1), false)
	require.NoError(s.T(), err)

	// Immediate invalidation (default delay 0): the old token is dead and a
	// fresh one is installed.
	assert.False(s.T(), token.IsValid())
	assert.True(s.T(), s.db.StatsValidity().IsValid())
}

func (s *IngestTestSuite) TestMeasurementDedupAcrossPartialOverlap() {
	first := makePayload("SOM", "nightly", "abc123", "main", 1, 3)
	_, _, err := s.db.RecordAllData(s.ctx, first, false)
	require.NoError(s.T(), err)

	// Overlapping resubmission with two additional iterations.
	second := makePayload("SOM", "nightly", "abc123", "main", 1, 5)
	measurements, _, err := s.db.RecordAllData(s.ctx, second, false)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, measurements)
	assert.Equal(s.T(), 5, s.count("measurement"))
}
