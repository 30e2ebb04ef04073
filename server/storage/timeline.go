package storage

import (
	"context"
	"fmt"

	"github.com/benchdb/server/types"
)

// InsertTimelineJobs persists pending recomputations in the durable queue.
// One row per key; duplicate submissions coalesce on the primary key.
func (d *Database) InsertTimelineJobs(ctx context.Context, keys []types.TimelineKey) error {
	for _, key := range keys {
		_, err := d.execPrepared(ctx, "insert-timeline-job",
			`INSERT INTO timeline_calc_job (trial_id, run_id, criterion_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			key.TrialID, key.RunID, key.CriterionID)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("failed to insert timeline job: %w", err)
		}
	}
	return nil
}

// ListTimelineJobs returns every persisted recomputation request. Used on
// startup to resume work a crashed process left behind.
func (d *Database) ListTimelineJobs(ctx context.Context) ([]types.TimelineKey, error) {
	rows, err := d.queryPrepared(ctx, "list-timeline-jobs",
		`SELECT trial_id, run_id, criterion_id FROM timeline_calc_job`)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline jobs: %w", err)
	}
	defer rows.Close()

	var keys []types.TimelineKey
	for rows.Next() {
		var key types.TimelineKey
		if err := rows.Scan(&key.TrialID, &key.RunID, &key.CriterionID); err != nil {
			return nil, fmt.Errorf("failed to scan timeline job: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteTimelineJob removes a completed recomputation from the durable queue.
func (d *Database) DeleteTimelineJob(ctx context.Context, key types.TimelineKey) error {
	_, err := d.execPrepared(ctx, "delete-timeline-job",
		`DELETE FROM timeline_calc_job WHERE trial_id = $1 AND run_id = $2 AND criterion_id = $3`,
		key.TrialID, key.RunID, key.CriterionID)
	if err != nil {
		return fmt.Errorf("failed to delete timeline job: %w", err)
	}
	return nil
}

// FetchMeasurementSample loads the full stored sample for one
// (run, trial, criterion), ordered by invocation and iteration.
func (d *Database) FetchMeasurementSample(ctx context.Context, key types.TimelineKey) ([]float64, error) {
	rows, err := d.queryPrepared(ctx, "fetch-measurement-sample",
		`SELECT value FROM measurement
		 WHERE run_id = $1 AND trial_id = $2 AND criterion_id = $3
		 ORDER BY invocation, iteration`,
		key.RunID, key.TrialID, key.CriterionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch measurement sample: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan measurement value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// UpsertTimelineEntry stores the recomputed summary for one key, replacing
// every column on conflict.
func (d *Database) UpsertTimelineEntry(ctx context.Context, entry *types.TimelineEntry) error {
	_, err := d.execPrepared(ctx, "upsert-timeline",
		`INSERT INTO timeline (run_id, trial_id, criterion_id,
		                       min, max, stddev, mean, median, num_samples, bci95low, bci95up)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (run_id, trial_id, criterion_id) DO UPDATE SET
			min = EXCLUDED.min,
			max = EXCLUDED.max,
			stddev = EXCLUDED.stddev,
			mean = EXCLUDED.mean,
			median = EXCLUDED.median,
			num_samples = EXCLUDED.num_samples,
			bci95low = EXCLUDED.bci95low,
			bci95up = EXCLUDED.bci95up`,
		entry.RunID, entry.TrialID, entry.CriterionID,
		entry.Min, entry.Max, entry.StdDev, entry.Mean, entry.Median,
		entry.NumSamples, entry.BCI95Low, entry.BCI95Up)
	if err != nil {
		return fmt.Errorf("failed to upsert timeline entry: %w", err)
	}
	return nil
}
