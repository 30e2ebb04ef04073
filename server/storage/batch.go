package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/benchdb/server/metrics"
)

// Measurement insert plans. The 50-row statement is the hot path; residuals
// drain through the 10-row plan while at least 10 tuples remain, then one at
// a time. The single-row plan doubles as the unique-violation recovery path.
const (
	measurementBatchSize      = 50
	measurementSmallBatchSize = 10
	measurementTupleParams    = 6
)

// measurementTuple is one measurement row awaiting insertion.
type measurementTuple struct {
	RunID       int64
	TrialID     int64
	Invocation  int
	Iteration   int
	CriterionID int64
	Value       float64
}

// measurementInsertName encodes the row count so the driver caches one
// prepared plan per batch size.
func measurementInsertName(rows int) string {
	return fmt.Sprintf("insert-measurement-%d", rows)
}

// measurementInsertSQL builds an insert of `rows` tuples with 6 placeholders
// each. Conflicts on the measurement key are ignored; the dedup oracle and
// RowsAffected account for what was actually stored.
func measurementInsertSQL(rows int) string {
	var b strings.Builder
	b.WriteString(`INSERT INTO measurement (run_id, trial_id, invocation, iteration, criterion_id, value) VALUES `)
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * measurementTupleParams
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)
	}
	b.WriteString(" ON CONFLICT DO NOTHING")
	return b.String()
}

func measurementArgs(tuples []measurementTuple) []interface{} {
	args := make([]interface{}, 0, len(tuples)*measurementTupleParams)
	for _, t := range tuples {
		args = append(args, t.RunID, t.TrialID, t.Invocation, t.Iteration, t.CriterionID, t.Value)
	}
	return args
}

// insertMeasurementBatch executes the fixed-size plan for len(tuples) rows
// and returns how many were stored. A unique violation inside a multi-row
// batch falls back to per-tuple inserts, swallowing per-tuple duplicates and
// propagating everything else.
func (d *Database) insertMeasurementBatch(ctx context.Context, tuples []measurementTuple) (int, error) {
	if len(tuples) == 0 {
		return 0, nil
	}

	res, err := d.execPrepared(ctx, measurementInsertName(len(tuples)),
		measurementInsertSQL(len(tuples)), measurementArgs(tuples)...)
	if err == nil {
		affected, raErr := res.RowsAffected()
		if raErr != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", raErr)
		}
		metrics.MeasurementsSkipped.Add(float64(len(tuples) - int(affected)))
		return int(affected), nil
	}

	if !isUniqueViolation(err) {
		return 0, fmt.Errorf("failed to insert measurement batch of %d: %w", len(tuples), err)
	}

	d.log.WithField("batch_size", len(tuples)).
		Debug("Unique violation in measurement batch, retrying per tuple")
	return d.insertMeasurementsOneByOne(ctx, tuples)
}

// insertMeasurementsOneByOne is the recovery path: each tuple runs through
// the single-row plan, duplicates are skipped silently.
func (d *Database) insertMeasurementsOneByOne(ctx context.Context, tuples []measurementTuple) (int, error) {
	inserted := 0
	for _, t := range tuples {
		res, err := d.execPrepared(ctx, measurementInsertName(1),
			measurementInsertSQL(1), measurementArgs([]measurementTuple{t})...)
		if err != nil {
			if isUniqueViolation(err) {
				metrics.MeasurementsSkipped.Inc()
				continue
			}
			return inserted, fmt.Errorf("failed to insert measurement: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 0 {
			metrics.MeasurementsSkipped.Inc()
		}
		inserted += int(affected)
	}
	return inserted, nil
}

// flushMeasurements drains a partially filled buffer: 10-row inserts while at
// least 10 tuples remain, then per-tuple inserts for the tail.
func (d *Database) flushMeasurements(ctx context.Context, tuples []measurementTuple) (int, error) {
	inserted := 0
	for len(tuples) >= measurementSmallBatchSize {
		n, err := d.insertMeasurementBatch(ctx, tuples[:measurementSmallBatchSize])
		inserted += n
		if err != nil {
			return inserted, err
		}
		tuples = tuples[measurementSmallBatchSize:]
	}
	n, err := d.insertMeasurementsOneByOne(ctx, tuples)
	inserted += n
	return inserted, err
}
