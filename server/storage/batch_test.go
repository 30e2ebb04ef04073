package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasurementInsertSQLSingleRow(t *testing.T) {
	sql := measurementInsertSQL(1)

	assert.Equal(t,
		`INSERT INTO measurement (run_id, trial_id, invocation, iteration, criterion_id, value) `+
			`VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		sql)
}

func TestMeasurementInsertSQLPlaceholderCount(t *testing.T) {
	for _, rows := range []int{1, 10, 50} {
		sql := measurementInsertSQL(rows)

		assert.Equal(t, rows*measurementTupleParams, strings.Count(sql, "$"))
		assert.Equal(t, rows, strings.Count(sql, "(")-strings.Count(sql, "(run_id"))
		assert.True(t, strings.HasSuffix(sql, "ON CONFLICT DO NOTHING"))
	}
}

func TestMeasurementInsertSQLLastPlaceholder(t *testing.T) {
	sql := measurementInsertSQL(50)
	assert.Contains(t, sql, "$300)")
	assert.NotContains(t, sql, "$301")
}

func TestMeasurementInsertNameEncodesSize(t *testing.T) {
	assert.Equal(t, "insert-measurement-50", measurementInsertName(50))
	assert.Equal(t, "insert-measurement-10", measurementInsertName(10))
	assert.Equal(t, "insert-measurement-1", measurementInsertName(1))
}

func TestMeasurementArgsOrder(t *testing.T) {
	args := measurementArgs([]measurementTuple{
		{RunID: 1, TrialID: 2, Invocation: 3, Iteration: 4, CriterionID: 5, Value: 6.5},
	})

	assert.Equal(t, []interface{}{int64(1), int64(2), 3, 4, int64(5), 6.5}, args)
}
