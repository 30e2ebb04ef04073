package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailableMeasurementsCovers(t *testing.T) {
	available := availableMeasurements{
		7: {3: {1: 5, 2: 2}},
	}

	// Covered up to the stored max iteration per invocation.
	assert.True(t, available.covers(7, 3, 1, 1))
	assert.True(t, available.covers(7, 3, 1, 5))
	assert.False(t, available.covers(7, 3, 1, 6))

	assert.True(t, available.covers(7, 3, 2, 2))
	assert.False(t, available.covers(7, 3, 2, 3))

	// Unknown run, criterion, or invocation is not covered.
	assert.False(t, available.covers(8, 3, 1, 1))
	assert.False(t, available.covers(7, 4, 1, 1))
	assert.False(t, available.covers(7, 3, 9, 1))
}

func TestSerializeProfileKeepsStrings(t *testing.T) {
	assert.Equal(t, "plain profile text", serializeProfile(json.RawMessage(`"plain profile text"`)))
}

func TestSerializeProfileMarshalsStructures(t *testing.T) {
	raw := json.RawMessage(`{"frames": [1, 2, 3]}`)
	assert.JSONEq(t, `{"frames": [1, 2, 3]}`, serializeProfile(raw))
}
