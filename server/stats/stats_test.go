package stats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSingleValue(t *testing.T) {
	s := Compute([]float64{432.5}, 1000, nil)

	assert.Equal(t, 432.5, s.Min)
	assert.Equal(t, 432.5, s.Max)
	assert.Equal(t, 432.5, s.Mean)
	assert.Equal(t, 432.5, s.Median)
	assert.Equal(t, 0.0, s.StdDev)
	assert.Equal(t, 1, s.NumSamples)
	assert.Equal(t, 432.5, s.BCI95Low)
	assert.Equal(t, 432.5, s.BCI95Up)
}

func TestComputeConstantSample(t *testing.T) {
	// Every resample of a constant sample has the same mean, so the interval
	// collapses regardless of the replicate count.
	for _, replicates := range []int{1, 10, 1000} {
		s := Compute([]float64{7, 7, 7, 7, 7}, replicates, nil)

		assert.Equal(t, 7.0, s.Min)
		assert.Equal(t, 7.0, s.Max)
		assert.Equal(t, 7.0, s.Mean)
		assert.Equal(t, 7.0, s.Median)
		assert.Equal(t, 0.0, s.StdDev)
		assert.Equal(t, 5, s.NumSamples)
		assert.Equal(t, 7.0, s.BCI95Low)
		assert.Equal(t, 7.0, s.BCI95Up)
	}
}

func TestComputeKnownSample(t *testing.T) {
	s := Compute([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 100, rand.New(rand.NewSource(1)))

	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.Equal(t, 5.0, s.Mean)
	assert.InDelta(t, 2.138, s.StdDev, 0.001)
	assert.Equal(t, 4.5, s.Median)
	assert.Equal(t, 8, s.NumSamples)
}

func TestComputeMedianOddSample(t *testing.T) {
	s := Compute([]float64{9, 1, 5}, 10, rand.New(rand.NewSource(1)))
	assert.Equal(t, 5.0, s.Median)
}

func TestComputeMedianEvenSampleInterpolates(t *testing.T) {
	s := Compute([]float64{4, 1, 3, 2}, 10, rand.New(rand.NewSource(1)))
	assert.Equal(t, 2.5, s.Median)
}

func TestComputeDeterministicWithSeededRNG(t *testing.T) {
	sample := []float64{12.1, 11.9, 13.4, 12.8, 12.2, 11.7, 12.9}

	a := Compute(sample, 500, rand.New(rand.NewSource(42)))
	b := Compute(sample, 500, rand.New(rand.NewSource(42)))

	assert.Equal(t, a, b)
}

func TestComputeBoundsContainMean(t *testing.T) {
	sample := []float64{10, 11, 9, 10.5, 9.5, 10.2, 9.8, 10.1}
	s := Compute(sample, 1000, rand.New(rand.NewSource(7)))

	require.LessOrEqual(t, s.BCI95Low, s.Mean)
	require.GreaterOrEqual(t, s.BCI95Up, s.Mean)
	require.GreaterOrEqual(t, s.BCI95Low, s.Min)
	require.LessOrEqual(t, s.BCI95Up, s.Max)
}

func TestComputeDoesNotMutateInput(t *testing.T) {
	sample := []float64{3, 1, 2}
	Compute(sample, 10, rand.New(rand.NewSource(1)))
	assert.Equal(t, []float64{3, 1, 2}, sample)
}

func TestComputeDefaultsReplicates(t *testing.T) {
	s := Compute([]float64{1, 2, 3}, 0, rand.New(rand.NewSource(3)))
	assert.Equal(t, 3, s.NumSamples)
	assert.True(t, s.BCI95Low <= s.BCI95Up)
}

func TestComputeEmptySample(t *testing.T) {
	assert.Equal(t, Summary{}, Compute(nil, 1000, nil))
}
