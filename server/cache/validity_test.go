package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidityIsValid(t *testing.T) {
	v := NewValidity(0)
	assert.True(t, v.IsValid())
}

func TestInvalidateImmediate(t *testing.T) {
	v := NewValidity(0)

	next := v.Invalidate()

	assert.False(t, v.IsValid())
	require.NotSame(t, v, next)
	assert.True(t, next.IsValid())
}

func TestInvalidateDelayedReturnsSameTokenWhileValid(t *testing.T) {
	v := NewValidity(250 * time.Millisecond)

	next := v.Invalidate()

	assert.Same(t, v, next)
	assert.True(t, v.IsValid())
}

func TestInvalidateDelayedExpires(t *testing.T) {
	v := NewValidity(20 * time.Millisecond)
	v.Invalidate()

	require.Eventually(t, func() bool { return !v.IsValid() },
		time.Second, 5*time.Millisecond)

	next := v.Invalidate()
	require.NotSame(t, v, next)
	assert.True(t, next.IsValid())
}

func TestInvalidateSchedulesOnlyOnce(t *testing.T) {
	// Repeated invalidations before expiry must not reset the timer; the
	// token expires once, roughly at the originally scheduled time.
	v := NewValidity(50 * time.Millisecond)
	start := time.Now()

	for i := 0; i < 10; i++ {
		v.Invalidate()
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return !v.IsValid() },
		time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestInvalidateConcurrent(t *testing.T) {
	v := NewValidity(0)

	var wg sync.WaitGroup
	tokens := make([]*Validity, 16)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = v.Invalidate()
		}(i)
	}
	wg.Wait()

	assert.False(t, v.IsValid())
	for _, tok := range tokens {
		require.NotNil(t, tok)
		if tok != v {
			assert.True(t, tok.IsValid())
		}
	}
}
