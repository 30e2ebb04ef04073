// Package cache provides the timed validity token used to signal that derived
// statistics must be refetched after an ingest.
package cache

import (
	"sync/atomic"
	"time"
)

// Validity is a cheap handle readers re-check before trusting cached derived
// data. A freshly constructed token is valid; once invalidated it stays
// invalid forever and readers obtain a replacement via Invalidate.
type Validity struct {
	delay     time.Duration
	invalid   atomic.Bool
	scheduled atomic.Bool
}

// NewValidity returns a valid token. delay postpones the effect of the first
// Invalidate call, letting concurrent readers briefly observe stale data so a
// burst of ingests triggers one recomputation instead of many.
func NewValidity(delay time.Duration) *Validity {
	return &Validity{delay: delay}
}

// IsValid reports whether cached data guarded by this token may still be used.
func (v *Validity) IsValid() bool {
	return !v.invalid.Load()
}

// Invalidate schedules the token's expiry if it has not been scheduled yet
// (immediately for a zero delay, otherwise via a single one-shot timer) and
// returns the token to hold from now on: the receiver while it is still
// valid, or a fresh valid token once it has expired.
func (v *Validity) Invalidate() *Validity {
	if !v.scheduled.Swap(true) {
		if v.delay <= 0 {
			v.invalid.Store(true)
		} else {
			time.AfterFunc(v.delay, func() {
				v.invalid.Store(true)
			})
		}
	}

	if v.IsValid() {
		return v
	}
	return NewValidity(v.delay)
}
