// Package traffic keeps sliding windows of request outcomes for the health endpoint.
package traffic

import (
	"sync"
	"time"
)

// DefaultRetention bounds how long outcomes are kept.
const DefaultRetention = 5 * time.Minute

// Tracker records successful and failed city lookups plus rate-limit denials.
// Windows passed to the query methods should not exceed the retention.
type Tracker struct {
	mu           sync.Mutex
	retention    time.Duration
	now          func() time.Time
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// NewTracker creates a Tracker. retention <= 0 uses DefaultRetention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// RecordSuccess records a request the provider answered (including not-found).
func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

// RecordError records a request that failed upstream (unavailable, timeout).
func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.record(&t.deniedTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.deniedTimes, t.now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window.
// Denials are excluded from both counts.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errCount := countSince(t.errorTimes, cutoff)
	return errCount, errCount + countSince(t.successTimes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the retention. Slices are in append
// order, so old entries form a prefix.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
