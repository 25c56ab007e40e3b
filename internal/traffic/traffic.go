// Package traffic keeps short sliding windows of widget fetch outcomes and
// rate-limit denials. The health check reads them to report degraded and
// overloaded states.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how far back any window may look.
const retention = 5 * time.Minute

var defaultTracker = NewTracker(time.Now)

// RecordSuccess records a fetch cycle that reached the weather API and succeeded.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a fetch cycle that failed for an upstream reason.
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RequestCount returns successes, errors and denials within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errorCount, totalCount) within the window. Denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

type kind int

const (
	success kind = iota
	failure
	denied
	numKinds
)

// Tracker maintains per-kind timestamp windows, oldest first.
type Tracker struct {
	now   func() time.Time
	mu    sync.Mutex
	times [numKinds][]time.Time
}

// NewTracker returns an empty tracker reading time from now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

func (t *Tracker) RecordSuccess() { t.record(success) }
func (t *Tracker) RecordError()   { t.record(failure) }
func (t *Tracker) RecordDenied()  { t.record(denied) }

func (t *Tracker) record(k kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[k] = append(t.times[k], now)
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes of every kind within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for k := range t.times {
		n += countSince(t.times[k], cutoff)
	}
	return n
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[denied], t.now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window, where totalCount
// counts successes and errors only.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.times[failure], cutoff)
	return errors, errors + countSince(t.times[success], cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = [numKinds][]time.Time{}
}

// countSince counts timestamps at or after cutoff. times is sorted ascending.
func countSince(times []time.Time, cutoff time.Time) int {
	for i, ts := range times {
		if !ts.Before(cutoff) {
			return len(times) - i
		}
	}
	return 0
}

// pruneLocked drops timestamps older than retention. Requires t.mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for k := range t.times {
		times := t.times[k]
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			t.times[k] = append(times[:0], times[i:]...)
		}
	}
}
