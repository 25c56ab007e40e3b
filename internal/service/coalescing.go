package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kjstillabower/weather-widget/internal/client"
	"github.com/kjstillabower/weather-widget/internal/models"
)

// inFlightFetch is one upstream fetch that several callers may wait on.
// done is closed after report and err are set.
type inFlightFetch struct {
	done   chan struct{}
	report models.Report
	err    error
}

// requestCoalescer collapses concurrent fetches for the same cache key into a
// single upstream call. Two widget sessions searching the same city at once
// share one resolve+forecast round trip.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight fetch for key, or starts fn when there is none.
// shared reports whether the result came from another caller's fetch.
// Waiting is bounded by ctx and the coalescer timeout; fn keeps running for
// the remaining waiters when one of them gives up. A waiter that gives up gets
// client.ErrForecastUnavailable wrapping the context error.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.Report, error)) (report models.Report, shared bool, err error) {
	rc.mu.Lock()
	f, exists := rc.inFlight[key]
	if !exists {
		f = &inFlightFetch{done: make(chan struct{})}
		rc.inFlight[key] = f
		go rc.run(key, f, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	select {
	case <-f.done:
		return f.report, exists, f.err
	case <-waitCtx.Done():
		return models.Report{}, exists, fmt.Errorf("%w: waiting for shared fetch: %w", client.ErrForecastUnavailable, waitCtx.Err())
	}
}

func (rc *requestCoalescer) run(key string, f *inFlightFetch, fn func() (models.Report, error)) {
	report, err := fn()

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()

	f.report = report
	f.err = err
	close(f.done)
}

// pending returns the number of keys with a fetch in flight.
func (rc *requestCoalescer) pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
