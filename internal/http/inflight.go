package http

import (
	"context"
	"sync"
)

// requestTracker counts requests being served so shutdown can let them finish
// before widget sessions are closed and their locations persisted.
type requestTracker struct {
	mu     sync.Mutex
	active int64
	idle   chan struct{} // closed while active == 0
}

func newRequestTracker() *requestTracker {
	idle := make(chan struct{})
	close(idle)
	return &requestTracker{idle: idle}
}

func (t *requestTracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		t.idle = make(chan struct{})
	}
	t.active++
}

func (t *requestTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		return
	}
	t.active--
	if t.active == 0 {
		close(t.idle)
	}
}

func (t *requestTracker) count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// drain blocks until no request is active or ctx is done.
func (t *requestTracker) drain(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requests is maintained by MetricsMiddleware.
var requests = newRequestTracker()

// InFlightCount returns the number of requests currently being served.
func InFlightCount() int64 {
	return requests.count()
}

// DrainInFlight blocks until every in-flight request has completed or ctx is done.
func DrainInFlight(ctx context.Context) error {
	return requests.drain(ctx)
}
