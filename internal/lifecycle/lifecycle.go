package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Hook is one named shutdown step.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Sequence runs shutdown hooks in registration order. Widget sessions must be
// persisted before storage closes, so order matters.
type Sequence struct {
	mu    sync.Mutex
	hooks []Hook
	done  bool
}

// OnShutdown appends a hook. Hooks added after Run are ignored.
func (s *Sequence) OnShutdown(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.hooks = append(s.hooks, Hook{Name: name, Fn: fn})
}

// Run sets the shutdown flag and runs every hook once, even if earlier hooks fail.
// The returned error joins all hook failures.
func (s *Sequence) Run(ctx context.Context) error {
	SetShuttingDown(true)

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	hooks := s.hooks
	s.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.Fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}
