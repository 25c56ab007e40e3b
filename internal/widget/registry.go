package widget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget/internal/observability"
	"github.com/kjstillabower/weather-widget/internal/storage"
)

// Reasons a session leaves the registry, used as a metric label.
const (
	CloseReasonIdle     = "idle"
	CloseReasonShutdown = "shutdown"
)

// Registry owns the live sessions of the process.
type Registry struct {
	fetcher Fetcher
	store   storage.Storage
	opts    Options
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. Each session's storage is store scoped
// to the client that opened it.
func NewRegistry(fetcher Fetcher, store storage.Storage, opts Options, logger *zap.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		fetcher:  fetcher,
		store:    store,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new Idle session for clientID. The caller runs Start.
func (r *Registry) Create(clientID string) *Session {
	var store storage.Storage
	if r.store != nil {
		store = storage.Namespace(r.store, clientID)
	}
	s := NewSession(uuid.NewString(), r.fetcher, store, r.opts, r.logger.With(zap.String("client_id", clientID)))

	r.mu.Lock()
	r.sessions[s.ID()] = s
	n := len(r.sessions)
	r.mu.Unlock()

	observability.WidgetSessionsActive.Set(float64(n))
	return s
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Persist saves the location of the session with id without closing it. The page
// calls this when it is hidden; a hidden page may come back (form navigation,
// back button), so the session is left for the idle sweep. Unknown ids are ignored.
func (r *Registry) Persist(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return nil
	}
	observability.WidgetSessionsPersistedTotal.Inc()
	return s.Persist(ctx)
}

// SweepIdle closes every session idle for at least maxIdle and returns how many it closed.
func (r *Registry) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	now := r.opts.Now()

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.IdleSince(now) >= maxIdle {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	observability.WidgetSessionsActive.Set(float64(n))

	for _, s := range idle {
		_ = r.closeSession(ctx, s, CloseReasonIdle)
	}
	if len(idle) > 0 {
		r.logger.Info("closed idle widget sessions", zap.Int("closed", len(idle)), zap.Int("remaining", n))
	}
	return len(idle)
}

// CloseAll closes every session, persisting each one's location. Used at shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	observability.WidgetSessionsActive.Set(0)

	var errs []error
	for _, s := range all {
		if err := r.closeSession(ctx, s, CloseReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) closeSession(ctx context.Context, s *Session, reason string) error {
	observability.WidgetSessionsClosedTotal.WithLabelValues(reason).Inc()
	if err := s.Close(ctx); err != nil {
		r.logger.Warn("close widget session", zap.String("session_id", s.ID()), zap.String("reason", reason), zap.Error(err))
		return err
	}
	return nil
}
