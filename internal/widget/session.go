// Package widget holds the per-page widget state machine and the registry of live widgets.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget/internal/client"
	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/observability"
	"github.com/kjstillabower/weather-widget/internal/storage"
	"github.com/kjstillabower/weather-widget/internal/traffic"
	"github.com/kjstillabower/weather-widget/internal/validation"
	"github.com/kjstillabower/weather-widget/internal/view"
)

var (
	// ErrSuperseded is returned by a fetch cycle whose result was discarded because a
	// newer cycle started (or the session closed) before it finished.
	ErrSuperseded = errors.New("fetch superseded by a newer request")
	// ErrGeolocationDenied means the browser refused or could not provide a position.
	ErrGeolocationDenied = errors.New("geolocation denied")
	ErrClosed            = errors.New("widget session closed")
)

// Status is the session's position in the fetch state machine.
type Status int

const (
	Idle Status = iota
	Loading
	Ready
	SearchFailed
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case SearchFailed:
		return "search_failed"
	default:
		return "idle"
	}
}

// Trigger names what started a fetch cycle.
type Trigger string

const (
	TriggerInitial     Trigger = "initial"
	TriggerSearch      Trigger = "search"
	TriggerGeolocation Trigger = "geolocation"
	TriggerReload      Trigger = "reload"
)

// userSearch reports whether a failure should roll the query back.
func (t Trigger) userSearch() bool {
	return t == TriggerSearch || t == TriggerGeolocation
}

// Fetcher loads reports. Refresh must bypass any cache.
type Fetcher interface {
	FetchAll(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error)
	Refresh(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error)
}

// Locator supplies the browser's position. Errors should wrap ErrGeolocationDenied.
type Locator interface {
	Locate(ctx context.Context) (lat, lon float64, err error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (float64, float64, error)

func (f LocatorFunc) Locate(ctx context.Context) (float64, float64, error) { return f(ctx) }

// Options configure new sessions.
type Options struct {
	DefaultQuery location.Query
	DefaultState view.State
	Parser       location.Parser
	SearchMinLen int
	SearchMaxLen int
	NoticeTTL    time.Duration
	Now          func() time.Time // defaults to time.Now
}

// Notice is a transient message shown near the search field until ExpiresAt.
type Notice struct {
	Message   string
	ExpiresAt time.Time
}

// Snapshot is a point-in-time copy of a session for rendering.
type Snapshot struct {
	ID         string
	Status     Status
	Query      location.Query
	SearchText string
	State      view.State
	Report     *models.Report
	Notice     *Notice
	Failure    string
	Generation uint64
}

// Loading reports whether fetch-bound controls should be disabled.
func (s Snapshot) Loading() bool { return s.Status == Loading }

// Session is one widget instance. All methods are safe for concurrent use;
// network calls run without holding the lock.
type Session struct {
	id      string
	fetcher Fetcher
	store   storage.Storage
	opts    Options
	logger  *zap.Logger

	mu         sync.Mutex
	query      location.Query
	lastGood   location.Query
	hasGood    bool
	report     *models.Report
	state      view.State
	status     Status
	generation uint64
	notice     *Notice
	failure    string
	lastActive time.Time
	closed     bool
}

// NewSession creates an Idle session. store should already be scoped to the client.
func NewSession(id string, fetcher Fetcher, store storage.Storage, opts Options, logger *zap.Logger) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:         id,
		fetcher:    fetcher,
		store:      store,
		opts:       opts,
		logger:     logger.With(zap.String("session_id", id)),
		query:      opts.DefaultQuery,
		state:      opts.DefaultState,
		lastActive: opts.Now(),
	}
}

func (s *Session) ID() string { return s.id }

// Start performs the initial load from the persisted query, or the default
// location when nothing usable was stored.
func (s *Session) Start(ctx context.Context) error {
	q := s.opts.DefaultQuery
	if s.store != nil {
		raw, ok, err := s.store.Get(ctx, storage.StorageKey)
		switch {
		case err != nil:
			s.log(ctx).Warn("read persisted location failed", zap.Error(err))
		case ok:
			if stored, derr := location.Decode(raw); derr == nil {
				q = stored
			} else {
				s.log(ctx).Warn("discarding unreadable persisted location", zap.String("value", raw), zap.Error(derr))
			}
		}
	}
	return s.refresh(ctx, TriggerInitial, q)
}

// Search validates and parses text, then fetches it. Invalid input returns an
// error wrapping location.ErrInvalidQuery without touching the query, report
// or status, and without any network call.
func (s *Session) Search(ctx context.Context, text string) error {
	cleaned, err := validation.ValidateSearch(text, s.opts.SearchMinLen, s.opts.SearchMaxLen)
	if err == nil {
		var q location.Query
		if q, err = s.opts.Parser.Parse(cleaned); err == nil {
			return s.refresh(ctx, TriggerSearch, q)
		}
	}
	s.setNotice(invalidQueryMessage(err))
	return err
}

// UseLocation asks locator for a position and searches for it. A denied or
// failed lookup only raises a notice.
func (s *Session) UseLocation(ctx context.Context, locator Locator) error {
	lat, lon, err := locator.Locate(ctx)
	if err == nil {
		err = validation.ValidateCoordinates(validation.Coordinates{Lat: lat, Lon: lon})
	}
	if err != nil {
		if !errors.Is(err, ErrGeolocationDenied) {
			err = fmt.Errorf("%w: %w", ErrGeolocationDenied, err)
		}
		s.setNotice("Your location is unavailable. Search for a place instead.")
		s.log(ctx).Info("geolocation unavailable", zap.Error(err))
		return err
	}
	return s.refresh(ctx, TriggerGeolocation, location.FromCoordinates(lat, lon))
}

// Reload refetches the current query, bypassing the forecast cache.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	q := s.query
	s.mu.Unlock()
	return s.refresh(ctx, TriggerReload, q)
}

// SelectDayRange changes the horizon. Re-render only; never fetches.
func (s *Session) SelectDayRange(d view.DayRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SelectDayRange(d)
	s.touch()
}

// SetUnits selects the display unit system. Re-render only; never fetches.
func (s *Session) SetUnits(u models.UnitSystem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetUnits(u)
	s.touch()
}

// ToggleUnits flips between imperial and metric. Re-render only; never fetches.
func (s *Session) ToggleUnits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ToggleUnits()
	s.touch()
}

// refresh runs one fetch cycle for q. The cycle's generation is taken under the
// lock; a result arriving after a newer cycle started is dropped.
func (s *Session) refresh(ctx context.Context, trigger Trigger, q location.Query) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.generation++
	gen := s.generation
	before := s.query
	s.query = q
	s.status = Loading
	units := s.state.Units
	s.touch()
	s.mu.Unlock()

	logger := s.log(ctx).With(zap.String("trigger", string(trigger)), zap.Stringer("query", q), zap.Uint64("generation", gen))
	logger.Debug("fetch cycle started")

	var (
		report models.Report
		err    error
	)
	if trigger == TriggerReload {
		report, err = s.fetcher.Refresh(ctx, q, units)
	} else {
		report, err = s.fetcher.FetchAll(ctx, q, units)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.closed {
		observability.WidgetSupersededTotal.Inc()
		observability.RecordRefresh(string(trigger), "superseded")
		logger.Debug("discarding superseded fetch result")
		return ErrSuperseded
	}
	s.touch()

	if err == nil {
		s.report = &report
		s.query = q
		s.lastGood = q
		s.hasGood = true
		s.status = Ready
		s.failure = ""
		s.notice = nil
		observability.RecordRefresh(string(trigger), "success")
		traffic.RecordSuccess()
		return nil
	}

	category := client.CategorizeError(err)
	observability.RecordRefresh(string(trigger), string(category))
	if category != client.ErrorCategoryLocationNotFound && category != client.ErrorCategoryInvalidQuery {
		traffic.RecordError()
	}
	if trigger.userSearch() {
		if s.hasGood {
			s.query = s.lastGood
		} else {
			s.query = before
		}
		s.status = SearchFailed
		s.notice = &Notice{Message: searchFailureMessage(q, err), ExpiresAt: s.opts.Now().Add(s.opts.NoticeTTL)}
		logger.Info("search failed, query rolled back", zap.Stringer("restored", s.query), zap.Error(err))
		return err
	}

	if s.report != nil {
		s.status = Ready
	} else {
		s.status = Idle
	}
	s.failure = refreshFailureMessage(err)
	logger.Warn("refresh failed", zap.Error(err))
	return err
}

// Persist writes the last good query (or the current one if none succeeded) to
// storage. The session stays usable.
func (s *Session) Persist(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	q := s.persistable()
	s.mu.Unlock()
	return s.persist(ctx, q)
}

// Close persists like Persist and discards any in-flight result. Calling Close
// again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++
	q := s.persistable()
	s.mu.Unlock()
	return s.persist(ctx, q)
}

// persistable requires s.mu.
func (s *Session) persistable() location.Query {
	if s.hasGood {
		return s.lastGood
	}
	return s.query
}

func (s *Session) persist(ctx context.Context, q location.Query) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Set(ctx, storage.StorageKey, location.Encode(q)); err != nil {
		s.log(ctx).Warn("persist location failed", zap.Error(err))
		return fmt.Errorf("persist location: %w", err)
	}
	return nil
}

// Snapshot copies the current state. Expired notices are dropped.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notice != nil && !s.opts.Now().Before(s.notice.ExpiresAt) {
		s.notice = nil
	}
	snap := Snapshot{
		ID:         s.id,
		Status:     s.status,
		Query:      s.query,
		SearchText: s.query.Text(),
		State:      s.state,
		Failure:    s.failure,
		Generation: s.generation,
	}
	if s.report != nil {
		r := *s.report
		r.Snapshot.Daily = append([]models.Day(nil), s.report.Snapshot.Daily...)
		snap.Report = &r
	}
	if s.notice != nil {
		n := *s.notice
		snap.Notice = &n
	}
	return snap
}

// IdleSince returns how long the session has gone without activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

func (s *Session) setNotice(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notice = &Notice{Message: msg, ExpiresAt: s.opts.Now().Add(s.opts.NoticeTTL)}
	s.touch()
}

// touch requires s.mu.
func (s *Session) touch() {
	s.lastActive = s.opts.Now()
}

func (s *Session) log(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l.With(zap.String("session_id", s.id))
	}
	return s.logger
}
