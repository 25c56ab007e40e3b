package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget/internal/location"
)

// Sweeper closes sessions idle for at least maxIdle.
type Sweeper interface {
	SweepIdle(ctx context.Context, maxIdle time.Duration) int
}

// Warmer prefetches reports for the given locations.
type Warmer interface {
	Warm(ctx context.Context, queries []location.Query) error
}

// Config controls the background jobs. A zero interval disables that job.
type Config struct {
	SweepInterval  time.Duration
	SessionIdleTTL time.Duration
	WarmInterval   time.Duration
	WarmLocations  []location.Query
	JobTimeout     time.Duration
}

// Scheduler runs the idle-session sweep and periodic cache warming.
type Scheduler struct {
	scheduler *gocron.Scheduler
	sweeper   Sweeper
	warmer    Warmer
	cfg       Config
	logger    *zap.Logger
}

// New creates a Scheduler. warmer may be nil.
func New(cfg Config, sweeper Sweeper, warmer Warmer, logger *zap.Logger) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		sweeper:   sweeper,
		warmer:    warmer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start schedules the jobs and starts the underlying scheduler. Both jobs also run once immediately.
func (s *Scheduler) Start() error {
	if s.sweeper != nil && s.cfg.SweepInterval > 0 && s.cfg.SessionIdleTTL > 0 {
		if _, err := s.scheduler.Every(s.cfg.SweepInterval).SingletonMode().Do(s.sweep); err != nil {
			return err
		}
	}
	if s.warmer != nil && s.cfg.WarmInterval > 0 && len(s.cfg.WarmLocations) > 0 {
		if _, err := s.scheduler.Every(s.cfg.WarmInterval).SingletonMode().Do(s.warm); err != nil {
			return err
		}
	}
	if len(s.scheduler.Jobs()) == 0 {
		s.logger.Info("scheduler: no jobs configured")
		return nil
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.scheduler.Jobs())))
	return nil
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if n := s.sweeper.SweepIdle(ctx, s.cfg.SessionIdleTTL); n > 0 {
		s.logger.Debug("scheduler: idle sweep", zap.Int("closed", n))
	}
}

func (s *Scheduler) warm() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if err := s.warmer.Warm(ctx, s.cfg.WarmLocations); err != nil {
		s.logger.Warn("scheduler: cache warm failed", zap.Error(err))
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
