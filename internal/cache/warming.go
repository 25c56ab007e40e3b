package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/observability"
)

// ReportFetcher is implemented by the service layer to fetch (and cache) a report.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type ReportFetcher interface {
	FetchAll(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error)
}

// CacheWarmer warms the cache by prefetching reports for a list of locations.
type CacheWarmer struct {
	fetcher ReportFetcher
	units   models.UnitSystem
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that fetches in units through fetcher.
func NewCacheWarmer(fetcher ReportFetcher, units models.UnitSystem, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, units: units, logger: logger}
}

// Warm fetches each location concurrently so the fetcher populates the cache.
// Returns the joined errors of every location that failed.
func (w *CacheWarmer) Warm(ctx context.Context, queries []location.Query) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("locations", len(queries)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(queries))
	for _, q := range queries {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.FetchAll(ctx, q, w.units); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", q, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("locations", len(queries)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}
