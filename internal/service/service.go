package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget/internal/cache"
	"github.com/kjstillabower/weather-widget/internal/client"
	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/observability"
)

// Forecasts fronts the weather client with a cache-aside layer. Identical
// concurrent fetches are coalesced when a coalescer is configured.
type Forecasts struct {
	client    client.WeatherClient
	cache     cache.Cache
	ttl       time.Duration
	coalescer *requestCoalescer // nil if disabled
}

// NewForecasts creates a Forecasts. ttl is the cache lifetime of a report;
// coalesceTimeout bounds how long a caller waits on a shared fetch (0 disables coalescing).
func NewForecasts(wc client.WeatherClient, c cache.Cache, ttl, coalesceTimeout time.Duration) *Forecasts {
	var coalescer *requestCoalescer
	if coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &Forecasts{
		client:    wc,
		cache:     c,
		ttl:       ttl,
		coalescer: coalescer,
	}
}

// CacheKey identifies a report by its provider query and unit system,
// so "94103" and "zip=94103,US" share an entry but imperial and metric do not.
func CacheKey(q location.Query, units models.UnitSystem) string {
	return q.Params().Encode() + "|" + units.String()
}

// FetchAll returns the report for q in units, from cache when fresh.
// Upstream errors are returned unchanged so callers can test their kind with errors.Is.
func (s *Forecasts) FetchAll(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error) {
	key := CacheKey(q, units)
	logger := observability.LoggerFromContext(ctx)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		if logger != nil {
			logger.Warn("cache get failed", zap.String("key", key), zap.String("category", categorizeCacheError(err)), zap.Error(err))
		}
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("forecast").Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("key", key))
		}
		return cached, nil
	}

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("key", key))
	}
	return s.fetch(ctx, key, q, units)
}

// Refresh skips the cache read and always goes upstream; the result still
// replaces the cached entry. Used for explicit reloads.
func (s *Forecasts) Refresh(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error) {
	return s.fetch(ctx, CacheKey(q, units), q, units)
}

func (s *Forecasts) fetch(ctx context.Context, key string, q location.Query, units models.UnitSystem) (models.Report, error) {
	logger := observability.LoggerFromContext(ctx)
	start := time.Now()

	var (
		report models.Report
		err    error
	)
	if s.coalescer != nil {
		var shared bool
		report, shared, err = s.coalescer.GetOrDo(ctx, key, func() (models.Report, error) {
			return s.client.FetchAll(ctx, q, units)
		})
		if shared && err == nil {
			observability.CacheHitsTotal.WithLabelValues("coalesced").Inc()
		}
	} else {
		report, err = s.client.FetchAll(ctx, q, units)
	}
	if err != nil {
		if logger != nil {
			logger.Info("forecast fetch failed",
				zap.String("key", key),
				zap.String("category", string(client.CategorizeError(err))),
				zap.Error(err),
			)
		}
		return models.Report{}, err
	}

	if setErr := s.cache.Set(ctx, key, report, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		if logger != nil {
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	}
	if logger != nil {
		logger.Debug("forecast fetched", zap.String("key", key), zap.Duration("duration", time.Since(start)))
	}
	return report, nil
}

// categorizeCacheError returns a stable label for cache error logging (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
