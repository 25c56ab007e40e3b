package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-widget/internal/cache"
	"github.com/kjstillabower/weather-widget/internal/client"
	"github.com/kjstillabower/weather-widget/internal/config"
	httphandler "github.com/kjstillabower/weather-widget/internal/http"
	"github.com/kjstillabower/weather-widget/internal/lifecycle"
	"github.com/kjstillabower/weather-widget/internal/observability"
	"github.com/kjstillabower/weather-widget/internal/scheduler"
	"github.com/kjstillabower/weather-widget/internal/service"
	"github.com/kjstillabower/weather-widget/internal/storage"
	"github.com/kjstillabower/weather-widget/internal/widget"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	weatherClient.SetCircuitBreaker(client.NewCircuitBreaker(client.BreakerConfig{
		Name:             "weather_api",
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	}))
	logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.BreakerFailureThreshold), zap.Duration("timeout", cfg.BreakerTimeout))

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache(time.Minute)
		logger.Info("cache backend: in_memory")
	}
	forecasts := service.NewForecasts(weatherClient, cacheSvc, cfg.CacheTTL, cfg.CoalesceTimeout)

	store, err := storage.Open(storage.Options{
		Backend:          cfg.StorageBackend,
		SQLitePath:       cfg.SQLitePath,
		MemcachedAddrs:   cfg.MemcachedAddrs,
		MemcachedTimeout: cfg.MemcachedTimeout,
		MemcachedMaxIdle: cfg.MemcachedMaxIdleConns,
		Retention:        cfg.StorageRetention,
	})
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	logger.Info("storage backend: "+store.Name(), zap.String("sqlite_path", cfg.SQLitePath))

	defaultQuery, err := cfg.DefaultQuery()
	if err != nil {
		logger.Fatal("default location", zap.Error(err))
	}
	defaultState := cfg.DefaultState()
	registry := widget.NewRegistry(forecasts, store, widget.Options{
		DefaultQuery: defaultQuery,
		DefaultState: defaultState,
		Parser:       cfg.Parser(),
		SearchMinLen: cfg.SearchMinLength,
		SearchMaxLen: cfg.SearchMaxLength,
		NoticeTTL:    cfg.NoticeTTL,
	}, logger)

	warmQueries, err := cfg.WarmQueries()
	if err != nil {
		logger.Warn("skipping unparseable warm locations", zap.Error(err))
	}
	warmer := cache.NewCacheWarmer(forecasts, defaultState.Units, logger)
	if cfg.WarmInterval <= 0 && len(warmQueries) > 0 {
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, warmQueries); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
	}

	sched := scheduler.New(scheduler.Config{
		SweepInterval:  cfg.SweepInterval,
		SessionIdleTTL: cfg.SessionIdleTTL,
		WarmInterval:   cfg.WarmInterval,
		WarmLocations:  warmQueries,
	}, registry, warmer, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	var cachePing func() error
	if memcacheCloser != nil {
		cachePing = memcacheCloser.Ping
	}
	healthConfig := newHealthConfig(cfg, cachePing, store, time.Now())

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(registry, weatherClient, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		RateLimiter:    limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	var shutdown lifecycle.Sequence
	shutdown.OnShutdown("http server", srv.Shutdown)
	shutdown.OnShutdown("in-flight requests", func(ctx context.Context) error {
		logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
		return httphandler.DrainInFlight(ctx)
	})
	shutdown.OnShutdown("scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	})
	shutdown.OnShutdown("widget sessions", func(ctx context.Context) error {
		logger.Info("closing widget sessions", zap.Int("count", registry.Len()))
		return registry.CloseAll(ctx)
	})
	shutdown.OnShutdown("storage", func(context.Context) error { return store.Close() })
	if memcacheCloser != nil {
		shutdown.OnShutdown("memcached", func(context.Context) error { return memcacheCloser.Close() })
	}
	shutdown.OnShutdown("telemetry", func(ctx context.Context) error {
		return observability.FlushTelemetry(ctx, logger)
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := shutdown.Run(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newHealthConfig maps config thresholds onto the /health checks. Backends that can
// be pinged (memcached, sqlite) get a storage check; in-memory storage cannot fail.
func newHealthConfig(cfg *config.Config, cachePing func() error, store storage.Backend, start time.Time) *httphandler.HealthConfig {
	hc := &httphandler.HealthConfig{
		CachePing:            cachePing,
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		StartTime:            start,
	}
	if p, ok := store.(interface{ Ping() error }); ok {
		hc.StoragePing = p.Ping
	}
	return hc
}
