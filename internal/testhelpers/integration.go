//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weather-widget/internal/cache"
	"github.com/kjstillabower/weather-widget/internal/client"
	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/service"
	"github.com/kjstillabower/weather-widget/internal/storage"
	"github.com/kjstillabower/weather-widget/internal/view"
	"github.com/kjstillabower/weather-widget/internal/widget"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey         string
	APIURL         string
	CacheBackend   string // "in_memory" or "memcached"
	StorageBackend string // "in_memory", "memcached" or "sqlite"
	MemcachedAddr  string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:         apiKey,
		APIURL:         apiURL,
		CacheBackend:   os.Getenv("INTEGRATION_CACHE_BACKEND"),
		StorageBackend: os.Getenv("INTEGRATION_STORAGE_BACKEND"),
		MemcachedAddr:  memcachedAddr,
	}
}

// SetupIntegrationClient creates a weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService creates a forecast service against the real API. A memcached
// backend that cannot be reached falls back to the in-memory cache.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.Forecasts, cache.Cache) {
	t.Helper()
	weatherClient := SetupIntegrationClient(t, cfg)

	var cacheSvc cache.Cache
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			t.Cleanup(func() { _ = mc.Close() })
			cacheSvc = mc
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		}
	}
	if cacheSvc == nil {
		cacheSvc = cache.NewInMemoryCache(time.Minute)
	}
	return service.NewForecasts(weatherClient, cacheSvc, 5*time.Minute, 5*time.Second), cacheSvc
}

// SetupIntegrationRegistry wires a widget registry over the real forecast service and the
// configured storage backend. sqlite uses a database under t.TempDir().
func SetupIntegrationRegistry(t *testing.T, cfg IntegrationTestConfig) *widget.Registry {
	t.Helper()
	forecasts, _ := SetupIntegrationService(t, cfg)

	store, err := storage.Open(storage.Options{
		Backend:          cfg.StorageBackend,
		SQLitePath:       t.TempDir() + "/widget.db",
		MemcachedAddrs:   cfg.MemcachedAddr,
		MemcachedTimeout: 500 * time.Millisecond,
		MemcachedMaxIdle: 2,
		Retention:        time.Hour,
	})
	if err != nil {
		t.Fatalf("storage.Open(%q) error = %v", cfg.StorageBackend, err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return widget.NewRegistry(forecasts, store, widget.Options{
		DefaultQuery: location.PlaceName("San Francisco", "CA", "US"),
		DefaultState: view.State{Range: view.Today, Units: models.Imperial},
		Parser:       location.Parser{DefaultCountry: "US"},
		SearchMinLen: 1,
		SearchMaxLen: 100,
		NoticeTTL:    3 * time.Second,
	}, nil)
}
