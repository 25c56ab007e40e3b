package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/observability"
)

func resolveBody() map[string]interface{} {
	return map[string]interface{}{
		"coord": map[string]interface{}{"lat": 37.77, "lon": -122.42},
		"name":  "San Francisco",
		"sys":   map[string]interface{}{"country": "US"},
	}
}

func forecastBody() map[string]interface{} {
	day := func(d, min, max float64, desc, icon string) map[string]interface{} {
		return map[string]interface{}{
			"temp":    map[string]interface{}{"day": d, "min": min, "max": max},
			"weather": []map[string]interface{}{{"description": desc, "icon": icon}},
		}
	}
	return map[string]interface{}{
		"timezone_offset": -25200,
		"current": map[string]interface{}{
			"dt":         1714586400,
			"temp":       61.3,
			"wind_speed": 12.6,
			"wind_deg":   270,
			"weather":    []map[string]interface{}{{"description": "clear sky", "icon": "01d"}},
		},
		"daily": []map[string]interface{}{
			day(62, 51, 66, "clear sky", "01d"),
			day(60, 50, 64, "few clouds", "02d"),
			day(58, 49, 61, "light rain", "10d"),
		},
	}
}

// newProviderServer serves /weather and /onecall. Handlers may be nil for the default body.
func newProviderServer(t testing.TB, resolve, forecast http.HandlerFunc) *httptest.Server {
	t.Helper()
	if resolve == nil {
		resolve = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resolveBody())
		}
	}
	if forecast == nil {
		forecast = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(forecastBody())
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/weather", resolve)
	mux.HandleFunc("/onecall", forecast)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, url string, attempts int) *OpenWeatherClient {
	t.Helper()
	c, err := NewOpenWeatherClientWithRetry("test-api-key-12345", url, 2*time.Second, attempts, 5*time.Millisecond, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewOpenWeatherClientWithRetry() error = %v", err)
	}
	return c
}

func TestNewOpenWeatherClient_InvalidAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr error
	}{
		{"empty API key", "", ErrInvalidAPIKey},
		{"too short API key", "short", ErrInvalidAPIKey},
		{"valid API key", "valid-api-key-12345", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewOpenWeatherClient(tt.apiKey, "https://api.test.com", 2*time.Second)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewOpenWeatherClient() error = %v, want %v", err, tt.wantErr)
				}
				if client != nil {
					t.Errorf("NewOpenWeatherClient() expected nil client on error")
				}
				return
			}
			if err != nil || client == nil {
				t.Fatalf("NewOpenWeatherClient() = %v, %v", client, err)
			}
		})
	}
}

func TestResolve_EncodesQueryVariant(t *testing.T) {
	tests := []struct {
		name  string
		query location.Query
		want  []string
	}{
		{"zip", location.ZipCode("94103", "US"), []string{"zip=94103%2CUS"}},
		{"coordinates", location.FromCoordinates(37.77, -122.42), []string{"lat=37.77", "lon=-122.42"}},
		{"place", location.PlaceName("San Francisco", "CA", "US"), []string{"q=San+Francisco%2CCA%2CUS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw string
			server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
				raw = r.URL.RawQuery
				_ = json.NewEncoder(w).Encode(resolveBody())
			}, nil)
			c := newTestClient(t, server.URL, 1)

			got, err := c.Resolve(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(raw, w) {
					t.Errorf("query %q missing %q", raw, w)
				}
			}
			if !strings.Contains(raw, "appid=test-api-key-12345") {
				t.Errorf("query %q missing appid", raw)
			}
			want := models.ResolvedLocation{City: "San Francisco", CountryCode: "US", Lat: 37.77, Lon: -122.42}
			if got != want {
				t.Errorf("Resolve() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestResolve_MissingCoordinates(t *testing.T) {
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"name": "Nowhere"})
	}, nil)
	c := newTestClient(t, server.URL, 1)

	_, err := c.Resolve(context.Background(), location.PlaceName("Nowhere", "", ""))
	if !errors.Is(err, ErrLocationNotFound) {
		t.Errorf("Resolve() error = %v, want ErrLocationNotFound", err)
	}
}

func TestResolve_ErrorHandling(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCause error
		retryable bool
	}{
		{"401 unauthorized", http.StatusUnauthorized, ErrInvalidAPIKey, false},
		{"404 not found", http.StatusNotFound, nil, false},
		{"429 rate limited", http.StatusTooManyRequests, ErrRateLimited, true},
		{"500 server error", http.StatusInternalServerError, ErrUpstreamFailure, true},
		{"502 bad gateway", http.StatusBadGateway, ErrUpstreamFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}, nil)
			c := newTestClient(t, server.URL, 1)

			_, err := c.Resolve(context.Background(), location.PlaceName("test", "", ""))
			if !errors.Is(err, ErrLocationNotFound) {
				t.Fatalf("Resolve() error = %v, want ErrLocationNotFound", err)
			}
			if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
				t.Errorf("Resolve() error = %v, want cause %v", err, tt.wantCause)
			}
			if c.isRetryable(err) != tt.retryable {
				t.Errorf("isRetryable(%v) = %v, want %v", err, !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestFetchForecast_Success(t *testing.T) {
	var raw string
	server := newProviderServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(forecastBody())
	})
	c := newTestClient(t, server.URL, 1)

	got, err := c.FetchForecast(context.Background(), 37.77, -122.42, models.Imperial)
	if err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	for _, w := range []string{"lat=37.7700", "lon=-122.4200", "units=imperial", "exclude=minutely%2Chourly%2Calerts"} {
		if !strings.Contains(raw, w) {
			t.Errorf("query %q missing %q", raw, w)
		}
	}
	if got.Units != models.Imperial {
		t.Errorf("Units = %v, want imperial", got.Units)
	}
	if got.Current.Temperature != 61.3 || got.Current.WindDirectionDegrees != 270 || got.Current.IconID != "01d" {
		t.Errorf("Current = %+v", got.Current)
	}
	if len(got.Daily) != 3 || got.Daily[2].ConditionText != "light rain" || got.Daily[0].Max != 66 {
		t.Errorf("Daily = %+v", got.Daily)
	}
	if got.TimezoneOffsetSeconds != -25200 {
		t.Errorf("TimezoneOffsetSeconds = %d", got.TimezoneOffsetSeconds)
	}
	if !got.ObservedAt.Equal(time.Unix(1714586400, 0)) {
		t.Errorf("ObservedAt = %v", got.ObservedAt)
	}
}

func TestFetchForecast_NonSuccess(t *testing.T) {
	server := newProviderServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	c := newTestClient(t, server.URL, 1)

	_, err := c.FetchForecast(context.Background(), 1, 2, models.Metric)
	if !errors.Is(err, ErrForecastUnavailable) {
		t.Errorf("FetchForecast() error = %v, want ErrForecastUnavailable", err)
	}
}

func TestFetchAll_Success(t *testing.T) {
	var forecastQuery string
	server := newProviderServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		forecastQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(forecastBody())
	})
	c := newTestClient(t, server.URL, 1)

	got, err := c.FetchAll(context.Background(), location.ZipCode("94103", "US"), models.Metric)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if got.Location.City != "San Francisco" || got.Snapshot.Units != models.Metric {
		t.Errorf("FetchAll() = %+v", got)
	}
	if !strings.Contains(forecastQuery, "lat=37.7700") || !strings.Contains(forecastQuery, "units=metric") {
		t.Errorf("forecast stage did not use resolved coordinates: %q", forecastQuery)
	}
}

func TestFetchAll_ResolveFailureSkipsForecast(t *testing.T) {
	var forecastCalls int32
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&forecastCalls, 1)
	})
	c := newTestClient(t, server.URL, 1)

	got, err := c.FetchAll(context.Background(), location.PlaceName("Atlantis", "", ""), models.Imperial)
	if !errors.Is(err, ErrLocationNotFound) {
		t.Fatalf("FetchAll() error = %v, want ErrLocationNotFound", err)
	}
	if got.Location.City != "" || got.Snapshot.Daily != nil {
		t.Errorf("FetchAll() returned partial report %+v", got)
	}
	if n := atomic.LoadInt32(&forecastCalls); n != 0 {
		t.Errorf("forecast stage called %d times after resolve failure", n)
	}
}

func TestFetchAll_ForecastFailure(t *testing.T) {
	server := newProviderServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, server.URL, 2)

	got, err := c.FetchAll(context.Background(), location.ZipCode("94103", "US"), models.Imperial)
	if !errors.Is(err, ErrForecastUnavailable) {
		t.Fatalf("FetchAll() error = %v, want ErrForecastUnavailable", err)
	}
	if errors.Is(err, ErrLocationNotFound) {
		t.Errorf("forecast failure should not report ErrLocationNotFound: %v", err)
	}
	if got.Location.City != "" {
		t.Errorf("FetchAll() returned partial report %+v", got)
	}
}

func TestGet_RetryLogic(t *testing.T) {
	var attempts int32
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(resolveBody())
	}, nil)
	c := newTestClient(t, server.URL, 3)

	if _, err := c.Resolve(context.Background(), location.ZipCode("94103", "US")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestGet_NoRetryOnNonRetryableError(t *testing.T) {
	var attempts int32
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)
	c := newTestClient(t, server.URL, 3)

	_, err := c.Resolve(context.Background(), location.ZipCode("94103", "US"))
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Resolve() error = %v, want ErrInvalidAPIKey", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected 1 attempt (no retry), got %d", n)
	}
}

func TestGet_ContextCancellation(t *testing.T) {
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}, nil)
	c := newTestClient(t, server.URL, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Resolve(ctx, location.ZipCode("94103", "US"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", err)
	}
}

func TestGet_CorrelationID(t *testing.T) {
	var captured string
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Get("X-Correlation-ID")
		_ = json.NewEncoder(w).Encode(resolveBody())
	}, nil)
	c := newTestClient(t, server.URL, 1)

	ctx := observability.ContextWithCorrelationID(context.Background(), "corr-42")
	if _, err := c.Resolve(ctx, location.ZipCode("94103", "US")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if captured != "corr-42" {
		t.Errorf("X-Correlation-ID = %q, want corr-42", captured)
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	var attempts int32
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)
	c := newTestClient(t, server.URL, 1)
	cb := NewCircuitBreaker(BreakerConfig{Name: "test_breaker", FailureThreshold: 2, Timeout: time.Minute})
	c.SetCircuitBreaker(cb)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = c.Resolve(ctx, location.ZipCode("94103", "US"))
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}

	_, err := c.Resolve(ctx, location.ZipCode("94103", "US"))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Resolve() error = %v, want ErrCircuitOpen", err)
	}
	if c.isRetryable(err) {
		t.Error("open circuit should not be retried")
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("upstream attempts = %d, want 2 (third call short-circuited)", n)
	}
}

func TestCircuitBreaker_NotFoundDoesNotTrip(t *testing.T) {
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)
	c := newTestClient(t, server.URL, 1)
	cb := NewCircuitBreaker(BreakerConfig{Name: "test_breaker_404", FailureThreshold: 1, Timeout: time.Minute})
	c.SetCircuitBreaker(cb)

	for i := 0; i < 3; i++ {
		_, _ = c.Resolve(context.Background(), location.PlaceName("Atlantis", "", ""))
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
}

func TestValidateAPIKey(t *testing.T) {
	server := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)
	c := newTestClient(t, server.URL, 1)

	if err := c.ValidateAPIKey(context.Background()); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("ValidateAPIKey() error = %v, want ErrInvalidAPIKey", err)
	}

	ok := newProviderServer(t, nil, nil)
	c = newTestClient(t, ok.URL, 1)
	if err := c.ValidateAPIKey(context.Background()); err != nil {
		t.Errorf("ValidateAPIKey() error = %v, want nil", err)
	}
}
