package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
)

// BenchmarkClient_FetchAll measures both stages against a local provider,
// which is the cost of every cache miss in the widget.
func BenchmarkClient_FetchAll(b *testing.B) {
	server := newProviderServer(b, nil, nil)
	c, err := NewOpenWeatherClient("test-api-key-12345", server.URL, 2*time.Second)
	if err != nil {
		b.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	ctx := context.Background()
	queries := []location.Query{
		location.ZipCode("94103", "US"),
		location.FromCoordinates(37.77, -122.42),
		location.PlaceName("San Francisco", "CA", "US"),
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.FetchAll(ctx, queries[i%len(queries)], models.Imperial); err != nil {
			b.Fatalf("FetchAll() error = %v", err)
		}
	}
}

// BenchmarkClient_MapForecast isolates decoding and mapping of the one-call body.
func BenchmarkClient_MapForecast(b *testing.B) {
	body, err := json.Marshal(forecastBody())
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var resp forecastResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			b.Fatal(err)
		}
		_ = mapForecast(resp, models.Imperial)
	}
}

func BenchmarkClient_Backoff(b *testing.B) {
	c, err := NewOpenWeatherClientWithRetry("test-api-key-12345", "https://api.openweathermap.org/data/2.5", time.Second, 3, 100*time.Millisecond, 2*time.Second)
	if err != nil {
		b.Fatalf("NewOpenWeatherClientWithRetry() error = %v", err)
	}
	for i := 0; i < b.N; i++ {
		_ = c.calculateBackoff(i%5 + 1)
	}
}
