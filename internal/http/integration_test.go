//go:build integration
// +build integration

package http

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	testhelpers "github.com/kjstillabower/weather-widget/internal/testhelpers"
)

func newIntegrationRouter(t *testing.T) (*testServer, *Handler) {
	t.Helper()
	cfg := testhelpers.GetIntegrationConfig(t)
	registry := testhelpers.SetupIntegrationRegistry(t, cfg)
	weatherClient := testhelpers.SetupIntegrationClient(t, cfg)

	h := NewHandler(registry, weatherClient, &HealthConfig{StartTime: time.Now()}, zap.NewNop())
	return &testServer{
		router:   NewRouter(h, RouterConfig{RequestTimeout: 15 * time.Second}),
		handler:  h,
		registry: registry,
	}, h
}

// TestIntegration_WidgetFlow opens a widget against the real API, searches a zip code
// and switches to the weekly view.
func TestIntegration_WidgetFlow(t *testing.T) {
	ts, _ := newIntegrationRouter(t)

	path, _ := ts.open(t, nil)
	doc := ts.page(t, path)
	if city := textOf(findFirst(doc, "p", "display-city")); city == "" {
		t.Fatal("default location rendered no city")
	}

	ts.post(path+"/search", url.Values{"q": {"10001"}})
	doc = ts.page(t, path)
	if city := textOf(findFirst(doc, "p", "display-city")); !strings.Contains(city, "New York") {
		t.Logf("zip 10001 resolved to %q", city)
	}
	if n := findFirst(doc, "p", "refresh-failure"); n != nil {
		t.Errorf("unexpected refresh failure: %s", textOf(n))
	}

	ts.post(path+"/range/weekly", nil)
	doc = ts.page(t, path)
	if days := findAllTag(doc, "li", "day"); len(days) == 0 {
		t.Error("weekly view rendered no days")
	}
}

func TestIntegration_Health(t *testing.T) {
	ts, _ := newIntegrationRouter(t)
	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
}
