package widget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-widget/internal/cache"
	"github.com/kjstillabower/weather-widget/internal/client"
	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/service"
	"github.com/kjstillabower/weather-widget/internal/storage"
	"github.com/kjstillabower/weather-widget/internal/traffic"
	"github.com/kjstillabower/weather-widget/internal/view"
)

// fakeFetcher returns reports named after the query text and fails queries listed in fail.
type fakeFetcher struct {
	mu      sync.Mutex
	fetches []location.Query
	refresh int
	fail    map[string]error
	blockOn string
	blocked chan struct{}
	release chan struct{}
}

func (f *fakeFetcher) FetchAll(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, q)
	err := f.fail[q.Text()]
	block := f.blockOn != "" && f.blockOn == q.Text()
	f.mu.Unlock()

	if block {
		close(f.blocked)
		<-f.release
	}
	if err != nil {
		return models.Report{}, err
	}
	return models.Report{
		Location: models.ResolvedLocation{City: q.Text()},
		Snapshot: models.Snapshot{Units: units, Daily: []models.Day{{Max: 70}}},
	}, nil
}

func (f *fakeFetcher) Refresh(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error) {
	f.mu.Lock()
	f.refresh++
	f.mu.Unlock()
	return f.FetchAll(ctx, q, units)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOptions(clock *fakeClock) Options {
	return Options{
		DefaultQuery: location.PlaceName("San Francisco", "CA", "US"),
		DefaultState: view.State{Range: view.Today, Units: models.Imperial},
		Parser:       location.Parser{DefaultCountry: "US"},
		SearchMinLen: 1,
		SearchMaxLen: 100,
		NoticeTTL:    5 * time.Second,
		Now:          clock.Now,
	}
}

func newTestSession(f Fetcher, store storage.Storage) (*Session, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewSession("s1", f, store, testOptions(clock), nil), clock
}

func TestSession_StartUsesDefaultLocation(t *testing.T) {
	f := &fakeFetcher{}
	s, _ := newTestSession(f, storage.NewMemoryStore())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	snap := s.Snapshot()
	if snap.Status != Ready || snap.Report == nil {
		t.Fatalf("after Start status = %v, report = %v", snap.Status, snap.Report)
	}
	if snap.SearchText != "San Francisco, CA" {
		t.Errorf("SearchText = %q", snap.SearchText)
	}
}

func TestSession_StartUsesPersistedLocation(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, storage.StorageKey, location.Encode(location.ZipCode("10001", "US"))); err != nil {
		t.Fatal(err)
	}
	f := &fakeFetcher{}
	s, _ := newTestSession(f, store)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.Snapshot().Query; got.Kind != location.KindZip || got.Zip != "10001" {
		t.Errorf("Query = %+v, want persisted zip", got)
	}
}

func TestSession_StartIgnoresUnreadablePersistedValue(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, storage.StorageKey, "garbage")
	s, _ := newTestSession(&fakeFetcher{}, store)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.Snapshot().Query.City; got != "San Francisco" {
		t.Errorf("City = %q, want default", got)
	}
}

func TestSession_InvalidSearchMakesNoCall(t *testing.T) {
	f := &fakeFetcher{}
	s, _ := newTestSession(f, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()

	for _, input := range []string{"", "   ", "<script>"} {
		err := s.Search(ctx, input)
		if !errors.Is(err, location.ErrInvalidQuery) {
			t.Errorf("Search(%q) error = %v, want ErrInvalidQuery", input, err)
		}
	}
	after := s.Snapshot()
	if f.count() != 1 {
		t.Errorf("fetches = %d, want only the initial load", f.count())
	}
	if after.Status != before.Status || after.Query != before.Query || after.Generation != before.Generation {
		t.Errorf("state changed: before %+v after %+v", before, after)
	}
	if after.Notice == nil {
		t.Error("expected an inline notice for the rejected search")
	}
}

func TestSession_FailedSearchRollsBack(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"Atlantis": client.ErrLocationNotFound}}
	s, clock := newTestSession(f, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot()

	err := s.Search(ctx, "Atlantis")
	if !errors.Is(err, client.ErrLocationNotFound) {
		t.Fatalf("Search() error = %v, want ErrLocationNotFound", err)
	}
	after := s.Snapshot()
	if after.Status != SearchFailed {
		t.Errorf("Status = %v, want search_failed", after.Status)
	}
	if after.SearchText != before.SearchText || after.Query != before.Query {
		t.Errorf("query not rolled back: %q, want %q", after.SearchText, before.SearchText)
	}
	if after.Report == nil || after.Report.Location != before.Report.Location {
		t.Errorf("report changed: %+v", after.Report)
	}
	if after.Notice == nil || after.Notice.Message != `No results for "Atlantis".` {
		t.Errorf("Notice = %+v", after.Notice)
	}
	if after.Failure != "" {
		t.Errorf("search failure should not raise the persistent indicator: %q", after.Failure)
	}

	clock.Advance(6 * time.Second)
	if n := s.Snapshot().Notice; n != nil {
		t.Errorf("notice should auto-dismiss, got %+v", n)
	}
}

func TestSession_InitialFailureShowsPersistentIndicator(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"San Francisco, CA": client.ErrForecastUnavailable}}
	s, clock := newTestSession(f, nil)
	ctx := context.Background()

	if err := s.Start(ctx); !errors.Is(err, client.ErrForecastUnavailable) {
		t.Fatalf("Start() error = %v", err)
	}
	snap := s.Snapshot()
	if snap.Status != Idle || snap.Report != nil {
		t.Errorf("after failed initial load status = %v report = %v, want idle with no data", snap.Status, snap.Report)
	}
	if snap.Failure == "" || snap.Notice != nil {
		t.Errorf("Failure = %q Notice = %+v, want persistent failure only", snap.Failure, snap.Notice)
	}

	clock.Advance(time.Hour)
	if s.Snapshot().Failure == "" {
		t.Error("persistent failure indicator dismissed itself")
	}

	// The next success clears it.
	if err := s.Search(ctx, "Oakland"); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got := s.Snapshot().Failure; got != "" {
		t.Errorf("Failure = %q after success", got)
	}
}

func TestSession_ReloadFailureKeepsReport(t *testing.T) {
	f := &fakeFetcher{}
	s, _ := newTestSession(f, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.fail = map[string]error{"San Francisco, CA": client.ErrForecastUnavailable}
	f.mu.Unlock()

	if err := s.Reload(ctx); !errors.Is(err, client.ErrForecastUnavailable) {
		t.Fatalf("Reload() error = %v", err)
	}
	snap := s.Snapshot()
	if snap.Status != Ready || snap.Report == nil {
		t.Errorf("status = %v report = %v, want ready with stale data", snap.Status, snap.Report)
	}
	if snap.Failure == "" {
		t.Error("expected a persistent failure indicator")
	}
	if f.refresh != 1 {
		t.Errorf("Refresh calls = %d, want 1", f.refresh)
	}
}

func TestSession_RecordsTrafficOutcomes(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	f := &fakeFetcher{fail: map[string]error{
		"Atlantis": client.ErrLocationNotFound,
		"Oakland":  client.ErrForecastUnavailable,
	}}
	s, _ := newTestSession(f, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	_ = s.Search(ctx, "Atlantis")
	_ = s.Search(ctx, "Oakland")

	// A place that does not exist is the caller's mistake, not an upstream failure.
	errs, total := traffic.ErrorRate(time.Minute)
	if errs != 1 || total != 2 {
		t.Errorf("ErrorRate = %d/%d, want 1/2", errs, total)
	}
}

func TestSession_ViewChangesMakeNoCall(t *testing.T) {
	f := &fakeFetcher{}
	s, _ := newTestSession(f, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	gen := s.Snapshot().Generation

	s.SelectDayRange(view.ThreeDay)
	s.SelectDayRange(view.Weekly)
	s.SetUnits(models.Metric)
	s.ToggleUnits()

	snap := s.Snapshot()
	if f.count() != 1 {
		t.Errorf("fetches = %d, want 1", f.count())
	}
	if snap.Generation != gen || snap.Status != Ready {
		t.Errorf("view change started a fetch cycle: generation %d→%d status %v", gen, snap.Generation, snap.Status)
	}
	if snap.State.Range != view.Weekly || snap.State.Units != models.Imperial {
		t.Errorf("State = %+v", snap.State)
	}
	if snap.Report.Snapshot.Units != models.Imperial {
		t.Errorf("stored report units changed to %v", snap.Report.Snapshot.Units)
	}
}

func TestSession_SupersededResultDiscarded(t *testing.T) {
	f := &fakeFetcher{blockOn: "Boston", blocked: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestSession(f, nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Search(ctx, "Boston") }()
	<-f.blocked

	if s.Snapshot().Status != Loading {
		t.Errorf("Status = %v while fetching, want loading", s.Snapshot().Status)
	}
	if err := s.Search(ctx, "Chicago"); err != nil {
		t.Fatalf("Search(Chicago) error = %v", err)
	}
	close(f.release)

	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Search(Boston) error = %v, want ErrSuperseded", err)
	}
	snap := s.Snapshot()
	if snap.Report.Location.City != "Chicago" || snap.SearchText != "Chicago" || snap.Status != Ready {
		t.Errorf("late result overwrote newer state: %+v", snap)
	}
}

func TestSession_UseLocation(t *testing.T) {
	t.Run("denied", func(t *testing.T) {
		f := &fakeFetcher{}
		s, _ := newTestSession(f, nil)
		denied := LocatorFunc(func(ctx context.Context) (float64, float64, error) {
			return 0, 0, ErrGeolocationDenied
		})
		if err := s.UseLocation(context.Background(), denied); !errors.Is(err, ErrGeolocationDenied) {
			t.Fatalf("UseLocation() error = %v, want ErrGeolocationDenied", err)
		}
		if f.count() != 0 {
			t.Errorf("fetches = %d, want 0", f.count())
		}
		if s.Snapshot().Notice == nil {
			t.Error("expected an inline notice")
		}
	})

	t.Run("out of range", func(t *testing.T) {
		s, _ := newTestSession(&fakeFetcher{}, nil)
		bad := LocatorFunc(func(ctx context.Context) (float64, float64, error) { return 91, 0, nil })
		if err := s.UseLocation(context.Background(), bad); !errors.Is(err, ErrGeolocationDenied) {
			t.Fatalf("UseLocation() error = %v, want ErrGeolocationDenied", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		f := &fakeFetcher{}
		s, _ := newTestSession(f, nil)
		ok := LocatorFunc(func(ctx context.Context) (float64, float64, error) { return 37.77, -122.42, nil })
		if err := s.UseLocation(context.Background(), ok); err != nil {
			t.Fatalf("UseLocation() error = %v", err)
		}
		q := s.Snapshot().Query
		if q.Kind != location.KindCoordinates || q.Lat != 37.77 || q.Lon != -122.42 {
			t.Errorf("Query = %+v", q)
		}
	})
}

func TestSession_ClosePersistsLastGoodQuery(t *testing.T) {
	store := storage.NewMemoryStore()
	f := &fakeFetcher{fail: map[string]error{"Atlantis": client.ErrLocationNotFound}}
	s, _ := newTestSession(f, store)
	ctx := context.Background()

	if err := s.Search(ctx, "94103"); err != nil {
		t.Fatal(err)
	}
	_ = s.Search(ctx, "Atlantis")
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	raw, ok, _ := store.Get(ctx, storage.StorageKey)
	if !ok {
		t.Fatal("nothing persisted")
	}
	q, err := location.Decode(raw)
	if err != nil || q.Kind != location.KindZip || q.Zip != "94103" {
		t.Errorf("persisted %q → %+v, %v", raw, q, err)
	}
	if err := s.Reload(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Reload() after Close error = %v, want ErrClosed", err)
	}
}

// TestSession_SearchZipEndToEnd drives a session through the real client and
// forecast service against a fake provider.
func TestSession_SearchZipEndToEnd(t *testing.T) {
	var resolveQueries []string
	var forecastCalls int32
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/weather", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resolveQueries = append(resolveQueries, r.URL.Query().Get("zip")+"|"+r.URL.Query().Get("q"))
		mu.Unlock()
		if r.URL.Query().Get("q") == "Atlantis" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"coord": map[string]float64{"lat": 37.77, "lon": -122.42},
			"name":  "San Francisco",
			"sys":   map[string]string{"country": "US"},
		})
	})
	mux.HandleFunc("/onecall", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&forecastCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"timezone_offset": -25200,
			"current": map[string]interface{}{
				"dt": 1714586400, "temp": 61.3, "wind_speed": 10, "wind_deg": 90,
				"weather": []map[string]string{{"description": "clear sky", "icon": "01d"}},
			},
			"daily": []map[string]interface{}{
				{"temp": map[string]float64{"day": 62, "min": 51, "max": 66}, "weather": []map[string]string{{"description": "clear sky", "icon": "01d"}}},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	wc, err := client.NewOpenWeatherClientWithRetry("test-api-key-12345", server.URL, 2*time.Second, 1, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	forecasts := service.NewForecasts(wc, cache.NewInMemoryCache(time.Minute), time.Minute, 0)
	s, _ := newTestSession(forecasts, storage.NewMemoryStore())
	ctx := context.Background()

	if err := s.Search(ctx, "94103"); err != nil {
		t.Fatalf("Search(94103) error = %v", err)
	}
	snap := s.Snapshot()
	if snap.Query.Kind != location.KindZip || snap.Report.Location.City != "San Francisco" {
		t.Fatalf("after zip search: %+v", snap)
	}
	mu.Lock()
	if len(resolveQueries) != 1 || resolveQueries[0] != "94103,US|" {
		t.Errorf("resolve requests = %v, want one zip lookup", resolveQueries)
	}
	mu.Unlock()

	// A failed search restores the zip query and leaves the report untouched.
	if err := s.Search(ctx, "Atlantis"); !errors.Is(err, client.ErrLocationNotFound) {
		t.Fatalf("Search(Atlantis) error = %v", err)
	}
	after := s.Snapshot()
	if after.SearchText != "94103" || after.Report.Snapshot.Current.Temperature != 61.3 {
		t.Errorf("after failed search: text %q report %+v", after.SearchText, after.Report)
	}
	if n := atomic.LoadInt32(&forecastCalls); n != 1 {
		t.Errorf("forecast calls = %d, want 1", n)
	}

	// Day range and unit changes re-render from the stored report.
	s.SelectDayRange(view.ThreeDay)
	s.ToggleUnits()
	if n := atomic.LoadInt32(&forecastCalls); n != 1 {
		t.Errorf("forecast calls after view change = %d, want 1", n)
	}
}
