package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Page renders include the upstream fetch on refresh routes.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeather calls by stage (resolve, forecast). Watch for: error vs success ratio per stage.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal *prometheus.CounterVec

	// Circuit breaker state per component (0 closed, 1 half-open, 2 open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Forecast cache hits. Hit rate = hits/(hits + weatherApiCallsTotal{stage="resolve"}).
	CacheHitsTotal *prometheus.CounterVec

	// Forecast cache backend errors by operation.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache warming runs, failures and latency.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Widget fetch cycles by trigger (initial, search, geolocation, reload) and outcome.
	WidgetRefreshesTotal *prometheus.CounterVec

	// Fetch results discarded because a newer cycle started. Watch for: users double-submitting.
	WidgetSupersededTotal prometheus.Counter

	// Live widget sessions.
	WidgetSessionsActive prometheus.Gauge

	// Session teardowns by reason (idle, shutdown).
	WidgetSessionsClosedTotal *prometheus.CounterVec
	// Locations saved when a page is hidden, without ending the session.
	WidgetSessionsPersistedTotal prometheus.Counter

	// Persisted-location storage operations by backend, op and result.
	StorageOperationsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeather API calls",
		},
		[]string{"stage", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeather API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"stage", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
		[]string{"stage"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of forecast cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Forecast cache backend errors",
		},
		[]string{"operation"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed location",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	WidgetRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetRefreshesTotal",
			Help: "Widget fetch cycles by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)
	WidgetSupersededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "widgetSupersededTotal",
			Help: "Fetch results discarded because a newer cycle started",
		},
	)
	WidgetSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "widgetSessionsActive",
			Help: "Number of live widget sessions",
		},
	)
	WidgetSessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetSessionsClosedTotal",
			Help: "Widget session teardowns by reason",
		},
		[]string{"reason"},
	)
	WidgetSessionsPersistedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "widgetSessionsPersistedTotal",
			Help: "Widget locations persisted on page hide",
		},
	)
	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storageOperationsTotal",
			Help: "Persisted location storage operations",
		},
		[]string{"backend", "operation", "result"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheHitsTotal, CacheErrorsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		WidgetRefreshesTotal, WidgetSupersededTotal, WidgetSessionsActive, WidgetSessionsClosedTotal, WidgetSessionsPersistedTotal,
		StorageOperationsTotal,
		RateLimitDeniedTotal,
	)
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
// state is the numeric value of the new state.
func RecordCircuitBreakerTransition(component, from, to string, state float64) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// RecordRefresh records the outcome of one widget fetch cycle.
func RecordRefresh(trigger, outcome string) {
	WidgetRefreshesTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordStorageOp records a storage backend operation. err == nil counts as success.
func RecordStorageOp(backend, op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	StorageOperationsTotal.WithLabelValues(backend, op, result).Inc()
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
