package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-widget/internal/observability"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	Logger         *zap.Logger
	RateLimiter    *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration // deadline for routes that may fetch
}

// NewRouter wires the widget, health and metrics routes. Widget routes that may
// reach the weather API are rate limited and carry RequestTimeout.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	// Rendering and view-state changes never fetch.
	router.HandleFunc("/widget/{id}", h.GetWidget).Methods(http.MethodGet)
	router.HandleFunc("/widget/{id}/range/{range}", h.PostRange).Methods(http.MethodPost)
	router.HandleFunc("/widget/{id}/units/{units}", h.PostUnits).Methods(http.MethodPost)
	router.HandleFunc("/widget/{id}/close", h.PostClose).Methods(http.MethodPost)

	fetching := router.NewRoute().Subrouter()
	fetching.Use(RateLimitMiddleware(cfg.RateLimiter))
	if cfg.RequestTimeout > 0 {
		fetching.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	fetching.HandleFunc("/", h.NewWidget).Methods(http.MethodGet)
	fetching.HandleFunc("/widget/{id}/search", h.PostSearch).Methods(http.MethodPost)
	fetching.HandleFunc("/widget/{id}/locate", h.PostLocate).Methods(http.MethodPost)
	fetching.HandleFunc("/widget/{id}/reload", h.PostReload).Methods(http.MethodPost)

	return router
}
