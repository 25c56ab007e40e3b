package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-widget/internal/lifecycle"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/observability"
	"github.com/kjstillabower/weather-widget/internal/render"
	"github.com/kjstillabower/weather-widget/internal/traffic"
	"github.com/kjstillabower/weather-widget/internal/view"
	"github.com/kjstillabower/weather-widget/internal/widget"
)

// ClientCookie identifies a browser across page loads; persisted locations are scoped to it.
const ClientCookie = "weather_widget_client"

const clientCookieMaxAge = 365 * 24 * 60 * 60

// KeyValidator checks the upstream API key. Implemented by client.OpenWeatherClient.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// HealthConfig holds the dependency checks and thresholds for /health. Nil pings and
// zero windows are skipped.
type HealthConfig struct {
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// StoragePing, when set, checks the persisted-location backend.
	StoragePing func() error

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	StartTime            time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry         *widget.Registry
	validator        KeyValidator
	healthConfig     *HealthConfig
	logger           *zap.Logger
	now              func() time.Time
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(registry *widget.Registry, validator KeyValidator, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:     registry,
		validator:    validator,
		healthConfig: healthConfig,
		logger:       logger,
		now:          time.Now,
	}
}

// NewWidget handles GET /. It opens a session for the caller's client id, runs the
// initial load and redirects to the session page.
func (h *Handler) NewWidget(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		clientID = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     ClientCookie,
			Value:    clientID,
			Path:     "/",
			MaxAge:   clientCookieMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	s := h.registry.Create(clientID)
	if err := s.Start(r.Context()); err != nil {
		logFromRequest(r, h.logger).Debug("initial load failed", zap.String("session_id", s.ID()), zap.Error(err))
	}
	http.Redirect(w, r, widgetPath(s.ID()), http.StatusSeeOther)
}

// GetWidget handles GET /widget/{id}.
func (h *Handler) GetWidget(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap := s.Snapshot()

	page := render.WidgetPage{
		SessionID:  snap.ID,
		SearchText: snap.SearchText,
		Loading:    snap.Loading(),
		State:      snap.State,
		Failure:    snap.Failure,
	}
	if data, err := render.Build(snap.Report, snap.State); err == nil {
		page.Data = &data
	} else if !errors.Is(err, render.ErrNoReport) {
		logFromRequest(r, h.logger).Warn("build data view", zap.Error(err))
	}
	if snap.Notice != nil {
		page.Notice = snap.Notice.Message
		page.NoticeTTL = int(math.Ceil(snap.Notice.ExpiresAt.Sub(h.now()).Seconds()))
		if page.NoticeTTL < 1 {
			page.NoticeTTL = 1
		}
	}

	var buf bytes.Buffer
	if err := render.Page(&buf, page); err != nil {
		logFromRequest(r, h.logger).Error("render widget", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "RENDER_FAILED", "Unable to render widget")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// PostSearch handles POST /widget/{id}/search with form field q.
func (h *Handler) PostSearch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Search(r.Context(), r.PostFormValue("q")); err != nil {
		logActionError(r, h.logger, "search", err)
	}
	h.backToWidget(w, r, s.ID())
}

// PostLocate handles POST /widget/{id}/locate. The page script posts either lat and lon
// from the browser's geolocation API or error=denied|unavailable.
func (h *Handler) PostLocate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	locator := formLocator(r.PostFormValue("lat"), r.PostFormValue("lon"), r.PostFormValue("error"))
	if err := s.UseLocation(r.Context(), locator); err != nil {
		logActionError(r, h.logger, "locate", err)
	}
	h.backToWidget(w, r, s.ID())
}

// PostReload handles POST /widget/{id}/reload.
func (h *Handler) PostReload(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Reload(r.Context()); err != nil {
		logActionError(r, h.logger, "reload", err)
	}
	h.backToWidget(w, r, s.ID())
}

// PostRange handles POST /widget/{id}/range/{range}.
func (h *Handler) PostRange(w http.ResponseWriter, r *http.Request) {
	d, ok := view.ParseDayRange(mux.Vars(r)["range"])
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_RANGE", "range must be today, three-day or weekly")
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.SelectDayRange(d)
	h.backToWidget(w, r, s.ID())
}

// PostUnits handles POST /widget/{id}/units/{units}. "toggle" flips the current system.
func (h *Handler) PostUnits(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["units"]
	units, ok := models.ParseUnitSystem(name)
	if !ok && name != "toggle" {
		writeError(w, r, http.StatusBadRequest, "INVALID_UNITS", "units must be imperial, metric or toggle")
		return
	}
	s, found := h.session(w, r)
	if !found {
		return
	}
	if ok {
		s.SetUnits(units)
	} else {
		s.ToggleUnits()
	}
	h.backToWidget(w, r, s.ID())
}

// PostClose handles POST /widget/{id}/close, sent by the page when it is hidden
// outside of its own form navigation. It persists the location; the session itself
// lives until the idle sweep, since a hidden page can be shown again. Always 204.
func (h *Handler) PostClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.registry.Persist(r.Context(), id); err != nil {
		logFromRequest(r, h.logger).Warn("persist widget location", zap.String("session_id", id), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// session looks up the session named in the route. Unknown or expired sessions
// redirect to / so the caller gets a fresh widget at its persisted location.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*widget.Session, bool) {
	s, ok := h.registry.Get(mux.Vars(r)["id"])
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return nil, false
	}
	return s, true
}

func (h *Handler) backToWidget(w http.ResponseWriter, r *http.Request, id string) {
	http.Redirect(w, r, widgetPath(id), http.StatusSeeOther)
}

func widgetPath(id string) string {
	return "/widget/" + id
}

func clientIDFromRequest(r *http.Request) string {
	c, err := r.Cookie(ClientCookie)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return ""
	}
	return c.Value
}

func formLocator(latStr, lonStr, errStr string) widget.Locator {
	return widget.LocatorFunc(func(ctx context.Context) (float64, float64, error) {
		switch errStr {
		case "":
		case "denied":
			return 0, 0, widget.ErrGeolocationDenied
		default:
			return 0, 0, fmt.Errorf("browser geolocation %s", errStr)
		}
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse longitude: %w", err)
		}
		return lat, lon, nil
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.reason == "api_key_invalid" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.healthConfig != nil {
		addPingCheck(checks, "cache", h.healthConfig.CachePing)
		addPingCheck(checks, "storage", h.healthConfig.StoragePing)
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-widget",
		"version":   "dev",
		"checks":    checks,
		"sessions":  h.registry.Len(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptime"] = time.Since(h.healthConfig.StartTime).Round(time.Second).String()
	}
	writeJSON(w, result.statusCode, resp)
}

func addPingCheck(checks map[string]string, name string, ping func() error) {
	if ping == nil {
		return
	}
	if ping() == nil {
		checks[name] = "healthy"
	} else {
		checks[name] = "unhealthy"
	}
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > API key invalid > storage unreachable > overloaded > degraded > healthy.
// An unreachable cache only costs latency, so it is reported but never changes the status.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.validator != nil {
		if err := h.validator.ValidateAPIKey(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
		}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.StoragePing != nil {
		if err := cfg.StoragePing(); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "storage_unreachable"}
		}
	}
	// Overloaded: traffic in the window exceeds the configured share of what the limiter admits.
	if cfg.OverloadWindow > 0 && cfg.RateLimitRPS > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

func logFromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if l := observability.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return fallback
}

// logActionError logs a failed widget action at DEBUG. The session already holds the
// user-facing notice or failure, so the redirect proceeds either way.
func logActionError(r *http.Request, fallback *zap.Logger, action string, err error) {
	if errors.Is(err, widget.ErrSuperseded) {
		return
	}
	logFromRequest(r, fallback).Debug("widget action failed", zap.String("action", action), zap.Error(err))
}
