package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-widget/internal/location"
	"github.com/kjstillabower/weather-widget/internal/models"
	"github.com/kjstillabower/weather-widget/internal/observability"
)

// WeatherClient performs the two-stage OpenWeather fetch.
type WeatherClient interface {
	Resolve(ctx context.Context, q location.Query) (models.ResolvedLocation, error)
	FetchForecast(ctx context.Context, lat, lon float64, units models.UnitSystem) (models.Snapshot, error)
	FetchAll(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey       = errors.New("invalid API key")
	ErrLocationNotFound    = errors.New("location not found")
	ErrForecastUnavailable = errors.New("forecast unavailable")
	ErrUpstreamFailure     = errors.New("upstream failure")
	ErrRateLimited         = errors.New("rate limited")
	ErrCircuitOpen         = errors.New("circuit breaker open")
)

const (
	stageResolve  = "resolve"
	stageForecast = "forecast"
	stageValidate = "validate"
)

type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// NewOpenWeatherClient returns a client for baseURL (e.g. https://api.openweathermap.org/data/2.5)
// with 3 attempts per call.
func NewOpenWeatherClient(apiKey, baseURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewOpenWeatherClientWithRetry(apiKey, baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every upstream call through cb. nil disables it.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

type weatherCondition struct {
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type resolveResponse struct {
	Coord *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
}

type forecastResponse struct {
	TimezoneOffset int `json:"timezone_offset"`
	Current        *struct {
		Dt        int64              `json:"dt"`
		Temp      float64            `json:"temp"`
		WindSpeed float64            `json:"wind_speed"`
		WindDeg   float64            `json:"wind_deg"`
		Weather   []weatherCondition `json:"weather"`
	} `json:"current"`
	Daily []struct {
		Temp struct {
			Day float64 `json:"day"`
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"temp"`
		Weather []weatherCondition `json:"weather"`
	} `json:"daily"`
}

// Resolve looks the query up on the current-conditions endpoint to obtain coordinates.
// Every failure wraps ErrLocationNotFound alongside its transport cause.
func (c *OpenWeatherClient) Resolve(ctx context.Context, q location.Query) (models.ResolvedLocation, error) {
	params := q.Params()
	var resp resolveResponse
	if err := c.get(ctx, stageResolve, "/weather", params, &resp); err != nil {
		return models.ResolvedLocation{}, fmt.Errorf("resolve %s: %w: %w", q, ErrLocationNotFound, err)
	}
	if resp.Coord == nil || resp.Coord.Lat == nil || resp.Coord.Lon == nil {
		return models.ResolvedLocation{}, fmt.Errorf("resolve %s: %w: response has no coordinates", q, ErrLocationNotFound)
	}

	city := resp.Name
	if city == "" {
		city = q.Text()
	}
	return models.ResolvedLocation{
		City:        city,
		CountryCode: resp.Sys.Country,
		Lat:         *resp.Coord.Lat,
		Lon:         *resp.Coord.Lon,
	}, nil
}

// FetchForecast returns current and daily weather at lat/lon in units.
// Every failure wraps ErrForecastUnavailable.
func (c *OpenWeatherClient) FetchForecast(ctx context.Context, lat, lon float64, units models.UnitSystem) (models.Snapshot, error) {
	params := url.Values{}
	params.Set("lat", formatCoord(lat))
	params.Set("lon", formatCoord(lon))
	params.Set("units", units.String())
	params.Set("exclude", "minutely,hourly,alerts")

	var resp forecastResponse
	if err := c.get(ctx, stageForecast, "/onecall", params, &resp); err != nil {
		return models.Snapshot{}, fmt.Errorf("forecast %s,%s: %w: %w", formatCoord(lat), formatCoord(lon), ErrForecastUnavailable, err)
	}
	if resp.Current == nil {
		return models.Snapshot{}, fmt.Errorf("forecast %s,%s: %w: response has no current conditions", formatCoord(lat), formatCoord(lon), ErrForecastUnavailable)
	}
	return mapForecast(resp, units), nil
}

// FetchAll resolves q and then fetches its forecast. The forecast needs the resolved
// coordinates, so the stages run in order; either failure aborts with no partial report.
func (c *OpenWeatherClient) FetchAll(ctx context.Context, q location.Query, units models.UnitSystem) (models.Report, error) {
	loc, err := c.Resolve(ctx, q)
	if err != nil {
		return models.Report{}, err
	}
	snap, err := c.FetchForecast(ctx, loc.Lat, loc.Lon, units)
	if err != nil {
		return models.Report{}, err
	}
	return models.Report{Location: loc, Snapshot: snap}, nil
}

func mapForecast(resp forecastResponse, units models.UnitSystem) models.Snapshot {
	cur := resp.Current
	desc, icon := firstCondition(cur.Weather)
	observed := time.Unix(cur.Dt, 0).UTC()
	if cur.Dt == 0 {
		observed = time.Now().UTC()
	}

	daily := make([]models.Day, 0, len(resp.Daily))
	for _, d := range resp.Daily {
		ddesc, dicon := firstCondition(d.Weather)
		daily = append(daily, models.Day{
			Min:           d.Temp.Min,
			Max:           d.Temp.Max,
			DayTemp:       d.Temp.Day,
			ConditionText: ddesc,
			IconID:        dicon,
		})
	}

	return models.Snapshot{
		Current: models.Current{
			Temperature:          cur.Temp,
			WindSpeed:            cur.WindSpeed,
			WindDirectionDegrees: cur.WindDeg,
			ConditionText:        desc,
			IconID:               icon,
		},
		Daily:                 daily,
		TimezoneOffsetSeconds: resp.TimezoneOffset,
		Units:                 units,
		ObservedAt:            observed,
	}
}

func firstCondition(w []weatherCondition) (string, string) {
	if len(w) == 0 {
		return "", ""
	}
	return w[0].Description, w[0].Icon
}

// get calls path with params, retrying retryable failures with backoff, and decodes JSON into out.
func (c *OpenWeatherClient) get(ctx context.Context, stage, path string, params url.Values, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.WithLabelValues(stage).Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.callAPI(ctx, stage, path, params)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) || ctx.Err() != nil {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// apiResult carries a non-retryable response through the circuit breaker without
// counting it as a breaker failure; a 404 for a bad search says nothing about upstream health.
type apiResult struct {
	statusCode int
	body       []byte
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, stage, path string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(stage, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	res, err := c.execute(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(stage, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(stage, "error").Observe(duration)
		return nil, err
	}

	status := statusLabel(res.statusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(stage, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(stage, status).Observe(duration)

	if err := statusError(res.statusCode); err != nil {
		return nil, err
	}
	return res.body, nil
}

// execute performs req, through the circuit breaker when one is set. Transport errors,
// 429 and 5xx are breaker failures; any other response is returned for status mapping.
func (c *OpenWeatherClient) execute(req *http.Request) (apiResult, error) {
	do := func() (interface{}, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("request timeout: %w", err)
			}
			return nil, fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		if err := statusError(resp.StatusCode); err != nil && isRetryableStatus(resp.StatusCode) {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return apiResult{statusCode: resp.StatusCode, body: body}, nil
	}

	if c.breaker == nil {
		out, err := do()
		if err != nil {
			return apiResult{}, err
		}
		return out.(apiResult), nil
	}

	out, err := c.breaker.Execute(do)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apiResult{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return apiResult{}, err
	}
	return out.(apiResult), nil
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	return isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("appid", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func statusError(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}
	if code >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("HTTP %d", code)
	}
	return nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues one resolve request without retries. Used by the health check.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.callAPI(ctx, stageValidate, "/weather", location.PlaceName("London", "", "GB").Params())
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidAPIKey) {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	return fmt.Errorf("validation failed: %w", err)
}

func formatCoord(f float64) string {
	return fmt.Sprintf("%.4f", f)
}
