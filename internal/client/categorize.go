package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/weather-widget/internal/location"
)

// ErrorCategory is a stable label for error classification in metrics and notices.
type ErrorCategory string

const (
	ErrorCategoryTimeout             ErrorCategory = "timeout"
	ErrorCategoryNetwork             ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey       ErrorCategory = "invalid_api_key"
	ErrorCategoryInvalidQuery        ErrorCategory = "invalid_query"
	ErrorCategoryLocationNotFound    ErrorCategory = "location_not_found"
	ErrorCategoryForecastUnavailable ErrorCategory = "forecast_unavailable"
	ErrorCategoryRateLimited         ErrorCategory = "rate_limited"
	ErrorCategoryCircuitOpen         ErrorCategory = "circuit_open"
	ErrorCategoryUpstream5xx         ErrorCategory = "upstream_5xx"
	ErrorCategoryParsing             ErrorCategory = "parsing"
	ErrorCategoryUnknown             ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. Transport causes win over
// the stage kind, so a resolve timeout is "timeout" rather than "location_not_found".
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, location.ErrInvalidQuery) {
		return ErrorCategoryInvalidQuery
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, ErrInvalidAPIKey) {
		return ErrorCategoryInvalidAPIKey
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream5xx
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "http request failed") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}

	if errors.Is(err, ErrLocationNotFound) {
		return ErrorCategoryLocationNotFound
	}
	if errors.Is(err, ErrForecastUnavailable) {
		return ErrorCategoryForecastUnavailable
	}

	return ErrorCategoryUnknown
}
