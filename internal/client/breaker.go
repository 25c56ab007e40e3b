package client

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-widget/internal/observability"
)

// BreakerConfig holds circuit breaker parameters for upstream calls.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // trial requests allowed (and required) in half-open
	Timeout          time.Duration // how long the circuit stays open before probing
}

// NewCircuitBreaker builds a breaker whose state changes are exported as metrics.
func NewCircuitBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "weather_api"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	threshold := uint32(cfg.FailureThreshold)
	observability.CircuitBreakerState.WithLabelValues(cfg.Name).Set(stateValue(gobreaker.StateClosed))

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String(), stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
