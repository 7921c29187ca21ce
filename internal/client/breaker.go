package client

import (
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"smmpulse/internal/instagram"
	"smmpulse/internal/observability/metrics"
	logx "smmpulse/pkg/logx"
)

// BreakerConfig guards the API with a circuit breaker. While open, calls
// fail fast with gobreaker.ErrOpenState instead of hitting a throttled API.
type BreakerConfig struct {
	Enabled bool
	// ConsecutiveFailures trips the breaker. Default 10.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing. Default 5m.
	OpenTimeout time.Duration
}

// ErrBreakerOpen is returned while the circuit breaker rejects calls.
var ErrBreakerOpen = errors.New("client: circuit breaker open")

func newBreaker(cfg BreakerConfig, log logx.Logger) *gobreaker.CircuitBreaker[any] {
	if !cfg.Enabled {
		return nil
	}
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 10
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	const name = "instagram-api"
	metrics.BreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// Credential and not-found answers prove the API is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || instagram.IsCredential(err) || errors.Is(err, instagram.ErrNotFound) || errors.Is(err, instagram.ErrLoginRequired)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
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
