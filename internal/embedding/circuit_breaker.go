package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig tunes the provider circuit breaker. Zero fields take
// defaults.
type CircuitBreakerConfig struct {
	// MaxFailures is the run of consecutive transient failures that opens
	// the circuit (default 5).
	MaxFailures uint32

	// Timeout is how long the circuit stays open before a probe (default 30s).
	Timeout time.Duration

	// Probes is the number of calls let through while half-open (default 1).
	Probes uint32
}

// CircuitBreaker rejects provider calls fast while the provider looks down,
// so replicas don't keep queueing requests behind an outage.
//
// Only transient failures count. A blank input or a 400 says nothing about
// provider health.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a circuit breaker around provider calls.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Probes == 0 {
		cfg.Probes = 1
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: cfg.Probes,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("embedding provider circuit changed state")
		},
	})}
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling the provider.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func() ([][]float32, error)) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return out.([][]float32), nil
}

// State is "closed", "open" or "half-open".
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}
