package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the provider circuit breaker rejects a call
// after too many consecutive failures.
var ErrCircuitOpen = errors.New("embedding: circuit breaker is open")

// ProviderError reports a failed provider call. Transient errors (timeouts,
// throttling, 5xx, network failures) are retried; terminal ones are not.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding: %s returned status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embedding: %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// EmptyInputError is returned for blank text. No provider call is made.
type EmptyInputError struct{}

func (e *EmptyInputError) Error() string { return "embedding: input text is blank" }

// DimensionMismatchError is returned when the provider produced a vector
// narrower than the configured width.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding: provider returned %d dimensions, index requires %d", e.Got, e.Want)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// isTerminal reports whether err is a definite answer about the input rather
// than a sign that the provider is unhealthy. Terminal errors do not count
// against the circuit breaker.
func isTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var empty *EmptyInputError
	var dim *DimensionMismatchError
	if errors.As(err, &empty) || errors.As(err, &dim) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Transient
	}
	return false
}
