package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of failures and rejects calls until a
// cooldown elapses, then probes with a bounded number of half-open calls.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastFailure      time.Time
	halfOpenInFlight int

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenLimit    int
}

// CircuitBreakerOption configures the circuit breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.failureThreshold = n }
}

// WithSuccessThreshold sets how many half-open successes close the circuit.
func WithSuccessThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.successThreshold = n }
}

// WithCooldown sets how long the circuit stays open before probing.
func WithCooldown(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithHalfOpenLimit bounds concurrent probes in the half-open state.
func WithHalfOpenLimit(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenLimit = n }
}

// NewCircuitBreaker creates a circuit breaker with conservative defaults.
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		cooldown:         30 * time.Second,
		halfOpenLimit:    3,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// CircuitOpenError is returned when the breaker rejects a call.
type CircuitOpenError struct {
	State     State
	NextProbe time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s, next probe at %s", e.State, e.NextProbe.Format(time.RFC3339))
}

// IsRetryable reports false: retrying a rejected call immediately would only
// hammer the open breaker.
func (e *CircuitOpenError) IsRetryable() bool { return false }

// Execute runs fn if the breaker admits the call and records the result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cb.record(ctx.Err())
		return ctx.Err()
	default:
	}

	err := fn()
	cb.record(err)
	return err
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		nextProbe := cb.lastFailure.Add(cb.cooldown)
		if time.Now().Before(nextProbe) {
			return &CircuitOpenError{State: StateOpen, NextProbe: nextProbe}
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.halfOpenInFlight = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenLimit {
			return &CircuitOpenError{State: StateHalfOpen, NextProbe: time.Now()}
		}
		cb.halfOpenInFlight++
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
		}
	}
}
