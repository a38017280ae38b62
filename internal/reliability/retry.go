package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed attempt should be retried and after
// what delay.
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (zero-based) may be retried after
	// err, and the delay to wait before the next attempt.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the attempt ceiling, or a negative value for
	// unlimited attempts.
	MaxAttempts() int
	// NextDelay computes the delay before the given attempt.
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxInterval, with optional ±15% jitter.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter.
// Pass a negative maxAttempts for unlimited attempts.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.Attempts >= 0 && attempt >= e.Attempts {
		return false, 0
	}
	if !isRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy.
func (e *ExponentialBackoff) MaxAttempts() int { return e.Attempts }

// NextDelay implements RetryPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}
	return time.Duration(delay)
}

// FixedDelay retries at a constant interval.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: maxAttempts}
}

// ShouldRetry implements RetryPolicy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.Attempts >= 0 && attempt >= f.Attempts {
		return false, 0
	}
	if !isRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxAttempts implements RetryPolicy.
func (f *FixedDelay) MaxAttempts() int { return f.Attempts }

// NextDelay implements RetryPolicy.
func (f *FixedDelay) NextDelay(int) time.Duration { return f.Delay }

// Retry runs fn until it succeeds, the policy gives up, or ctx is done.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, lastErr)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryable honors an optional IsRetryable marker on the error; unknown
// errors default to retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return true
}

// PermanentError marks an error as not retryable.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (p PermanentError) Error() string { return p.Err.Error() }

// IsRetryable always reports false.
func (p PermanentError) IsRetryable() bool { return false }

// Unwrap returns the wrapped error.
func (p PermanentError) Unwrap() error { return p.Err }
