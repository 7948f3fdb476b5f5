package reliability

import (
	"context"
	"errors"
	"time"
)

// Policy computes the delay to wait before a retry attempt.
// Attempt numbering starts at 1 (the delay after the first failure).
type Policy interface {
	// Delay returns the backoff delay for the given attempt.
	Delay(attempt int) time.Duration
	// MaxAttempts returns the attempt ceiling, or 0 for unbounded.
	MaxAttempts() int
}

// ExponentialBackoff doubles the delay per attempt up to a ceiling.
type ExponentialBackoff struct {
	Base     time.Duration
	Ceiling  time.Duration
	Attempts int
}

// NewExponentialBackoff creates an exponential backoff policy.
// attempts of 0 means retry without bound.
func NewExponentialBackoff(base, ceiling time.Duration, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:     base,
		Ceiling:  ceiling,
		Attempts: attempts,
	}
}

// DefaultConnectBackoff matches the reconnection schedule used across the
// library: 1s doubling to a 32s ceiling, no attempt ceiling.
func DefaultConnectBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(1*time.Second, 32*time.Second, 0)
}

// Delay implements Policy: base * 2^(attempt-1), clamped to the ceiling.
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.Ceiling {
			return e.Ceiling
		}
	}
	if delay > e.Ceiling {
		return e.Ceiling
	}
	return delay
}

// MaxAttempts implements Policy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// LinearBackoff grows the delay by a fixed interval per attempt.
type LinearBackoff struct {
	Interval time.Duration
	Cap      time.Duration
	Attempts int
}

// NewLinearBackoff creates a linear backoff policy.
func NewLinearBackoff(interval, cap time.Duration, attempts int) *LinearBackoff {
	return &LinearBackoff{
		Interval: interval,
		Cap:      cap,
		Attempts: attempts,
	}
}

// Delay implements Policy: interval * attempt, clamped to the cap.
func (l *LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := l.Interval * time.Duration(attempt)
	if l.Cap > 0 && delay > l.Cap {
		return l.Cap
	}
	return delay
}

// MaxAttempts implements Policy.
func (l *LinearBackoff) MaxAttempts() int {
	return l.Attempts
}

// FixedDelay waits the same duration between every attempt.
type FixedDelay struct {
	Interval time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(interval time.Duration, attempts int) *FixedDelay {
	return &FixedDelay{Interval: interval, Attempts: attempts}
}

// Delay implements Policy.
func (f *FixedDelay) Delay(attempt int) time.Duration {
	return f.Interval
}

// MaxAttempts implements Policy.
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// Permanent marks err as not worth retrying; Retry returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Retry executes fn until it succeeds, returns a Permanent error, the
// policy's attempt ceiling is reached, or ctx is cancelled. The attempt
// counter is local to this call.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if max := policy.MaxAttempts(); max > 0 && attempt >= max {
			return lastErr
		}

		select {
		case <-time.After(policy.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
