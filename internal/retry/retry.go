// Package retry provides bounded linear-backoff retry for bus exchanges.
//
// A Policy is a plain value: a base per-attempt timeout, a fixed increment
// added on every subsequent attempt, and a maximum attempt count. The same
// policy type drives both request/response retries (Do) and flag polling
// (Poll), so every retry loop in the bridge has an explicit upper bound.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt allowed by a Policy failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// NonRetryableError wraps errors that should stop the retry loop immediately.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err so that Do returns it without further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err was wrapped with NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy describes a bounded linear backoff.
//
// Attempt n (zero-based) is given BaseTimeout + n*Increment.
type Policy struct {
	BaseTimeout time.Duration
	Increment   time.Duration
	MaxAttempts int
}

// Linear returns a policy with the given base timeout, increment and attempts.
func Linear(base, incr time.Duration, attempts int) Policy {
	return Policy{BaseTimeout: base, Increment: incr, MaxAttempts: attempts}
}

// Fixed returns a policy that waits the same interval on every attempt.
func Fixed(interval time.Duration, attempts int) Policy {
	return Policy{BaseTimeout: interval, MaxAttempts: attempts}
}

// Attempts returns the effective attempt count (at least one).
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Timeout returns the duration allotted to the given zero-based attempt.
func (p Policy) Timeout(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseTimeout + time.Duration(attempt)*p.Increment
}

// Validate checks the policy for negative durations.
func (p Policy) Validate() error {
	if p.BaseTimeout <= 0 {
		return errors.New("retry: base timeout must be positive")
	}
	if p.Increment < 0 {
		return errors.New("retry: increment cannot be negative")
	}
	return nil
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are used up. Each attempt receives a context bounded by
// the attempt's timeout; the attempt index passed to fn is zero-based.
//
// Exhaustion returns an error wrapping both ErrExhausted and the last
// attempt's error. Cancellation of the parent context stops the loop and
// returns the context's error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var lastErr error
	attempts := p.Attempts()

	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout(attempt))
		err := fn(attemptCtx, attempt)
		cancel()

		if err == nil {
			return nil
		}
		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt+1, ctx.Err())
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		var innerErr error
		result, innerErr = fn(ctx, attempt)
		return innerErr
	})
	return result, err
}

// Poll evaluates cond up to the policy's attempt count, waiting the
// attempt's timeout between evaluations. It returns nil as soon as cond
// reports true and ErrExhausted once every attempt has been used.
func Poll(ctx context.Context, p Policy, cond func() bool) error {
	if err := p.Validate(); err != nil {
		return err
	}

	attempts := p.Attempts()
	for attempt := range attempts {
		if cond() {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Timeout(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("poll cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d polls", ErrExhausted, attempts)
}
