// Package retry provides the bounded exponential-backoff policy used when
// provisioning upstream sessions.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded retry loop: MaxRetries retries after the first
// attempt, waiting InitialDelay, then InitialDelay*Multiplier, and so on,
// capped at MaxDelay when it is positive. Timeout, when positive, bounds the
// whole loop including waits.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Timeout      time.Duration
}

// Default is two retries (three attempts) at 1s then 2s, under a 10s deadline.
func Default() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Timeout:      10 * time.Second,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// ExhaustedError is returned when the loop stops without a success: every
// attempt failed, or the deadline/cancellation cut it short.
type ExhaustedError struct {
	Attempts int
	Err      error
	Cause    error
}

func (e *ExhaustedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stopped after %d attempt(s): %v: %v", e.Attempts, e.Cause, e.Err)
	}
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = 0
	// MaxDelay <= 0 leaves the waits uncapped.
	b.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		b.MaxInterval = max(p.MaxDelay, b.InitialInterval)
	}
	// Attempt count and the context deadline bound the loop, not elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Do runs op until it succeeds, returns a permanent error, the retry budget
// runs out, or ctx is done. op receives a context carrying the policy
// deadline and the 1-based attempt number.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, notify Notify) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	attempt := 0
	permanent := false
	var lastErr error
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := op(ctx, attempt)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			lastErr = perm.Err
			return err
		}
		lastErr = err
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.backOff(), ctx), onRetry)
	if err == nil {
		return nil
	}
	if permanent {
		return lastErr
	}
	if lastErr == nil {
		lastErr = err
	}
	return &ExhaustedError{Attempts: attempt, Err: lastErr, Cause: ctx.Err()}
}
