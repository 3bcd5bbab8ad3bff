// Package retry runs idempotent operations with exponential backoff and jitter.
//
// Only idempotent work (read queries, token association, custodian
// delivery against a re-resolved listing) belongs in Do. Ledger transfers
// are never retried: a transfer whose outcome is unknown is settled by
// reading the ledger, not by sending it again.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration // 0 means uncapped

	// RetryIf classifies failures. Errors it rejects end the loop at once.
	// Nil retries everything that is not Permanent.
	RetryIf func(error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Reads is the default policy for ledger read queries.
var Reads = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// When returns a copy of p that only retries errors matching pred.
func (p Policy) When(pred func(error) bool) Policy {
	p.RetryIf = pred
	return p
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends. fn receives the zero-based attempt number. The delay doubles
// after every failure with +-25% jitter.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return err
		}
		if attempt == attempts-1 {
			return err
		}

		wait := jittered(delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// Value is Do for functions that also produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(attempt int) error {
		v, err := fn(attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	return d - d/4 + time.Duration(rand.Int64N(spread+1)) // #nosec G404 -- backoff jitter
}
