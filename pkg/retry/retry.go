// Package retry runs retryable broker operations with bounded, jittered
// exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds one retryable operation.
type Policy struct {
	// Attempts is the total number of calls, first try included.
	Attempts int
	// Base and Cap bound the exponential backoff between calls.
	Base time.Duration
	Cap  time.Duration
	// HintFor, when set, lets an error dictate the wait before the next
	// attempt, e.g. a 429 carrying Retry-After. Hints are still clamped
	// to Cap.
	HintFor func(error) (time.Duration, bool)
}

// DefaultPolicy bounds transient broker retries: three calls total with
// backoff between 100ms and 2s.
var DefaultPolicy = Policy{Attempts: 3, Base: 100 * time.Millisecond, Cap: 2 * time.Second}

// RetryableFunc reports whether an error is worth another attempt.
type RetryableFunc func(error) bool

// Do calls fn up to p.Attempts times. It stops early when fn succeeds,
// when retryable says no, or when ctx ends during a wait.
func Do(ctx context.Context, p Policy, retryable RetryableFunc, fn func() error) error {
	_, err := DoValue(ctx, p, retryable, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, retryable RetryableFunc, fn func() (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for call := 1; ; call++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !retryable(err) || call == attempts {
			return zero, err
		}
		if waitErr := sleep(ctx, p.waitAfter(err, call)); waitErr != nil {
			return zero, waitErr
		}
	}
}

// waitAfter picks the pause following the call-th failed attempt.
func (p Policy) waitAfter(err error, call int) time.Duration {
	if p.HintFor != nil {
		if hint, ok := p.HintFor(err); ok {
			if p.Cap > 0 && hint > p.Cap {
				return p.Cap
			}
			return hint
		}
	}

	backoff := p.Base << (call - 1)
	if p.Cap > 0 && backoff > p.Cap {
		backoff = p.Cap
	}
	if backoff <= 0 {
		return 0
	}
	// Jitter across [backoff/2, backoff*1.5) keeps simultaneous retries
	// from herding.
	return backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
