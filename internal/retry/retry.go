// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values below 1 mean 1.
	Attempts int

	// BaseDelay is the wait after the first failure; it doubles each attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// Default is 3 attempts at 100ms, 200ms.
var Default = Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

func (p Policy) delay(i int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<i)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// Returns ctx.Err() if the context is cancelled while waiting.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is like Do for functions that return a value.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var result T
	var err error
	for i := 0; i < attempts; i++ {
		if result, err = fn(ctx); err == nil {
			return result, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return result, err
		}
		if i < attempts-1 {
			select {
			case <-time.After(p.delay(i)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
