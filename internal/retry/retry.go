// Package retry re-runs operations that fail with transient errors, such as
// optimistic-concurrency conflicts, using exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how often and how quickly an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnRetry        func(attempt int, err error, backoff time.Duration)
}

// Retryable decides whether err is transient.
type Retryable func(err error) bool

type Operation[T any] func(ctx context.Context) (T, error)

// Do runs op until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. Non-retryable errors are returned unchanged.
func Do[T any](ctx context.Context, p Policy, retryable Retryable, op Operation[T]) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		if !retryable(err) {
			return val, err
		}

		var zero T
		if attempt >= attempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", attempts, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Policy, retryable Retryable, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
