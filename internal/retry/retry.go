// Package retry provides a bounded optimistic-retry helper for operations
// that race on a shared invariant, such as assigning a unique ordering
// position under concurrent inserts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/coursekit/media-pipeline/internal/backoff"
)

// ErrAttemptsExhausted wraps the last error when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Do invokes fn up to attempts times, waiting strategy.Delay between
// attempts. fn is retried only while retryable(err) returns true; any other
// error is returned immediately. A nil strategy means no delay between
// attempts, which suits recompute-and-retry loops on uniqueness conflicts.
func Do(ctx context.Context, attempts int, strategy backoff.Strategy, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		if strategy != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(strategy.Delay(attempt)):
			}
		}
	}

	return errors.Join(ErrAttemptsExhausted, lastErr)
}
