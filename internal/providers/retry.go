package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// retryable marks an error as worth retrying (rate limits, 5xx, transport
// hiccups).
func retryable(err error) error {
	return &retryableError{err: err}
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryDo runs fn with exponential backoff, retrying only errors marked
// retryable. Context cancellation stops the loop immediately.
func retryDo[T any](ctx context.Context, attempts int, fn func() (T, error)) (T, error) {
	var zero T
	delay := 500 * time.Millisecond
	var lastErr error
	for i := range attempts {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		// Report the attempts actually made, not the configured ceiling: a
		// non-retryable failure stops after one call.
		if !isRetryable(err) || i == attempts-1 {
			return zero, fmt.Errorf("after %d attempts: %w", i+1, err)
		}
		slog.Warn("provider call retry", "attempt", i+1, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay *= 2
	}
	return zero, lastErr
}
