package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Permanent wraps an error that must not be retried. [Retry] stops and
// returns the wrapped error as soon as it sees one.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn up to attempts times, sleeping per b between failures.
// It returns nil on the first success, the context error if cancelled
// mid-wait, the unwrapped error when fn fails permanently, and otherwise
// the last error annotated with the attempt count.
func Retry(ctx context.Context, attempts int, b Backoff, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := b.Sleep(ctx, attempt-1); err != nil {
				return err
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
	}
	return fmt.Errorf("after %d attempts: %w", attempts, last)
}
