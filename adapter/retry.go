package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// RetryBackoffBase is the delay before the first retry. It doubles
	// per attempt up to RetryBackoffCap.
	RetryBackoffBase = 500 * time.Millisecond
	// RetryBackoffCap bounds the delay between attempts.
	RetryBackoffCap = 30 * time.Second
)

// PermanentError marks a publish failure retrying cannot fix, such as
// a client error from the receiving endpoint.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as non-retriable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// PublishWithRetries runs attempt once plus up to retries more times,
// backing off exponentially between tries. name labels wrapped errors
// ("webhook", "redis"). A PermanentError stops the loop immediately;
// the backoff waits respect ctx.
func PublishWithRetries(ctx context.Context, name string, retries int, attempt func(context.Context) error) error {
	attempts := 1 + retries
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(retryBackoff(i)):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("%s: non-retriable error: %w", name, perm.Err)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}

// retryBackoff returns the delay before retry i. Doubling stops at the
// cap so a large retry budget cannot overflow the duration.
func retryBackoff(i int) time.Duration {
	d := RetryBackoffBase
	for j := 1; j < i; j++ {
		if d >= RetryBackoffCap {
			break
		}
		d *= 2
	}
	if d > RetryBackoffCap {
		d = RetryBackoffCap
	}
	return d
}
