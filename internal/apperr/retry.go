package apperr

import (
	"context"
	"errors"
)

// Retry runs an adapter call and re-issues it once when it fails.
//
// Errors that match one of permanent, errors already classified with a Kind, and
// context cancellation are returned unchanged without a second attempt. Any other
// failure of the second attempt comes back as a KindPersistence error.
func Retry(ctx context.Context, op string, fn func() error, permanent ...error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !retryable(ctx, err, permanent) {
		return err
	}
	err = fn()
	if err == nil {
		return nil
	}
	if !retryable(ctx, err, permanent) {
		return err
	}
	return Wrap(KindPersistence, op, "adapter call failed", err)
}

func retryable(ctx context.Context, err error, permanent []error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classified *Error
	if errors.As(err, &classified) {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}
	return true
}
