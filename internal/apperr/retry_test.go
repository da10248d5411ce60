package apperr_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/stretchr/testify/require"
)

func TestRetry_SecondAttemptSucceeds(t *testing.T) {
	calls := 0
	err := apperr.Retry(context.Background(), "start step", func() error {
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetry_SurfacesPersistenceError(t *testing.T) {
	calls := 0
	err := apperr.Retry(context.Background(), "start step", func() error {
		calls++
		return errors.New("database is locked")
	})
	require.Equal(t, 2, calls)
	require.ErrorIs(t, err, apperr.ErrPersistence)
}

func TestRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	notAvailable := errors.New("session type not available")
	calls := 0
	err := apperr.Retry(context.Background(), "open session", func() error {
		calls++
		return notAvailable
	}, notAvailable)
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, notAvailable)
	require.NotErrorIs(t, err, apperr.ErrPersistence)

	calls = 0
	err = apperr.Retry(context.Background(), "open session", func() error {
		calls++
		return apperr.New(apperr.KindConflict, "", "duplicate")
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := apperr.Retry(ctx, "close session", func() error {
		calls++
		return ctx.Err()
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
}
