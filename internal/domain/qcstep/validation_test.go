package qcstep_test

import (
	"strings"
	"testing"

	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	allowed := map[qcstep.Status][]qcstep.Status{
		qcstep.StatusIdle:      {qcstep.StatusActive},
		qcstep.StatusActive:    {qcstep.StatusCompleted, qcstep.StatusAborted, qcstep.StatusOverdue, qcstep.StatusError},
		qcstep.StatusOverdue:   {qcstep.StatusCompleted, qcstep.StatusAborted, qcstep.StatusError},
		qcstep.StatusCompleted: {qcstep.StatusIdle},
		qcstep.StatusAborted:   {qcstep.StatusIdle},
		qcstep.StatusError:     {qcstep.StatusIdle},
	}
	all := []qcstep.Status{
		qcstep.StatusIdle, qcstep.StatusActive, qcstep.StatusCompleted,
		qcstep.StatusAborted, qcstep.StatusOverdue, qcstep.StatusError,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			err := qcstep.ValidateTransition(from, to)
			if want {
				require.NoError(t, err, "%s -> %s", from, to)
			} else {
				require.ErrorIs(t, err, qcstep.ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestValidateScan(t *testing.T) {
	ok := qcstep.Scan{Key: "ABC123", SessionID: "s1", UserID: "u1"}
	require.NoError(t, qcstep.ValidateScan(ok))

	missing := ok
	missing.Key = " "
	require.ErrorIs(t, qcstep.ValidateScan(missing), qcstep.ErrInvalidInput)

	missing = ok
	missing.UserID = ""
	require.ErrorIs(t, qcstep.ValidateScan(missing), qcstep.ErrInvalidInput)

	long := ok
	long.Key = strings.Repeat("K", qcstep.MaxKeyLength)
	require.NoError(t, qcstep.ValidateScan(long))
	long.Key += "K"
	require.ErrorIs(t, qcstep.ValidateScan(long), qcstep.ErrInvalidInput)

	badRating := ok
	rating := 9
	badRating.Details.Rating = &rating
	require.ErrorIs(t, qcstep.ValidateScan(badRating), qcstep.ErrInvalidInput)
}
