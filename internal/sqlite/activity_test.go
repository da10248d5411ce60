package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/stretchr/testify/require"
)

func TestActivityRepository_LogList(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	repo := NewActivityRepository(db)
	entry1 := &activity.ActivityEntry{
		ActivityType: activity.TypeSessionCreated,
		Summary:      "Session opened",
		Details:      `{"id":"s1"}`,
		CreatedAt:    t0,
	}
	entry2 := &activity.ActivityEntry{
		ActivityType: activity.TypeStepStarted,
		Summary:      "QC started",
		Details:      `{"key":"K1"}`,
		CreatedAt:    t0.Add(time.Second),
	}

	require.NoError(t, repo.Log(ctx, entry1))
	require.NoError(t, repo.Log(ctx, entry2))
	require.NotZero(t, entry1.ID)

	entries, err := repo.List(ctx, activity.ListActivityOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, entry2.ActivityType, entries[0].ActivityType)
	require.Equal(t, entry1.ActivityType, entries[1].ActivityType)
	require.Equal(t, `{"id":"s1"}`, entries[1].Details)
}

func TestActivityRepository_Filters(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	repo := NewActivityRepository(db)
	sessionID := "s1"
	userID := "u1"
	scanKey := "K1"
	entry := &activity.ActivityEntry{
		SessionID:    &sessionID,
		UserID:       &userID,
		ScanKey:      &scanKey,
		ActivityType: activity.TypeStepCompleted,
		Summary:      "QC completed",
		CreatedAt:    t0,
	}
	require.NoError(t, repo.Log(ctx, entry))
	require.NoError(t, repo.Log(ctx, &activity.ActivityEntry{
		ActivityType: activity.TypeSessionEnded,
		Summary:      "Session ended",
		CreatedAt:    t0,
	}))

	activityType := activity.TypeStepCompleted
	entries, err := repo.List(ctx, activity.ListActivityOptions{
		SessionID:    &sessionID,
		UserID:       &userID,
		ScanKey:      &scanKey,
		ActivityType: &activityType,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "K1", *entries[0].ScanKey)
	require.Nil(t, entries[0].StepID)

	other := "s2"
	entries, err = repo.List(ctx, activity.ListActivityOptions{SessionID: &other})
	require.NoError(t, err)
	require.Len(t, entries, 0)

	entries, err = repo.List(ctx, activity.ListActivityOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestActivityRepository_Prune(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	repo := NewActivityRepository(db)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Log(ctx, &activity.ActivityEntry{
			ActivityType: activity.TypeStepStarted,
			Summary:      "QC started",
			CreatedAt:    t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	n, err := repo.Prune(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	entries, err := repo.List(ctx, activity.ListActivityOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
