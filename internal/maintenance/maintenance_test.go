package maintenance_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/maintenance"
	"github.com/rpggio/qcflow/internal/repository"
	"github.com/rpggio/qcflow/internal/repository/mocks"
	"github.com/rpggio/qcflow/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticStats struct {
	stats workflow.Stats
	err   error
}

func (s staticStats) Stats(context.Context) (workflow.Stats, error) {
	return s.stats, s.err
}

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestManager_Prune(t *testing.T) {
	pruner := &mocks.Pruner{}
	activityRepo := &mocks.ActivityRepository{}
	cutoff := now.Add(-90 * 24 * time.Hour)
	pruner.On("Prune", mock.Anything, cutoff).
		Return(repository.PruneResult{Sessions: 2, Steps: 5, Scans: 9}, nil).Once()
	activityRepo.On("Prune", mock.Anything, cutoff).Return(int64(12), nil).Once()

	m, err := maintenance.NewManager(pruner, activity.NewService(activityRepo, nil), nil,
		clockwork.NewFakeClockAt(now), nil, maintenance.Options{Retention: 90 * 24 * time.Hour})
	require.NoError(t, err)

	res, err := m.Prune(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 16, res.Total())
	assert.EqualValues(t, 12, res.Activity)
	pruner.AssertExpectations(t)
	activityRepo.AssertExpectations(t)
}

func TestManager_PruneDisabledAndFailing(t *testing.T) {
	pruner := &mocks.Pruner{}

	m, err := maintenance.NewManager(pruner, nil, nil, clockwork.NewFakeClockAt(now), nil, maintenance.Options{})
	require.NoError(t, err)
	res, err := m.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	pruner.AssertNotCalled(t, "Prune", mock.Anything, mock.Anything)

	pruner.On("Prune", mock.Anything, mock.Anything).Return(repository.PruneResult{}, errors.New("locked"))
	m, err = maintenance.NewManager(pruner, nil, nil, clockwork.NewFakeClockAt(now), nil,
		maintenance.Options{Retention: time.Hour})
	require.NoError(t, err)
	_, err = m.Prune(context.Background())
	assert.ErrorContains(t, err, "locked")
}

func TestManager_LogStats(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	src := staticStats{stats: workflow.Stats{Completed: 3, LiveSteps: 2}}

	m, err := maintenance.NewManager(nil, nil, src, clockwork.NewFakeClockAt(now), logger, maintenance.Options{})
	require.NoError(t, err)
	m.LogStats(context.Background())

	assert.Contains(t, buf.String(), "qc stats")
	assert.Contains(t, buf.String(), "completed=3")
	assert.Contains(t, buf.String(), "live_steps=2")
}

func TestManager_StartRegistersJobs(t *testing.T) {
	pruner := &mocks.Pruner{}
	pruner.On("Prune", mock.Anything, mock.Anything).Return(repository.PruneResult{}, nil).Maybe()

	m, err := maintenance.NewManager(pruner, nil, staticStats{}, clockwork.NewFakeClockAt(now), nil,
		maintenance.Options{Retention: time.Hour, PruneInterval: time.Hour, StatsInterval: 15 * time.Minute})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown() })

	assert.ElementsMatch(t, []string{"retention-prune", "stats-snapshot"}, m.Jobs())
}
