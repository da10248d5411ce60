package qcstep_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/rpggio/qcflow/internal/repository/mocks"
	"github.com/rpggio/qcflow/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordedEvents struct {
	events []events.Event
}

func (r *recordedEvents) Publish(evt events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordedEvents) count(typ events.Type) int {
	n := 0
	for _, evt := range r.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

type trackerFixture struct {
	store   *mocks.StepRepository
	clock   *clockwork.FakeClock
	sched   *scheduler.Scheduler
	events  *recordedEvents
	tracker *qcstep.Tracker
}

func newTrackerFixture(t *testing.T, opts qcstep.Options) *trackerFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	f := &trackerFixture{
		store:  &mocks.StepRepository{},
		clock:  clock,
		sched:  scheduler.New(clock),
		events: &recordedEvents{},
	}
	f.tracker = qcstep.NewTracker(f.store, f.sched, f.events, nil, opts)
	return f
}

func scanOf(key, sessionID, userID string) qcstep.Scan {
	return qcstep.Scan{Key: key, SessionID: sessionID, UserID: userID, ScanRef: "ref-" + key}
}

func (f *trackerFixture) expectStart(key, stepID string) {
	f.store.On("StartQCStep", mock.Anything, mock.MatchedBy(func(rec qcstep.StartRecord) bool {
		return rec.Key == key
	})).Return(stepID, nil).Once()
}

func (f *trackerFixture) expectComplete(key string) {
	f.store.On("CompleteQCStep", mock.Anything, mock.MatchedBy(func(rec qcstep.CompleteRecord) bool {
		return rec.Key == key
	})).Return(&qcstep.Completion{StepID: "step-" + key}, nil).Once()
}

func TestTracker_DoubleScanCycle(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{
		Estimator:                   qcstep.NewEstimator(15, nil, nil, nil),
		TerminalGrace:               3 * time.Second,
		ResetSessionAfterCompletion: true,
	})
	f.expectStart("ABC123", "step-1")
	f.expectComplete("ABC123")
	f.expectStart("ABC123", "step-2")

	out, err := f.tracker.ProcessScan(ctx, scanOf("ABC123", "s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, qcstep.ActionStarted, out.Action)
	assert.Equal(t, "step-1", out.Step.ID)
	assert.Equal(t, 15, out.Step.EstimatedMinutes)
	assert.Equal(t, qcstep.StatusActive, out.Step.Status)
	assert.Equal(t, 1, f.tracker.LiveCount())

	f.clock.Advance(16 * time.Minute)
	out, err = f.tracker.ProcessScan(ctx, scanOf("ABC123", "s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, qcstep.ActionCompleted, out.Action)
	assert.Equal(t, 16, out.DurationMinutes)
	assert.True(t, out.ScheduleReset)
	assert.Zero(t, f.tracker.LiveCount())

	// Still visible during the grace period.
	step, ok := f.tracker.Get("ABC123")
	require.True(t, ok)
	assert.Equal(t, qcstep.StatusCompleted, step.Status)

	// A third scan during grace starts a fresh cycle.
	out, err = f.tracker.ProcessScan(ctx, scanOf("ABC123", "s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, qcstep.ActionStarted, out.Action)
	assert.Equal(t, "step-2", out.Step.ID)
	assert.False(t, f.sched.Pending(scheduler.PurgeTask("ABC123")))

	assert.Equal(t, 2, f.events.count(events.StepStarted))
	assert.Equal(t, 1, f.events.count(events.StepCompleted))
	f.store.AssertExpectations(t)
}

func TestTracker_TerminalGracePurge(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{TerminalGrace: 3 * time.Second})
	f.expectStart("K1", "step-1")
	f.expectComplete("K1")

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)
	_, err = f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)

	f.clock.Advance(3 * time.Second)
	f.sched.RunDue()
	_, ok := f.tracker.Get("K1")
	assert.False(t, ok)
}

func TestTracker_ConflictAcrossSessions(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)

	_, err = f.tracker.ProcessScan(ctx, scanOf("K1", "s2", "u2"))
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, apperr.KindOf(err).Informational())

	step, ok := f.tracker.Get("K1")
	require.True(t, ok)
	assert.Equal(t, "s1", step.SessionID)
	assert.Equal(t, qcstep.StatusActive, step.Status)
}

func TestTracker_CapacityPerSessionAndGlobal(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{MaxParallelPerSession: 1, MaxParallelGlobal: 2})
	f.expectStart("K1", "step-1")
	f.expectStart("K3", "step-3")

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)

	_, err = f.tracker.ProcessScan(ctx, scanOf("K2", "s1", "u1"))
	require.ErrorIs(t, err, apperr.ErrCapacity)

	_, err = f.tracker.ProcessScan(ctx, scanOf("K3", "s2", "u2"))
	require.NoError(t, err)

	_, err = f.tracker.ProcessScan(ctx, scanOf("K4", "s3", "u3"))
	require.ErrorIs(t, err, apperr.ErrCapacity)

	step, ok := f.tracker.Get("K1")
	require.True(t, ok)
	assert.Equal(t, qcstep.StatusActive, step.Status)
	_, ok = f.tracker.Get("K2")
	assert.False(t, ok)
	f.store.AssertNotCalled(t, "StartQCStep", mock.Anything, mock.MatchedBy(func(rec qcstep.StartRecord) bool {
		return rec.Key == "K2" || rec.Key == "K4"
	}))
}

func TestTracker_MarkOverdueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")
	f.expectComplete("K1")

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)

	f.clock.Advance(21 * time.Minute)
	assert.True(t, f.tracker.MarkOverdue("K1"))
	assert.False(t, f.tracker.MarkOverdue("K1"))
	assert.False(t, f.tracker.MarkOverdue("missing"))
	assert.Equal(t, 1, f.events.count(events.StepOverdue))

	out, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, qcstep.ActionCompleted, out.Action)
	assert.Equal(t, 21, out.DurationMinutes)
}

func TestTracker_CompleteFailureMovesToError(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{ResetSessionAfterCompletion: true})
	f.expectStart("K1", "step-1")
	f.store.On("CompleteQCStep", mock.Anything, mock.Anything).Return(nil, errors.New("database is locked"))

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)
	f.sched.At(scheduler.DeadlineTask("K1"), f.clock.Now().Add(20*time.Minute), func(time.Time) {})

	_, err = f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.ErrorIs(t, err, apperr.ErrPersistence)
	f.store.AssertNumberOfCalls(t, "CompleteQCStep", 2)

	step, ok := f.tracker.Get("K1")
	require.True(t, ok)
	assert.Equal(t, qcstep.StatusError, step.Status)
	assert.Contains(t, step.Metadata["error"], "database is locked")
	assert.False(t, f.sched.Pending(scheduler.DeadlineTask("K1")))
	assert.True(t, f.tracker.HasUnresolved("s1"))
	assert.Equal(t, 1, f.events.count(events.StepFailed))

	// Rescanning an error-state key is rejected until reset.
	_, err = f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.ErrorIs(t, err, apperr.ErrConflict)

	f.store.On("AbortQCStep", mock.Anything, "K1", "reset", mock.Anything).Return(true, nil).Once()
	ok, err = f.tracker.ResetStep(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.tracker.HasUnresolved("s1"))
	f.store.AssertExpectations(t)
}

func TestTracker_CompleteInterruptedKeepsStepInProgress(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")
	f.store.On("CompleteQCStep", mock.Anything, mock.Anything).Return(nil, context.Canceled).Once()

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)
	f.sched.At(scheduler.DeadlineTask("K1"), f.clock.Now().Add(20*time.Minute), func(time.Time) {})

	_, err = f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.ErrorIs(t, err, context.Canceled)
	f.store.AssertNumberOfCalls(t, "CompleteQCStep", 1)

	step, ok := f.tracker.Get("K1")
	require.True(t, ok)
	assert.Equal(t, qcstep.StatusActive, step.Status)
	assert.True(t, f.sched.Pending(scheduler.DeadlineTask("K1")))
	assert.Zero(t, f.events.count(events.StepFailed))

	f.expectComplete("K1")
	out, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, qcstep.ActionCompleted, out.Action)
}

func TestTracker_ResetKeepsStepWhenAbortFails(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")
	f.store.On("CompleteQCStep", mock.Anything, mock.Anything).Return(nil, errors.New("database is locked"))
	f.store.On("AbortQCStep", mock.Anything, "K1", "reset", mock.Anything).Return(false, errors.New("disk I/O error")).Twice()

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)
	_, err = f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.ErrorIs(t, err, apperr.ErrPersistence)

	ok, err := f.tracker.ResetStep(ctx, "K1")
	require.ErrorIs(t, err, apperr.ErrPersistence)
	assert.False(t, ok)
	step, found := f.tracker.Get("K1")
	require.True(t, found)
	assert.Equal(t, qcstep.StatusError, step.Status)

	f.store.On("AbortQCStep", mock.Anything, "K1", "reset", mock.Anything).Return(true, nil).Once()
	ok, err = f.tracker.ResetStep(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, ok)
	_, found = f.tracker.Get("K1")
	assert.False(t, found)
	f.store.AssertExpectations(t)
}

func TestTracker_ResetLiveStepRejected(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")
	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)

	ok, err := f.tracker.ResetStep(ctx, "K1")
	require.ErrorIs(t, err, qcstep.ErrInvalidTransition)
	assert.False(t, ok)

	ok, err = f.tracker.ResetStep(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_AbortAllForSession(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")
	f.expectStart("K2", "step-2")
	f.expectStart("K3", "step-3")
	f.store.On("AbortQCStep", mock.Anything, mock.Anything, "session ended", mock.Anything).Return(true, nil)

	for _, s := range []qcstep.Scan{scanOf("K1", "s1", "u1"), scanOf("K2", "s1", "u1"), scanOf("K3", "s2", "u2")} {
		_, err := f.tracker.ProcessScan(ctx, s)
		require.NoError(t, err)
		f.sched.At(scheduler.DeadlineTask(s.Key), f.clock.Now().Add(20*time.Minute), func(time.Time) {})
	}

	n, err := f.tracker.AbortAllForSession(ctx, "s1", "session ended")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, f.tracker.LiveCountForSession("s1"))
	assert.Equal(t, 1, f.tracker.LiveCount())
	assert.False(t, f.sched.Pending(scheduler.DeadlineTask("K1")))
	assert.False(t, f.sched.Pending(scheduler.DeadlineTask("K2")))
	assert.True(t, f.sched.Pending(scheduler.DeadlineTask("K3")))
	assert.Equal(t, 2, f.events.count(events.StepAborted))

	n, err = f.tracker.AbortAllForSession(ctx, "s1", "session ended")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTracker_AbortFailureMovesToError(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{TerminalGrace: 3 * time.Second})
	f.expectStart("K1", "step-1")
	f.store.On("AbortQCStep", mock.Anything, "K1", "logout", mock.Anything).Return(false, errors.New("disk I/O error")).Twice()

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)

	n, err := f.tracker.AbortAllForUser(ctx, "u1", "logout")
	assert.Zero(t, n)
	require.ErrorIs(t, err, apperr.ErrPersistence)
	assert.Zero(t, f.tracker.LiveCount())

	step, ok := f.tracker.Get("K1")
	require.True(t, ok)
	assert.Equal(t, qcstep.StatusError, step.Status)
	assert.Equal(t, "logout", step.Metadata["abort_reason"])
	assert.Contains(t, step.Metadata["error"], "disk I/O error")
	assert.True(t, f.tracker.HasUnresolved("s1"))
	assert.False(t, f.sched.Pending(scheduler.PurgeTask("K1")))
	assert.Zero(t, f.events.count(events.StepAborted))
	assert.Equal(t, 1, f.events.count(events.StepFailed))

	// The purge window passing does not drop an unpersisted abort.
	f.clock.Advance(time.Minute)
	f.sched.RunDue()
	_, ok = f.tracker.Get("K1")
	require.True(t, ok)

	// Reset re-issues the abort with the original reason.
	f.store.On("AbortQCStep", mock.Anything, "K1", "logout", mock.Anything).Return(true, nil).Once()
	ok, err = f.tracker.ResetStep(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.tracker.HasUnresolved("s1"))
	f.store.AssertExpectations(t)
}

func TestTracker_AbortReportsFailure(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")
	f.store.On("AbortQCStep", mock.Anything, "K1", "operator", mock.Anything).Return(false, errors.New("disk I/O error")).Twice()

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)

	aborted, err := f.tracker.Abort(ctx, "K1", "operator")
	require.ErrorIs(t, err, apperr.ErrPersistence)
	assert.False(t, aborted)

	// A second abort finds nothing in progress.
	aborted, err = f.tracker.Abort(ctx, "K1", "operator")
	require.NoError(t, err)
	assert.False(t, aborted)
}

func TestTracker_AbortAllRetriesErrorSteps(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t, qcstep.Options{})
	f.expectStart("K1", "step-1")
	f.store.On("CompleteQCStep", mock.Anything, mock.Anything).Return(nil, errors.New("database is locked"))
	f.store.On("AbortQCStep", mock.Anything, "K1", "reset", mock.Anything).Return(true, nil).Once()

	_, err := f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.NoError(t, err)
	_, err = f.tracker.ProcessScan(ctx, scanOf("K1", "s1", "u1"))
	require.Error(t, err)

	n, err := f.tracker.AbortAllForSession(ctx, "s1", "session ended")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := f.tracker.Get("K1")
	assert.False(t, ok)
	f.store.AssertExpectations(t)
}

func TestTracker_Restore(t *testing.T) {
	f := newTrackerFixture(t, qcstep.Options{Estimator: qcstep.NewEstimator(15, nil, nil, nil)})
	start := f.clock.Now().Add(-10 * time.Minute)

	added := f.tracker.Restore([]qcstep.Step{
		{ID: "step-1", Key: "K1", SessionID: "s1", UserID: "u1", StartTime: start, Status: qcstep.StatusActive, EstimatedMinutes: 15},
		{ID: "step-2", Key: "K2", SessionID: "s1", UserID: "u1", StartTime: start, Status: qcstep.StatusOverdue},
		{ID: "dup", Key: "K1", SessionID: "s1", UserID: "u1", StartTime: start, Status: qcstep.StatusActive},
	})
	require.Len(t, added, 2)
	assert.Equal(t, 15, added[1].EstimatedMinutes)
	assert.Equal(t, 2, f.tracker.LiveCountForSession("s1"))

	live := f.tracker.Live()
	require.Len(t, live, 2)
	assert.Equal(t, "K1", live[0].Key)
	assert.Equal(t, qcstep.StatusOverdue, live[1].Status)
}
