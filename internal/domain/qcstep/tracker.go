package qcstep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/rpggio/qcflow/internal/scheduler"
)

// Options configures a Tracker.
type Options struct {
	Estimator Estimator
	// MaxParallelPerSession caps in-progress steps per session; 0 means unlimited.
	MaxParallelPerSession int
	// MaxParallelGlobal caps in-progress steps across all sessions; 0 means unlimited.
	MaxParallelGlobal int
	// TerminalGrace keeps completed and aborted steps listed before removal.
	TerminalGrace time.Duration
	// ResetSessionAfterCompletion asks for an auto-reset once a session has no work left.
	ResetSessionAfterCompletion bool
}

// Tracker owns the scan key to live step mapping and applies the step state machine.
// It is not safe for concurrent use; the workflow engine serializes access.
type Tracker struct {
	store  Store
	sched  *scheduler.Scheduler
	events events.Publisher
	logger *slog.Logger
	opts   Options

	byKey map[string]*Step
}

// NewTracker creates a tracker. Deadline and purge tasks are managed on sched.
func NewTracker(store Store, sched *scheduler.Scheduler, publisher events.Publisher, logger *slog.Logger, opts Options) *Tracker {
	if publisher == nil {
		publisher = events.Discard
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Estimator.DefaultMinutes <= 0 {
		opts.Estimator = NewEstimator(opts.Estimator.DefaultMinutes, opts.Estimator.ByPriority,
			opts.Estimator.ByCategory, opts.Estimator.RushMarkers)
	}
	return &Tracker{
		store:  store,
		sched:  sched,
		events: publisher,
		logger: logger,
		opts:   opts,
		byKey:  make(map[string]*Step),
	}
}

// ProcessScan starts a step for an idle key or completes the live step for it.
func (t *Tracker) ProcessScan(ctx context.Context, scan Scan) (*Outcome, error) {
	const op = "process scan"
	scan.Key = strings.TrimSpace(scan.Key)
	if err := ValidateScan(scan); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op,
			fmt.Sprintf("scan needs a key of at most %d bytes, a session id and a user id", MaxKeyLength), err)
	}

	existing := t.byKey[scan.Key]
	if existing != nil && existing.SessionID != scan.SessionID && !existing.Status.Finished() {
		return nil, apperr.Wrap(apperr.KindConflict, op,
			fmt.Sprintf("key %s is live under session %s", scan.Key, existing.SessionID), ErrInvalidTransition)
	}

	switch {
	case existing == nil:
		return t.start(ctx, scan)
	case existing.Status.InProgress():
		return t.complete(ctx, existing, scan)
	case existing.Status == StatusError:
		return nil, apperr.Wrap(apperr.KindConflict, op,
			fmt.Sprintf("step for key %s is in error state and must be reset", scan.Key), ErrInvalidTransition)
	default:
		// Finished and still inside its grace period: the key starts a new cycle.
		t.remove(existing)
		return t.start(ctx, scan)
	}
}

func (t *Tracker) start(ctx context.Context, scan Scan) (*Outcome, error) {
	const op = "start qc step"
	if err := ValidateTransition(StatusIdle, StatusActive); err != nil {
		return nil, err
	}
	if limit := t.opts.MaxParallelPerSession; limit > 0 && t.LiveCountForSession(scan.SessionID) >= limit {
		return nil, apperr.New(apperr.KindCapacity, op,
			fmt.Sprintf("session %s already has %d steps in progress", scan.SessionID, limit))
	}
	if limit := t.opts.MaxParallelGlobal; limit > 0 && t.LiveCount() >= limit {
		return nil, apperr.New(apperr.KindCapacity, op,
			fmt.Sprintf("%d steps already in progress", limit))
	}

	minutes, priority, category := t.opts.Estimator.Estimate(scan.Key)
	now := t.sched.Clock().Now()
	rec := StartRecord{
		SessionID:        scan.SessionID,
		Key:              scan.Key,
		ScanRef:          scan.ScanRef,
		Priority:         priority,
		Category:         category,
		EstimatedMinutes: minutes,
		Location:         scan.Location,
		CreatorID:        scan.UserID,
		StartedAt:        now,
	}

	var stepID string
	err := apperr.Retry(ctx, op, func() error {
		var err error
		stepID, err = t.store.StartQCStep(ctx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}

	step := &Step{
		ID:               stepID,
		Key:              scan.Key,
		SessionID:        scan.SessionID,
		UserID:           scan.UserID,
		ScanRef:          scan.ScanRef,
		Location:         scan.Location,
		StartTime:        now,
		EstimatedMinutes: minutes,
		Priority:         priority,
		Category:         category,
		Status:           StatusActive,
	}
	t.byKey[scan.Key] = step

	t.logger.Info("qc step started",
		"scan_key", scan.Key, "step_id", stepID, "session_id", scan.SessionID,
		"estimated_minutes", minutes, "priority", priority)
	t.events.Publish(events.Event{
		Type:             events.StepStarted,
		At:               now,
		SessionID:        step.SessionID,
		UserID:           step.UserID,
		Key:              step.Key,
		StepID:           step.ID,
		EstimatedMinutes: minutes,
		Message:          string(priority),
	})
	return &Outcome{Action: ActionStarted, Step: step.clone()}, nil
}

func (t *Tracker) complete(ctx context.Context, step *Step, scan Scan) (*Outcome, error) {
	const op = "complete qc step"
	if err := ValidateTransition(step.Status, StatusCompleted); err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, op, "step cannot be completed", err)
	}

	now := t.sched.Clock().Now()
	rec := CompleteRecord{
		Key:         step.Key,
		ScanRef:     scan.ScanRef,
		CompleterID: scan.UserID,
		Details:     scan.Details,
		CompletedAt: now,
	}

	err := apperr.Retry(ctx, op, func() error {
		_, err := t.store.CompleteQCStep(ctx, rec)
		return err
	})
	if err != nil {
		if !interrupted(err) {
			t.fail(step, now, err)
		}
		return nil, err
	}

	t.sched.Cancel(scheduler.DeadlineTask(step.Key))
	step.Status = StatusCompleted
	step.EndTime = &now
	step.DurationMinutes = Minutes(step.Elapsed(now))
	t.schedulePurge(step)

	scheduleReset := t.opts.ResetSessionAfterCompletion && !t.HasUnresolved(step.SessionID)

	t.logger.Info("qc step completed",
		"scan_key", step.Key, "step_id", step.ID, "session_id", step.SessionID,
		"duration_minutes", step.DurationMinutes)
	t.events.Publish(events.Event{
		Type:            events.StepCompleted,
		At:              now,
		SessionID:       step.SessionID,
		UserID:          step.UserID,
		Key:             step.Key,
		StepID:          step.ID,
		DurationMinutes: step.DurationMinutes,
	})
	return &Outcome{
		Action:          ActionCompleted,
		Step:            step.clone(),
		DurationMinutes: step.DurationMinutes,
		ScheduleReset:   scheduleReset,
	}, nil
}

// fail moves an in-progress step to the error state after a failed durable write.
func (t *Tracker) fail(step *Step, now time.Time, cause error) {
	if err := ValidateTransition(step.Status, StatusError); err != nil {
		return
	}
	t.sched.Cancel(scheduler.DeadlineTask(step.Key))
	step.Status = StatusError
	step.EndTime = &now
	if step.Metadata == nil {
		step.Metadata = make(map[string]string)
	}
	step.Metadata["error"] = cause.Error()

	t.logger.Error("qc step failed",
		"scan_key", step.Key, "step_id", step.ID, "session_id", step.SessionID, "error", cause)
	t.events.Publish(events.Event{
		Type:      events.StepFailed,
		At:        now,
		SessionID: step.SessionID,
		UserID:    step.UserID,
		Key:       step.Key,
		StepID:    step.ID,
		Message:   cause.Error(),
	})
}

// MarkOverdue moves an active step to overdue. It reports false when the key
// has no active step, which makes repeated deadline and sweep firings no-ops.
func (t *Tracker) MarkOverdue(key string) bool {
	step := t.byKey[key]
	if step == nil || step.Status != StatusActive {
		return false
	}
	if err := ValidateTransition(step.Status, StatusOverdue); err != nil {
		return false
	}
	now := t.sched.Clock().Now()
	step.Status = StatusOverdue
	elapsed := Minutes(step.Elapsed(now))

	t.logger.Warn("qc step overdue",
		"scan_key", key, "step_id", step.ID, "session_id", step.SessionID,
		"elapsed_minutes", elapsed, "estimated_minutes", step.EstimatedMinutes)
	t.events.Publish(events.Event{
		Type:             events.StepOverdue,
		At:               now,
		SessionID:        step.SessionID,
		UserID:           step.UserID,
		Key:              key,
		StepID:           step.ID,
		EstimatedMinutes: step.EstimatedMinutes,
		DurationMinutes:  elapsed,
	})
	return true
}

// Abort aborts the in-progress step for key. It reports false when none exists.
// A step whose abort cannot be stored moves to the error state and stays
// listed until ResetStep stores the abort.
func (t *Tracker) Abort(ctx context.Context, key, reason string) (bool, error) {
	step := t.byKey[key]
	if step == nil || !step.Status.InProgress() {
		return false, nil
	}
	if err := t.abort(ctx, step, reason); err != nil {
		return false, err
	}
	return true, nil
}

// AbortAllForSession aborts every in-progress step of a session and clears its
// error-state steps. It returns the number of steps aborted.
func (t *Tracker) AbortAllForSession(ctx context.Context, sessionID, reason string) (int, error) {
	return t.abortWhere(ctx, reason, func(s *Step) bool { return s.SessionID == sessionID })
}

// AbortAllForUser aborts every in-progress step owned by a user.
func (t *Tracker) AbortAllForUser(ctx context.Context, userID, reason string) (int, error) {
	return t.abortWhere(ctx, reason, func(s *Step) bool { return s.UserID == userID })
}

// AbortAll aborts every in-progress step.
func (t *Tracker) AbortAll(ctx context.Context, reason string) (int, error) {
	return t.abortWhere(ctx, reason, func(*Step) bool { return true })
}

func (t *Tracker) abortWhere(ctx context.Context, reason string, match func(*Step) bool) (int, error) {
	var errs []error
	count := 0
	for _, step := range t.sortedSteps() {
		if !match(step) {
			continue
		}
		switch {
		case step.Status.InProgress():
			if err := t.abort(ctx, step, reason); err != nil {
				errs = append(errs, err)
				continue
			}
			count++
		case step.Status == StatusError:
			if _, err := t.ResetStep(ctx, step.Key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return count, errors.Join(errs...)
}

func (t *Tracker) abort(ctx context.Context, step *Step, reason string) error {
	const op = "abort qc step"
	if err := ValidateTransition(step.Status, StatusAborted); err != nil {
		return err
	}
	now := t.sched.Clock().Now()

	err := apperr.Retry(ctx, op, func() error {
		_, err := t.store.AbortQCStep(ctx, step.Key, reason, now)
		return err
	})
	if err != nil {
		if !interrupted(err) {
			t.fail(step, now, err)
			step.Metadata["abort_reason"] = reason
		}
		return err
	}

	t.sched.Cancel(scheduler.DeadlineTask(step.Key))
	step.Status = StatusAborted
	step.EndTime = &now
	step.DurationMinutes = Minutes(step.Elapsed(now))
	t.schedulePurge(step)

	t.logger.Info("qc step aborted",
		"scan_key", step.Key, "step_id", step.ID, "session_id", step.SessionID, "reason", reason)
	t.events.Publish(events.Event{
		Type:            events.StepAborted,
		At:              now,
		SessionID:       step.SessionID,
		UserID:          step.UserID,
		Key:             step.Key,
		StepID:          step.ID,
		DurationMinutes: step.DurationMinutes,
		Reason:          reason,
	})
	return nil
}

// ResetStep clears a finished or error-state step so its key is idle again.
// An error-state step is aborted in the store first; it stays tracked when
// that write fails.
func (t *Tracker) ResetStep(ctx context.Context, key string) (bool, error) {
	const op = "reset qc step"
	step := t.byKey[key]
	if step == nil {
		return false, nil
	}
	if err := ValidateTransition(step.Status, StatusIdle); err != nil {
		return false, apperr.Wrap(apperr.KindConflict, op,
			fmt.Sprintf("step for key %s is still %s", key, step.Status), err)
	}
	if step.Status == StatusError {
		reason := step.Metadata["abort_reason"]
		if reason == "" {
			reason = "reset"
		}
		now := t.sched.Clock().Now()
		err := apperr.Retry(ctx, op, func() error {
			_, err := t.store.AbortQCStep(ctx, key, reason, now)
			return err
		})
		if err != nil {
			t.logger.Error("persisting qc step reset", "scan_key", key, "step_id", step.ID, "error", err)
			return false, err
		}
	}
	t.remove(step)
	return true, nil
}

// Get returns the tracked step for key, including finished steps inside their grace period.
func (t *Tracker) Get(key string) (Step, bool) {
	step := t.byKey[key]
	if step == nil {
		return Step{}, false
	}
	return step.clone(), true
}

// Steps lists every tracked step ordered by start time.
func (t *Tracker) Steps() []Step {
	sorted := t.sortedSteps()
	out := make([]Step, 0, len(sorted))
	for _, step := range sorted {
		out = append(out, step.clone())
	}
	return out
}

// Live lists in-progress steps ordered by start time.
func (t *Tracker) Live() []Step {
	var out []Step
	for _, step := range t.sortedSteps() {
		if step.Status.InProgress() {
			out = append(out, step.clone())
		}
	}
	return out
}

// LiveCount returns the number of in-progress steps.
func (t *Tracker) LiveCount() int {
	n := 0
	for _, step := range t.byKey {
		if step.Status.InProgress() {
			n++
		}
	}
	return n
}

// LiveCountForSession returns the number of in-progress steps of a session.
func (t *Tracker) LiveCountForSession(sessionID string) int {
	n := 0
	for _, step := range t.byKey {
		if step.SessionID == sessionID && step.Status.InProgress() {
			n++
		}
	}
	return n
}

// HasUnresolved reports whether a session still has in-progress or error-state steps.
func (t *Tracker) HasUnresolved(sessionID string) bool {
	for _, step := range t.byKey {
		if step.SessionID == sessionID && (step.Status.InProgress() || step.Status == StatusError) {
			return true
		}
	}
	return false
}

// Restore adds persisted in-progress steps to the live map. Keys already
// tracked are skipped. It returns the steps that were added.
func (t *Tracker) Restore(steps []Step) []Step {
	var added []Step
	for i := range steps {
		step := steps[i].clone()
		if step.Key == "" || t.byKey[step.Key] != nil {
			continue
		}
		if !step.Status.InProgress() {
			step.Status = StatusActive
		}
		if step.EstimatedMinutes <= 0 {
			step.EstimatedMinutes = t.opts.Estimator.DefaultMinutes
		}
		t.byKey[step.Key] = &step
		added = append(added, step.clone())
	}
	return added
}

func (t *Tracker) schedulePurge(step *Step) {
	if t.opts.TerminalGrace <= 0 {
		t.remove(step)
		return
	}
	key := step.Key
	t.sched.After(scheduler.PurgeTask(key), t.opts.TerminalGrace, func(time.Time) {
		if t.byKey[key] == step && step.Status.Finished() {
			delete(t.byKey, key)
		}
	})
}

func (t *Tracker) remove(step *Step) {
	t.sched.Cancel(scheduler.PurgeTask(step.Key))
	if t.byKey[step.Key] == step {
		delete(t.byKey, step.Key)
	}
}

func (t *Tracker) sortedSteps() []*Step {
	out := make([]*Step, 0, len(t.byKey))
	for _, step := range t.byKey {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].Key < out[j].Key
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// interrupted reports whether err came from a cancelled or expired context
// rather than from the store.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
