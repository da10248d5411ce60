package workflow

import (
	"time"

	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/rpggio/qcflow/internal/scheduler"
)

// armDeadline schedules the overdue transition for an active step. A deadline
// already in the past fires on the next loop iteration.
func (e *Engine) armDeadline(step qcstep.Step) {
	key := step.Key
	stepID := step.ID
	at := step.OverdueAt(e.opts.OverdueTolerance)
	e.sched.At(scheduler.DeadlineTask(key), at, func(time.Time) {
		// The key may have been restarted since; only the armed step goes overdue.
		if current, ok := e.tracker.Get(key); ok && current.ID == stepID {
			e.tracker.MarkOverdue(key)
		}
	})
}

func (e *Engine) armSweep() {
	if e.sched.Pending(scheduler.SweepTask) {
		return
	}
	e.sched.After(scheduler.SweepTask, e.opts.SweepInterval, e.sweep)
}

// sweep re-checks every active step against its overdue threshold in case a
// per-step deadline was lost. MarkOverdue is a no-op for steps already overdue.
func (e *Engine) sweep(now time.Time) {
	marked := 0
	for _, step := range e.tracker.Live() {
		if step.Status != qcstep.StatusActive {
			continue
		}
		if !now.Before(step.OverdueAt(e.opts.OverdueTolerance)) && e.tracker.MarkOverdue(step.Key) {
			marked++
		}
	}
	if marked > 0 {
		e.logger.Info("overdue sweep", "marked", marked)
	}
	e.sched.After(scheduler.SweepTask, e.opts.SweepInterval, e.sweep)
}

// scheduleReset arms the delayed end of a session whose QC work is done.
func (e *Engine) scheduleReset(sessionID, userID string) {
	at := e.sched.After(scheduler.ResetTask(sessionID), e.opts.AutoResetDelay, func(time.Time) {
		e.executeReset(sessionID)
	})
	e.logger.Info("auto-reset scheduled", "session_id", sessionID, "at", at)
	e.publish(events.Event{
		Type:      events.AutoResetScheduled,
		SessionID: sessionID,
		UserID:    userID,
		Message:   "session ends at " + at.Format(time.RFC3339),
	})
}

func (e *Engine) cancelReset(sessionID, reason string) {
	if !e.sched.Cancel(scheduler.ResetTask(sessionID)) {
		return
	}
	e.logger.Info("auto-reset cancelled", "session_id", sessionID, "reason", reason)
	e.publish(events.Event{
		Type:      events.AutoResetCancelled,
		SessionID: sessionID,
		Reason:    reason,
	})
}

func (e *Engine) executeReset(sessionID string) {
	sess, ok := e.registry.Get(sessionID)
	if !ok {
		return
	}
	if e.tracker.HasUnresolved(sessionID) {
		e.logger.Info("auto-reset skipped, session has unresolved qc steps", "session_id", sessionID)
		e.publish(events.Event{
			Type:      events.AutoResetCancelled,
			SessionID: sessionID,
			UserID:    sess.UserID,
			Reason:    "qc work pending",
		})
		return
	}

	ended, err := e.registry.End(e.loopCtx, sessionID, "auto-reset")
	if err != nil {
		e.logger.Error("auto-reset failed", "session_id", sessionID, "error", err)
		return
	}
	if ended {
		e.publish(events.Event{
			Type:            events.AutoResetExecuted,
			SessionID:       sessionID,
			UserID:          sess.UserID,
			SessionType:     sess.SessionType,
			DurationMinutes: sess.DurationMinutes(e.clock.Now()),
		})
	}
}
