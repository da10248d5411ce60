package workflow

import (
	"context"
	"strings"

	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/scheduler"
)

// BeginSession opens a session for userID. types overrides the configured
// priority list when non-empty.
func (e *Engine) BeginSession(ctx context.Context, userID string, types []string, closeExisting bool) (*session.CreateResult, error) {
	var (
		res   *session.CreateResult
		opErr error
	)
	if err := e.exec(ctx, func(ctx context.Context) {
		res, opErr = e.registry.Create(ctx, userID, types, closeExisting)
	}); err != nil {
		return nil, err
	}
	return res, opErr
}

// RestartSession replaces the user's session, as when the same badge is scanned again.
func (e *Engine) RestartSession(ctx context.Context, userID string) (*session.CreateResult, error) {
	var (
		res   *session.CreateResult
		opErr error
	)
	if err := e.exec(ctx, func(ctx context.Context) {
		res, opErr = e.registry.Restart(ctx, userID)
	}); err != nil {
		return nil, err
	}
	return res, opErr
}

// EndSession ends a session and aborts its QC steps. It reports false when
// the session was not active.
func (e *Engine) EndSession(ctx context.Context, sessionID, reason string) (bool, error) {
	var (
		ended bool
		opErr error
	)
	if err := e.exec(ctx, func(ctx context.Context) {
		ended, opErr = e.registry.End(ctx, strings.TrimSpace(sessionID), reason)
	}); err != nil {
		return false, err
	}
	return ended, opErr
}

// Logout aborts every step the user owns and ends their session.
func (e *Engine) Logout(ctx context.Context, userID string) (bool, error) {
	var (
		ended bool
		opErr error
	)
	if err := e.exec(ctx, func(ctx context.Context) {
		if _, err := e.tracker.AbortAllForUser(ctx, userID, "logout"); err != nil {
			e.logger.Warn("aborting qc steps on logout", "user_id", userID, "error", err)
		}
		sess, ok := e.registry.GetActive(userID)
		if !ok {
			return
		}
		ended, opErr = e.registry.End(ctx, sess.ID, "logout")
	}); err != nil {
		return false, err
	}
	return ended, opErr
}

// ActiveSession returns the user's active session.
func (e *Engine) ActiveSession(ctx context.Context, userID string) (session.Session, bool, error) {
	var (
		sess session.Session
		ok   bool
	)
	err := e.exec(ctx, func(context.Context) {
		sess, ok = e.registry.GetActive(userID)
	})
	return sess, ok, err
}

// ActiveSessions lists every active session.
func (e *Engine) ActiveSessions(ctx context.Context) ([]session.Session, error) {
	var list []session.Session
	err := e.exec(ctx, func(context.Context) {
		list = e.registry.Active()
	})
	return list, err
}

// Steps lists tracked steps, including finished steps still in their grace
// period and error-state steps. An empty sessionID lists all sessions.
func (e *Engine) Steps(ctx context.Context, sessionID string) ([]qcstep.Step, error) {
	var list []qcstep.Step
	err := e.exec(ctx, func(context.Context) {
		for _, step := range e.tracker.Steps() {
			if sessionID == "" || step.SessionID == sessionID {
				list = append(list, step)
			}
		}
	})
	return list, err
}

// AbortStep aborts the in-progress step for key. It reports false when none exists.
func (e *Engine) AbortStep(ctx context.Context, key, reason string) (bool, error) {
	var (
		aborted bool
		opErr   error
	)
	if err := e.exec(ctx, func(ctx context.Context) {
		key = strings.TrimSpace(key)
		step, ok := e.tracker.Get(key)
		aborted, opErr = e.tracker.Abort(ctx, key, reason)
		if aborted && ok && e.opts.AutoResetAfterQC && !e.tracker.HasUnresolved(step.SessionID) {
			e.scheduleReset(step.SessionID, step.UserID)
		}
	}); err != nil {
		return false, err
	}
	return aborted, opErr
}

// ResetStep clears a finished or error-state step so the key can start again.
func (e *Engine) ResetStep(ctx context.Context, key string) (bool, error) {
	var (
		reset bool
		opErr error
	)
	if err := e.exec(ctx, func(ctx context.Context) {
		key = strings.TrimSpace(key)
		if key == "" {
			opErr = apperr.Wrap(apperr.KindValidation, "reset qc step", "scan key is required", qcstep.ErrInvalidInput)
			return
		}
		reset, opErr = e.tracker.ResetStep(ctx, key)
	}); err != nil {
		return false, err
	}
	return reset, opErr
}

// Stats returns the running counters together with live gauges.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := e.exec(ctx, func(context.Context) {
		stats = e.stats.snapshot()
		stats.LiveSteps = e.tracker.LiveCount()
		stats.ActiveSessions = e.registry.Count()
		for _, sess := range e.registry.Active() {
			if e.sched.Pending(scheduler.ResetTask(sess.ID)) {
				stats.PendingResets++
			}
		}
	})
	return stats, err
}

// ResetPending reports whether an auto-reset is armed for the session.
func (e *Engine) ResetPending(ctx context.Context, sessionID string) (bool, error) {
	var pending bool
	err := e.exec(ctx, func(context.Context) {
		pending = e.sched.Pending(scheduler.ResetTask(sessionID))
	})
	return pending, err
}
