package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/events"
)

// DefaultTypePriority is used when no priority list is configured.
var DefaultTypePriority = []string{"Inspection"}

// Options configures a Registry.
type Options struct {
	// TypePriority is the ordered list of session types tried when opening a session.
	TypePriority []string
}

// Registry owns the user to active session mapping.
// It is not safe for concurrent use; the workflow engine serializes access.
type Registry struct {
	store   Store
	steps   StepAborter
	limiter Limiter
	events  events.Publisher
	clock   clockwork.Clock
	logger  *slog.Logger
	opts    Options

	byUser map[string]*Session
	byID   map[string]*Session
}

// NewRegistry creates a registry. steps may be nil until SetStepAborter is called.
func NewRegistry(
	store Store,
	steps StepAborter,
	limiter Limiter,
	publisher events.Publisher,
	clock clockwork.Clock,
	logger *slog.Logger,
	opts Options,
) *Registry {
	if publisher == nil {
		publisher = events.Discard
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(opts.TypePriority) == 0 {
		opts.TypePriority = DefaultTypePriority
	}
	return &Registry{
		store:   store,
		steps:   steps,
		limiter: limiter,
		events:  publisher,
		clock:   clock,
		logger:  logger,
		opts:    opts,
		byUser:  make(map[string]*Session),
		byID:    make(map[string]*Session),
	}
}

// SetStepAborter sets the component that releases QC steps when a session ends.
func (r *Registry) SetStepAborter(steps StepAborter) {
	r.steps = steps
}

// TypePriority returns the configured session type order.
func (r *Registry) TypePriority() []string {
	return append([]string(nil), r.opts.TypePriority...)
}

// Create opens a session for userID, trying each type in order. An empty types
// list uses the configured priority. With closeExisting, an active session for
// the user is ended first; otherwise an active session is a conflict.
func (r *Registry) Create(ctx context.Context, userID string, types []string, closeExisting bool) (*CreateResult, error) {
	const op = "create session"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Wrap(apperr.KindValidation, op, "user id is required", ErrInvalidInput)
	}
	if len(types) == 0 {
		types = r.opts.TypePriority
	}

	var replaced string
	if existing := r.byUser[userID]; existing != nil {
		if !closeExisting {
			return nil, apperr.New(apperr.KindConflict, op,
				fmt.Sprintf("user %s already has active session %s", userID, existing.ID))
		}
		replaced = existing.ID
		if _, err := r.End(ctx, existing.ID, "replaced"); err != nil {
			return nil, err
		}
	}

	res, err := r.openFirst(ctx, userID, types)
	if err != nil {
		return nil, err
	}
	res.Replaced = replaced
	r.publishOpened(events.SessionCreated, res)
	return res, nil
}

// Restart replaces the user's current session with a fresh one. If the old
// session closes but no new one can be opened after a second attempt, the
// result is a consistency error and the user is left without a session.
func (r *Registry) Restart(ctx context.Context, userID string) (*CreateResult, error) {
	const op = "restart session"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Wrap(apperr.KindValidation, op, "user id is required", ErrInvalidInput)
	}

	existing := r.byUser[userID]
	if existing == nil {
		return r.Create(ctx, userID, nil, false)
	}
	previous := existing.ID
	if _, err := r.End(ctx, previous, "restart"); err != nil {
		return nil, err
	}

	res, err := r.openFirst(ctx, userID, r.opts.TypePriority)
	if err != nil {
		r.logger.Warn("reopen after restart failed, retrying", "user_id", userID, "error", err)
		res, err = r.openFirst(ctx, userID, r.opts.TypePriority)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConsistency, op,
			fmt.Sprintf("session %s closed but no replacement could be opened for user %s", previous, userID), err)
	}
	res.Replaced = previous
	r.publishOpened(events.SessionRestarted, res)
	return res, nil
}

// End closes a session. It aborts the session's QC steps before the session
// leaves the live map. Ending an unknown or already ended session returns false.
func (r *Registry) End(ctx context.Context, sessionID, reason string) (bool, error) {
	const op = "end session"
	sess := r.byID[sessionID]
	if sess == nil {
		return false, nil
	}

	aborted := 0
	if r.steps != nil {
		n, err := r.steps.AbortAllForSession(ctx, sessionID, "session ended")
		aborted = n
		if err != nil {
			r.logger.Warn("aborting steps for ending session", "session_id", sessionID, "error", err)
		}
	}

	now := r.clock.Now()
	err := apperr.Retry(ctx, op, func() error {
		_, err := r.store.CloseSession(ctx, sessionID, now)
		return err
	})
	if err != nil {
		return false, err
	}

	delete(r.byID, sessionID)
	if r.byUser[sess.UserID] == sess {
		delete(r.byUser, sess.UserID)
	}
	if r.limiter != nil {
		if err := r.limiter.Reset(ctx, sessionID); err != nil {
			r.logger.Warn("resetting scan window", "session_id", sessionID, "error", err)
		}
	}

	sess.Active = false
	sess.EndTime = &now
	if reason == "" {
		reason = "ended"
	}
	r.logger.Info("session ended",
		"session_id", sessionID, "user_id", sess.UserID, "reason", reason, "aborted_steps", aborted)
	r.events.Publish(events.Event{
		Type:            events.SessionEnded,
		At:              now,
		SessionID:       sessionID,
		UserID:          sess.UserID,
		SessionType:     sess.SessionType,
		DurationMinutes: sess.DurationMinutes(now),
		Reason:          reason,
		Message:         fmt.Sprintf("%d QC steps aborted", aborted),
	})
	return true, nil
}

// GetActive returns the user's active session.
func (r *Registry) GetActive(userID string) (Session, bool) {
	sess := r.byUser[userID]
	if sess == nil {
		return Session{}, false
	}
	return *sess, true
}

// Get returns an active session by id.
func (r *Registry) Get(sessionID string) (Session, bool) {
	sess := r.byID[sessionID]
	if sess == nil {
		return Session{}, false
	}
	return *sess, true
}

// Validate checks that sessionID is active and belongs to userID.
func (r *Registry) Validate(sessionID, userID string) (Session, error) {
	const op = "validate session"
	sess := r.byID[sessionID]
	if sess == nil || sess.UserID != userID {
		return Session{}, apperr.Wrap(apperr.KindNotFound, op,
			fmt.Sprintf("no active session %s for user %s", sessionID, userID), ErrSessionNotFound)
	}
	return *sess, nil
}

// Active lists active sessions ordered by start time.
func (r *Registry) Active() []Session {
	out := make([]Session, 0, len(r.byID))
	for _, sess := range r.byID {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	return len(r.byID)
}

// CheckRateLimit reports whether the session may accept another scan.
func (r *Registry) CheckRateLimit(ctx context.Context, sessionID string) (bool, error) {
	if r.limiter == nil {
		return true, nil
	}
	allowed, err := r.limiter.Check(ctx, sessionID, r.clock.Now())
	if err != nil {
		return false, apperr.Wrap(apperr.KindPersistence, "check rate limit", "scan window unavailable", err)
	}
	return allowed, nil
}

// RecordScan counts one accepted scan against the session's window.
func (r *Registry) RecordScan(ctx context.Context, sessionID string) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Record(ctx, sessionID, r.clock.Now()); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "record scan", "scan window unavailable", err)
	}
	return nil
}

// Restore rebuilds the live map from the store. When the store reports more
// than one active session for a user, the newest is kept and the rest closed.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	var loaded []Session
	err := apperr.Retry(ctx, "load active sessions", func() error {
		var err error
		loaded, err = r.store.LoadActiveSessions(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].StartTime.After(loaded[j].StartTime) })
	restored := 0
	for i := range loaded {
		sess := loaded[i]
		if r.byID[sess.ID] != nil {
			continue
		}
		if r.byUser[sess.UserID] != nil {
			r.logger.Warn("closing duplicate active session", "session_id", sess.ID, "user_id", sess.UserID)
			if _, err := r.store.CloseSession(ctx, sess.ID, r.clock.Now()); err != nil {
				r.logger.Error("closing duplicate session", "session_id", sess.ID, "error", err)
			}
			continue
		}
		sess.Active = true
		r.byID[sess.ID] = &sess
		r.byUser[sess.UserID] = &sess
		restored++
	}
	return restored, nil
}

func (r *Registry) openFirst(ctx context.Context, userID string, types []string) (*CreateResult, error) {
	const op = "open session"
	var (
		tried   []string
		lastErr error
		usable  bool
	)
	for i, sessionType := range types {
		sessionType = strings.TrimSpace(sessionType)
		if sessionType == "" {
			continue
		}
		tried = append(tried, sessionType)
		var opened *Session
		now := r.clock.Now()
		err := apperr.Retry(ctx, op, func() error {
			var err error
			opened, err = r.store.OpenSession(ctx, userID, sessionType, now)
			return err
		}, ErrNotAvailable)
		if err != nil {
			if errors.Is(err, ErrNotAvailable) {
				usable = true
				r.logger.Warn("session type not available", "user_id", userID, "session_type", sessionType)
			} else {
				r.logger.Warn("opening session failed", "user_id", userID, "session_type", sessionType, "error", err)
			}
			lastErr = err
			continue
		}

		sess := *opened
		sess.Active = true
		if sess.SessionType == "" {
			sess.SessionType = sessionType
		}
		if sess.StartTime.IsZero() {
			sess.StartTime = now
		}
		r.byID[sess.ID] = &sess
		r.byUser[userID] = &sess
		return &CreateResult{Session: sess, TypeUsed: sessionType, Fallback: i > 0}, nil
	}
	// Only store outages: report them as such rather than as a configuration problem.
	if lastErr != nil && !usable {
		return nil, lastErr
	}
	return nil, apperr.Wrap(apperr.KindConfiguration, op,
		fmt.Sprintf("no usable session type (tried %s)", strings.Join(tried, ", ")), lastErr)
}

func (r *Registry) publishOpened(typ events.Type, res *CreateResult) {
	msg := ""
	if res.Fallback {
		msg = "fallback session type " + res.TypeUsed
	}
	r.logger.Info("session opened",
		"session_id", res.Session.ID, "user_id", res.Session.UserID,
		"session_type", res.TypeUsed, "fallback", res.Fallback)
	r.events.Publish(events.Event{
		Type:              typ,
		At:                res.Session.StartTime,
		SessionID:         res.Session.ID,
		PreviousSessionID: res.Replaced,
		UserID:            res.Session.UserID,
		SessionType:       res.TypeUsed,
		Message:           msg,
	})
}
