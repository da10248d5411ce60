package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/scheduler"
)

// Action is the QC outcome of an accepted scan.
type Action string

const (
	ActionStarted   Action = "qc_started"
	ActionCompleted Action = "qc_completed"
)

// ScanEvent is one scan fed into the engine.
type ScanEvent struct {
	Key       string    `json:"key" validate:"required,max=512"`
	SessionID string    `json:"session_id" validate:"required"`
	UserID    string    `json:"user_id" validate:"required"`
	ScanRef   string    `json:"scan_ref,omitempty"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	Rating            *int    `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Notes             *string `json:"notes,omitempty"`
	DefectsFound      *int    `json:"defects_found,omitempty" validate:"omitempty,min=0"`
	DefectDescription *string `json:"defect_description,omitempty"`
	ReworkRequired    *bool   `json:"rework_required,omitempty"`
}

func (s ScanEvent) toScan() qcstep.Scan {
	return qcstep.Scan{
		Key:       strings.TrimSpace(s.Key),
		SessionID: strings.TrimSpace(s.SessionID),
		UserID:    strings.TrimSpace(s.UserID),
		ScanRef:   s.ScanRef,
		Location:  s.Location,
		ScannedAt: s.Timestamp,
		Details: qcstep.CompletionDetails{
			Rating:            s.Rating,
			Notes:             s.Notes,
			DefectsFound:      s.DefectsFound,
			DefectDescription: s.DefectDescription,
			ReworkRequired:    s.ReworkRequired,
		},
	}
}

// ScanResult is the structured outcome of HandleScan. Failures are reported
// through ErrorKind rather than returned as errors.
type ScanResult struct {
	Success          bool            `json:"success"`
	Action           Action          `json:"action,omitempty"`
	ErrorKind        apperr.Kind     `json:"error_kind,omitempty"`
	Message          string          `json:"message,omitempty"`
	Blocking         bool            `json:"blocking,omitempty"`
	Key              string          `json:"key"`
	SessionID        string          `json:"session_id"`
	StepID           string          `json:"step_id,omitempty"`
	EstimatedMinutes int             `json:"estimated_minutes,omitempty"`
	Priority         qcstep.Priority `json:"priority,omitempty"`
	DurationMinutes  int             `json:"duration_minutes,omitempty"`
	AutoSessionReset bool            `json:"auto_session_reset"`
}

func failedResult(scan qcstep.Scan, err error) ScanResult {
	kind := apperr.KindOf(err)
	return ScanResult{
		Success:   false,
		ErrorKind: kind,
		Message:   apperr.Message(err),
		Blocking:  kind.Blocking(),
		Key:       scan.Key,
		SessionID: scan.SessionID,
	}
}

// HandleScan validates the session, enforces the scan rate, and starts or
// completes the QC step for the scanned key.
func (e *Engine) HandleScan(ctx context.Context, evt ScanEvent) ScanResult {
	scan := evt.toScan()
	var result ScanResult
	if err := e.exec(ctx, func(ctx context.Context) {
		result = e.handleScan(ctx, scan)
	}); err != nil {
		return failedResult(scan, apperr.Wrap(apperr.KindPersistence, "handle scan", "engine unavailable", err))
	}
	return result
}

func (e *Engine) handleScan(ctx context.Context, scan qcstep.Scan) ScanResult {
	const op = "handle scan"
	if err := qcstep.ValidateScan(scan); err != nil {
		return failedResult(scan, apperr.Wrap(apperr.KindValidation, op,
			fmt.Sprintf("scan needs a key of at most %d bytes, a session id and a user id; rating must be 1-5",
				qcstep.MaxKeyLength), err))
	}
	if _, err := e.registry.Validate(scan.SessionID, scan.UserID); err != nil {
		return failedResult(scan, err)
	}

	allowed, err := e.registry.CheckRateLimit(ctx, scan.SessionID)
	if err != nil {
		return failedResult(scan, err)
	}
	if !allowed {
		e.logger.Info("scan rate limited", "session_id", scan.SessionID, "scan_key", scan.Key)
		return failedResult(scan, apperr.New(apperr.KindRateLimited, op,
			fmt.Sprintf("too many scans for session %s, try again shortly", scan.SessionID)))
	}
	if err := e.registry.RecordScan(ctx, scan.SessionID); err != nil {
		e.logger.Warn("recording scan window", "session_id", scan.SessionID, "error", err)
	}

	outcome, err := e.tracker.ProcessScan(ctx, scan)
	if err != nil {
		e.recordScan(ctx, scan, string(apperr.KindOf(err)))
		return failedResult(scan, err)
	}

	result := ScanResult{
		Success:   true,
		Key:       scan.Key,
		SessionID: scan.SessionID,
		StepID:    outcome.Step.ID,
		Priority:  outcome.Step.Priority,
	}
	switch outcome.Action {
	case qcstep.ActionStarted:
		e.cancelReset(scan.SessionID, "new qc step started")
		e.armDeadline(outcome.Step)
		result.Action = ActionStarted
		result.EstimatedMinutes = outcome.Step.EstimatedMinutes
		result.Message = fmt.Sprintf("QC started, estimated %d min", outcome.Step.EstimatedMinutes)
	case qcstep.ActionCompleted:
		e.sched.Cancel(scheduler.DeadlineTask(scan.Key))
		result.Action = ActionCompleted
		result.DurationMinutes = outcome.DurationMinutes
		result.Message = fmt.Sprintf("QC completed in %d min", outcome.DurationMinutes)
		if outcome.ScheduleReset && e.opts.AutoResetAfterQC {
			e.scheduleReset(scan.SessionID, scan.UserID)
			result.AutoSessionReset = true
		}
	}
	e.recordScan(ctx, scan, string(result.Action))
	return result
}

// recordScan writes the scan log. Failures are logged, never surfaced.
// The scanner's timestamp is kept when it sent one.
func (e *Engine) recordScan(ctx context.Context, scan qcstep.Scan, outcome string) {
	scannedAt := scan.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = e.clock.Now()
	}
	rec := qcstep.ScanRecord{
		SessionID: scan.SessionID,
		UserID:    scan.UserID,
		Key:       scan.Key,
		ScanRef:   scan.ScanRef,
		Location:  scan.Location,
		Outcome:   outcome,
		ScannedAt: scannedAt,
	}
	if err := e.adapter.RecordScan(ctx, rec); err != nil {
		e.logger.Warn("recording scan", "session_id", scan.SessionID, "scan_key", scan.Key, "error", err)
	}
}
