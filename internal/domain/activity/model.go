package activity

import (
	"time"

	"github.com/rpggio/qcflow/internal/events"
)

// ActivityType represents the type of activity event
type ActivityType string

const (
	TypeSessionCreated     ActivityType = "session_created"
	TypeSessionRestarted   ActivityType = "session_restarted"
	TypeSessionEnded       ActivityType = "session_ended"
	TypeStepStarted        ActivityType = "qc_step_started"
	TypeStepCompleted      ActivityType = "qc_step_completed"
	TypeStepAborted        ActivityType = "qc_step_aborted"
	TypeStepOverdue        ActivityType = "qc_step_overdue"
	TypeStepFailed         ActivityType = "qc_step_failed"
	TypeAutoResetScheduled ActivityType = "auto_reset_scheduled"
	TypeAutoResetCancelled ActivityType = "auto_reset_cancelled"
	TypeAutoResetExecuted  ActivityType = "auto_reset_executed"
)

var typesByEvent = map[events.Type]ActivityType{
	events.SessionCreated:     TypeSessionCreated,
	events.SessionRestarted:   TypeSessionRestarted,
	events.SessionEnded:       TypeSessionEnded,
	events.StepStarted:        TypeStepStarted,
	events.StepCompleted:      TypeStepCompleted,
	events.StepAborted:        TypeStepAborted,
	events.StepOverdue:        TypeStepOverdue,
	events.StepFailed:         TypeStepFailed,
	events.AutoResetScheduled: TypeAutoResetScheduled,
	events.AutoResetCancelled: TypeAutoResetCancelled,
	events.AutoResetExecuted:  TypeAutoResetExecuted,
}

// TypeForEvent maps an event type to its activity type.
func TypeForEvent(t events.Type) (ActivityType, bool) {
	at, ok := typesByEvent[t]
	return at, ok
}

// ActivityEntry represents an event in the activity log
type ActivityEntry struct {
	ID           int64        `json:"id"`
	SessionID    *string      `json:"session_id,omitempty"`
	UserID       *string      `json:"user_id,omitempty"`
	ScanKey      *string      `json:"scan_key,omitempty"`
	StepID       *string      `json:"step_id,omitempty"`
	ActivityType ActivityType `json:"type"`
	Summary      string       `json:"summary"`
	Details      string       `json:"details,omitempty"` // JSON string
	CreatedAt    time.Time    `json:"created_at"`
}
