package qcstep

import (
	"math"
	"time"
)

// Status is the state of a QC step.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusOverdue   Status = "overdue"
	StatusError     Status = "error"
)

// InProgress reports whether the step still waits for its closing scan.
func (s Status) InProgress() bool {
	return s == StatusActive || s == StatusOverdue
}

// Finished reports whether the step reached completed or aborted.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Priority is derived from the scan key.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Step is one inspection cycle for a scan key.
type Step struct {
	ID               string            `json:"id"`
	Key              string            `json:"key"`
	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id"`
	ScanRef          string            `json:"scan_ref,omitempty"`
	Location         string            `json:"location,omitempty"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	Priority         Priority          `json:"priority"`
	Category         string            `json:"category,omitempty"`
	Status           Status            `json:"status"`
	DurationMinutes  int               `json:"duration_minutes,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// OverdueAt returns when the step becomes overdue given a tolerance.
func (s Step) OverdueAt(tolerance time.Duration) time.Time {
	return s.StartTime.Add(time.Duration(s.EstimatedMinutes)*time.Minute + tolerance)
}

// Elapsed returns time since the start, up to the end time if finished.
func (s Step) Elapsed(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

func (s Step) clone() Step {
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	return s
}

// Minutes rounds a duration to whole minutes.
func Minutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}

// Scan is one scan of a key under a session.
type Scan struct {
	Key       string
	SessionID string
	UserID    string
	ScanRef   string
	Location  string
	// ScannedAt is the scanner's own reading time; zero when the device sent none.
	ScannedAt time.Time
	Details   CompletionDetails
}

// CompletionDetails are optional inspection results carried by the closing scan.
type CompletionDetails struct {
	Rating            *int    `json:"rating,omitempty"`
	Notes             *string `json:"notes,omitempty"`
	DefectsFound      *int    `json:"defects_found,omitempty"`
	DefectDescription *string `json:"defect_description,omitempty"`
	ReworkRequired    *bool   `json:"rework_required,omitempty"`
}

// StartRecord is what the store persists when a step starts.
type StartRecord struct {
	SessionID        string
	Key              string
	ScanRef          string
	Priority         Priority
	Category         string
	EstimatedMinutes int
	Location         string
	CreatorID        string
	StartedAt        time.Time
}

// CompleteRecord is what the store persists when a step completes.
type CompleteRecord struct {
	Key         string
	ScanRef     string
	CompleterID string
	Details     CompletionDetails
	CompletedAt time.Time
}

// Completion is the store's view of a completed step.
type Completion struct {
	StepID          string
	SessionID       string
	DurationMinutes int
}

// Action is the outcome of a processed scan.
type Action string

const (
	ActionStarted   Action = "started"
	ActionCompleted Action = "completed"
)

// Outcome describes what a scan did to the tracker.
type Outcome struct {
	Action          Action
	Step            Step
	DurationMinutes int
	// ScheduleReset is true when the owning session has nothing left in progress
	// and completion is configured to reset it.
	ScheduleReset bool
}
