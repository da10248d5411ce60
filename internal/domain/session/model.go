package session

import (
	"math"
	"time"
)

// Session is a bounded period of work attributed to one user.
type Session struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	SessionType string     `json:"session_type"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Active      bool       `json:"active"`
}

// Duration returns how long the session has run, up to its end time if closed.
func (s Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

// DurationMinutes rounds Duration to whole minutes.
func (s Session) DurationMinutes(now time.Time) int {
	return int(math.Round(s.Duration(now).Minutes()))
}

// CreateResult describes a freshly opened session.
type CreateResult struct {
	Session  Session `json:"session"`
	TypeUsed string  `json:"type_used"`
	// Fallback is true when the first type in the priority list could not be used.
	Fallback bool `json:"fallback"`
	// Replaced is the id of the session closed to make room for this one, if any.
	Replaced string `json:"replaced,omitempty"`
}
