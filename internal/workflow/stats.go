package workflow

import (
	"time"

	"github.com/rpggio/qcflow/internal/events"
)

// Stats are the engine's running counters.
type Stats struct {
	Started                int64            `json:"started"`
	Completed              int64            `json:"completed"`
	Aborted                int64            `json:"aborted"`
	Overdue                int64            `json:"overdue"`
	Errors                 int64            `json:"errors"`
	SessionsOpened         int64            `json:"sessions_opened"`
	SessionsEnded          int64            `json:"sessions_ended"`
	AutoResets             int64            `json:"auto_resets"`
	AverageDurationMinutes float64          `json:"average_duration_minutes"`
	LiveSteps              int              `json:"live_steps"`
	ActiveSessions         int              `json:"active_sessions"`
	PendingResets          int              `json:"pending_resets"`
	PerUserCompleted       map[string]int64 `json:"per_user_completed"`
	Since                  time.Time        `json:"since"`
}

// statsCollector derives counters from the event stream.
type statsCollector struct {
	stats Stats
}

func newStatsCollector(since time.Time) *statsCollector {
	return &statsCollector{stats: Stats{
		PerUserCompleted: make(map[string]int64),
		Since:            since,
	}}
}

func (c *statsCollector) observe(evt events.Event) {
	s := &c.stats
	switch evt.Type {
	case events.StepStarted:
		s.Started++
	case events.StepCompleted:
		s.Completed++
		// Running mean, so no per-step history is kept.
		s.AverageDurationMinutes += (float64(evt.DurationMinutes) - s.AverageDurationMinutes) / float64(s.Completed)
		if evt.UserID != "" {
			s.PerUserCompleted[evt.UserID]++
		}
	case events.StepAborted:
		s.Aborted++
	case events.StepOverdue:
		s.Overdue++
	case events.StepFailed:
		s.Errors++
	case events.SessionCreated, events.SessionRestarted:
		s.SessionsOpened++
	case events.SessionEnded:
		s.SessionsEnded++
	case events.AutoResetExecuted:
		s.AutoResets++
	}
}

func (c *statsCollector) snapshot() Stats {
	out := c.stats
	out.PerUserCompleted = make(map[string]int64, len(c.stats.PerUserCompleted))
	for k, v := range c.stats.PerUserCompleted {
		out.PerUserCompleted[k] = v
	}
	return out
}
