// Package events defines the typed event stream emitted by the QC workflow core.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	SessionCreated     Type = "session-created"
	SessionRestarted   Type = "session-restarted"
	SessionEnded       Type = "session-ended"
	StepStarted        Type = "qc-step-started"
	StepCompleted      Type = "qc-step-completed"
	StepAborted        Type = "qc-step-aborted"
	StepOverdue        Type = "qc-step-overdue"
	StepFailed         Type = "qc-step-failed"
	AutoResetScheduled Type = "qc-auto-reset-scheduled"
	AutoResetCancelled Type = "qc-auto-reset-cancelled"
	AutoResetExecuted  Type = "qc-auto-reset-executed"
)

// Event is a single notification. Fields that do not apply to a type are left empty.
type Event struct {
	Type              Type      `json:"type"`
	At                time.Time `json:"at"`
	SessionID         string    `json:"session_id,omitempty"`
	PreviousSessionID string    `json:"previous_session_id,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	SessionType       string    `json:"session_type,omitempty"`
	Key               string    `json:"key,omitempty"`
	StepID            string    `json:"step_id,omitempty"`
	EstimatedMinutes  int       `json:"estimated_minutes,omitempty"`
	DurationMinutes   int       `json:"duration_minutes,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Message           string    `json:"message,omitempty"`
}

// Publisher accepts events from core components.
type Publisher interface {
	Publish(evt Event)
}

// Listener consumes events. Listeners run on the publishing goroutine and must not block.
type Listener interface {
	HandleEvent(evt Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(evt Event) { f(evt) }

// Bus fans events out to registered listeners in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a listener.
func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish delivers evt to every listener. A panicking listener is logged and skipped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, evt)
	}
}

func (b *Bus) deliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event listener panicked", "event", evt.Type, "panic", r)
		}
	}()
	l.HandleEvent(evt)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
