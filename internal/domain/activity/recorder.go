package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rpggio/qcflow/internal/events"
)

const recorderQueueSize = 256

// Recorder writes workflow events to the activity log. HandleEvent only
// enqueues; Run performs the writes so the publishing loop never waits on storage.
type Recorder struct {
	svc    *Service
	queue  chan events.Event
	logger *slog.Logger
}

// NewRecorder creates a recorder writing through svc.
func NewRecorder(svc *Service, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		svc:    svc,
		queue:  make(chan events.Event, recorderQueueSize),
		logger: logger,
	}
}

// HandleEvent queues evt. It drops the event with a warning when the queue is full.
func (r *Recorder) HandleEvent(evt events.Event) {
	select {
	case r.queue <- evt:
	default:
		r.logger.Warn("activity queue full, dropping event", "event", evt.Type, "session_id", evt.SessionID)
	}
}

// Run writes queued events until ctx is cancelled, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case evt := <-r.queue:
			r.write(ctx, evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-r.queue:
					r.write(context.WithoutCancel(ctx), evt)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, evt events.Event) {
	entry, ok := EntryFromEvent(evt)
	if !ok {
		return
	}
	if err := r.svc.LogActivity(ctx, entry); err != nil {
		r.logger.Error("recording activity", "event", evt.Type, "error", err)
	}
}

// EntryFromEvent converts an event to an activity entry.
func EntryFromEvent(evt events.Event) (*ActivityEntry, bool) {
	typ, ok := TypeForEvent(evt.Type)
	if !ok {
		return nil, false
	}
	details, err := json.Marshal(evt)
	if err != nil {
		details = []byte("{}")
	}
	return &ActivityEntry{
		SessionID:    optional(evt.SessionID),
		UserID:       optional(evt.UserID),
		ScanKey:      optional(evt.Key),
		StepID:       optional(evt.StepID),
		ActivityType: typ,
		Summary:      summarize(evt),
		Details:      string(details),
		CreatedAt:    evt.At,
	}, true
}

func summarize(evt events.Event) string {
	switch evt.Type {
	case events.SessionCreated:
		return fmt.Sprintf("Session %s opened for %s (%s)", evt.SessionID, evt.UserID, evt.SessionType)
	case events.SessionRestarted:
		return fmt.Sprintf("Session %s replaced %s for %s", evt.SessionID, evt.PreviousSessionID, evt.UserID)
	case events.SessionEnded:
		return fmt.Sprintf("Session %s ended after %d min (%s)", evt.SessionID, evt.DurationMinutes, evt.Reason)
	case events.StepStarted:
		return fmt.Sprintf("QC started for %s, estimated %d min", evt.Key, evt.EstimatedMinutes)
	case events.StepCompleted:
		return fmt.Sprintf("QC completed for %s in %d min", evt.Key, evt.DurationMinutes)
	case events.StepAborted:
		return fmt.Sprintf("QC aborted for %s: %s", evt.Key, evt.Reason)
	case events.StepOverdue:
		return fmt.Sprintf("QC overdue for %s after %d min", evt.Key, evt.DurationMinutes)
	case events.StepFailed:
		return fmt.Sprintf("QC failed for %s: %s", evt.Key, evt.Message)
	case events.AutoResetScheduled:
		return fmt.Sprintf("Auto-reset scheduled for session %s", evt.SessionID)
	case events.AutoResetCancelled:
		return fmt.Sprintf("Auto-reset cancelled for session %s", evt.SessionID)
	case events.AutoResetExecuted:
		return fmt.Sprintf("Auto-reset ended session %s", evt.SessionID)
	}
	return string(evt.Type)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
