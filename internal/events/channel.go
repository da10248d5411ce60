package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Channel is a Listener that forwards events onto a buffered Go channel.
// When the buffer is full the event is dropped and counted.
type Channel struct {
	ch      chan Event
	dropped atomic.Int64
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewChannel creates a channel listener with the given buffer size.
func NewChannel(size int, logger *slog.Logger) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{ch: make(chan Event, size), logger: logger}
}

// Events returns the receive side.
func (c *Channel) Events() <-chan Event {
	return c.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Channel) HandleEvent(evt Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- evt:
	default:
		c.dropped.Add(1)
		if c.logger != nil {
			c.logger.Warn("event channel full, dropping event", "event", evt.Type, "key", evt.Key)
		}
	}
}

// Close stops delivery and closes the channel.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
