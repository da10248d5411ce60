// Package ratelimit implements the per-session sliding-window scan limit.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the sliding window length.
const DefaultWindow = time.Minute

// Limiter tracks events per key within a sliding window.
// Check and Record are split so a caller can reject before doing any work and
// count only what it actually accepted.
type Limiter interface {
	// Check reports whether another event for key fits under the limit at now.
	Check(ctx context.Context, key string, now time.Time) (bool, error)
	// Record counts one event for key at now.
	Record(ctx context.Context, key string, now time.Time) error
	// Count returns the events for key inside the window ending at now.
	Count(ctx context.Context, key string, now time.Time) (int64, error)
	// Reset forgets key.
	Reset(ctx context.Context, key string) error
}

// MemoryLimiter is an in-process Limiter.
type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryLimiter creates a limiter allowing limit events per window.
// A limit <= 0 disables limiting.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string, now time.Time) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(key, now)) < l.limit, nil
}

func (l *MemoryLimiter) Record(_ context.Context, key string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[key] = append(l.prune(key, now), now)
	return nil
}

func (l *MemoryLimiter) Count(_ context.Context, key string, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.prune(key, now))), nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.events, key)
	l.mu.Unlock()
	return nil
}

// prune drops events that fell out of the window. Caller holds mu.
func (l *MemoryLimiter) prune(key string, now time.Time) []time.Time {
	stamps := l.events[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
		if len(stamps) == 0 {
			delete(l.events, key)
			return nil
		}
		l.events[key] = stamps
	}
	return stamps
}
