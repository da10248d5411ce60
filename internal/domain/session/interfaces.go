package session

import (
	"context"
	"time"
)

// Store is the durable side of the registry.
type Store interface {
	// OpenSession opens a session of sessionType for userID. It returns an error
	// wrapping ErrNotAvailable when the type cannot be used.
	OpenSession(ctx context.Context, userID, sessionType string, startedAt time.Time) (*Session, error)
	// CloseSession ends a session. It reports false when the session was already closed.
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error)
	// LoadActiveSessions returns every session still marked active.
	LoadActiveSessions(ctx context.Context) ([]Session, error)
}

// StepAborter releases QC work owned by a session before it ends.
type StepAborter interface {
	AbortAllForSession(ctx context.Context, sessionID, reason string) (int, error)
}

// Limiter enforces the per-session scan budget.
type Limiter interface {
	Check(ctx context.Context, key string, now time.Time) (bool, error)
	Record(ctx context.Context, key string, now time.Time) error
	Reset(ctx context.Context, key string) error
}
