package activity

import (
	"context"
	"time"
)

// Repository provides persistence operations for activity entries.
type Repository interface {
	Log(ctx context.Context, entry *ActivityEntry) error
	List(ctx context.Context, opts ListActivityOptions) ([]ActivityEntry, error)
	// Prune deletes entries created before cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
