package qcstep

import (
	"context"
	"time"
)

// Store is the durable side of the tracker.
type Store interface {
	StartQCStep(ctx context.Context, rec StartRecord) (string, error)
	CompleteQCStep(ctx context.Context, rec CompleteRecord) (*Completion, error)
	// AbortQCStep reports false when no in-progress step exists for key.
	AbortQCStep(ctx context.Context, key, reason string, abortedAt time.Time) (bool, error)
	LoadActiveQCSteps(ctx context.Context) ([]Step, error)
}

// ScanRecord is one accepted scan written to the durable scan log.
type ScanRecord struct {
	SessionID string
	UserID    string
	Key       string
	ScanRef   string
	Location  string
	// Outcome is the scan's result, e.g. "qc_started" or the rejecting error kind.
	Outcome   string
	ScannedAt time.Time
}

// ScanLog records scans independently of QC outcomes.
type ScanLog interface {
	RecordScan(ctx context.Context, rec ScanRecord) error
}
