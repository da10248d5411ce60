package repository

import (
	"context"
	"time"

	"github.com/rpggio/qcflow/internal/domain/activity"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
)

// SessionRepository manages session persistence
type SessionRepository = session.Store

// StepRepository manages QC step persistence
type StepRepository = qcstep.Store

// ScanRepository manages the scan log
type ScanRepository = qcstep.ScanLog

// ActivityRepository manages activity log persistence
type ActivityRepository = activity.Repository

// Pruner removes finished rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (PruneResult, error)
}

// PruneResult counts rows removed by a prune pass.
type PruneResult struct {
	Sessions int64 `json:"sessions"`
	Steps    int64 `json:"steps"`
	Scans    int64 `json:"scans"`
}

// Total returns the number of rows removed.
func (r PruneResult) Total() int64 {
	return r.Sessions + r.Steps + r.Scans
}

// StatusReader serves read-only listings for operator tooling.
type StatusReader interface {
	ListActiveSessions(ctx context.Context) ([]session.Session, error)
	ListActiveSteps(ctx context.Context) ([]qcstep.Step, error)
}

// Adapter is the persistence adapter the workflow engine runs against.
type Adapter interface {
	SessionRepository
	StepRepository
	ScanRepository
}
