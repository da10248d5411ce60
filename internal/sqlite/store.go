package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/repository"
)

// Store is the workflow persistence adapter. It satisfies repository.Adapter,
// repository.Pruner and repository.StatusReader.
type Store struct {
	*SessionRepository
	*StepRepository
	*ScanRepository

	db *DB
}

var (
	_ repository.Adapter      = (*Store)(nil)
	_ repository.Pruner       = (*Store)(nil)
	_ repository.StatusReader = (*Store)(nil)
)

// NewStore creates a Store over db.
func NewStore(db *DB) *Store {
	return &Store{
		SessionRepository: NewSessionRepository(db),
		StepRepository:    NewStepRepository(db),
		ScanRepository:    NewScanRepository(db),
		db:                db,
	}
}

// ListActiveSessions returns every open session.
func (s *Store) ListActiveSessions(ctx context.Context) ([]session.Session, error) {
	return s.LoadActiveSessions(ctx)
}

// ListActiveSteps returns every active step.
func (s *Store) ListActiveSteps(ctx context.Context) ([]qcstep.Step, error) {
	return s.LoadActiveQCSteps(ctx)
}

// Prune removes closed sessions, finished steps and scans older than cutoff.
// Sessions that still own steps are kept until those steps are pruned.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (repository.PruneResult, error) {
	var res repository.PruneResult
	cutoff = cutoff.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deletes := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM scans WHERE scanned_at < ?`, &res.Scans},
		{`DELETE FROM qc_steps WHERE status != 'active' AND ended_at < ?`, &res.Steps},
		{`DELETE FROM sessions
		  WHERE ended_at IS NOT NULL AND ended_at < ?
		    AND NOT EXISTS (SELECT 1 FROM qc_steps WHERE qc_steps.session_id = sessions.id)`, &res.Sessions},
	}
	for _, d := range deletes {
		result, err := tx.ExecContext(ctx, d.query, cutoff)
		if err != nil {
			return repository.PruneResult{}, fmt.Errorf("failed to prune: %w", err)
		}
		if *d.count, err = result.RowsAffected(); err != nil {
			return repository.PruneResult{}, fmt.Errorf("failed to get rows affected: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return repository.PruneResult{}, fmt.Errorf("failed to commit prune: %w", err)
	}
	return res, nil
}
