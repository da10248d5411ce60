package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/repository"
)

// StepRepository implements repository.StepRepository for SQLite
type StepRepository struct {
	db *DB
}

// NewStepRepository creates a new StepRepository
func NewStepRepository(db *DB) *StepRepository {
	return &StepRepository{db: db}
}

// StartQCStep inserts an active step and returns its id.
func (r *StepRepository) StartQCStep(ctx context.Context, rec qcstep.StartRecord) (string, error) {
	id := uuid.NewString()
	query := `
		INSERT INTO qc_steps (
			id, session_id, scan_key, user_id, scan_ref, location,
			priority, category, estimated_minutes, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		id,
		rec.SessionID,
		rec.Key,
		rec.CreatorID,
		nullString(rec.ScanRef),
		nullString(rec.Location),
		string(rec.Priority),
		nullString(rec.Category),
		rec.EstimatedMinutes,
		rec.StartedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", apperr.Wrap(apperr.KindConflict, "start qc step",
				fmt.Sprintf("scan key %s already has an active step", rec.Key), repository.ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return "", repository.ErrForeignKeyViolation
		}
		return "", fmt.Errorf("failed to start qc step: %w", err)
	}
	return id, nil
}

// CompleteQCStep closes the active step for the record's key.
func (r *StepRepository) CompleteQCStep(ctx context.Context, rec qcstep.CompleteRecord) (*qcstep.Completion, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		completion qcstep.Completion
		startedAt  time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, session_id, started_at FROM qc_steps WHERE scan_key = ? AND status = 'active'`, rec.Key).
		Scan(&completion.StepID, &completion.SessionID, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active step for scan key %s: %w", rec.Key, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active qc step: %w", err)
	}

	completedAt := rec.CompletedAt.UTC()
	completion.DurationMinutes = qcstep.Minutes(completedAt.Sub(startedAt))
	d := rec.Details
	_, err = tx.ExecContext(ctx, `
		UPDATE qc_steps
		SET status = 'completed', ended_at = ?, duration_minutes = ?, completed_by = ?,
		    end_scan_ref = ?, rating = ?, notes = ?, defects_found = ?,
		    defect_description = ?, rework_required = ?
		WHERE id = ?
	`,
		completedAt,
		completion.DurationMinutes,
		nullString(rec.CompleterID),
		nullString(rec.ScanRef),
		d.Rating,
		d.Notes,
		d.DefectsFound,
		d.DefectDescription,
		d.ReworkRequired,
		completion.StepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete qc step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit qc step completion: %w", err)
	}
	return &completion, nil
}

// AbortQCStep marks the active step for key as aborted. It reports false when
// the key has no active step.
func (r *StepRepository) AbortQCStep(ctx context.Context, key, reason string, abortedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		id        string
		startedAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, started_at FROM qc_steps WHERE scan_key = ? AND status = 'active'`, key).
		Scan(&id, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to find active qc step: %w", err)
	}

	abortedAt = abortedAt.UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE qc_steps
		SET status = 'aborted', ended_at = ?, duration_minutes = ?, abort_reason = ?
		WHERE id = ?
	`, abortedAt, qcstep.Minutes(abortedAt.Sub(startedAt)), nullString(reason), id)
	if err != nil {
		return false, fmt.Errorf("failed to abort qc step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit qc step abort: %w", err)
	}
	return true, nil
}

// LoadActiveQCSteps returns every active step ordered by start time.
func (r *StepRepository) LoadActiveQCSteps(ctx context.Context) ([]qcstep.Step, error) {
	return r.list(ctx, `WHERE status = 'active' ORDER BY started_at, scan_key`)
}

// ListSessionSteps returns every step of a session, including finished ones.
func (r *StepRepository) ListSessionSteps(ctx context.Context, sessionID string) ([]qcstep.Step, error) {
	return r.list(ctx, `WHERE session_id = ? ORDER BY started_at, scan_key`, sessionID)
}

func (r *StepRepository) list(ctx context.Context, where string, args ...any) ([]qcstep.Step, error) {
	query := `
		SELECT
			id, session_id, scan_key, user_id, scan_ref, location, priority, category,
			estimated_minutes, status, started_at, ended_at, duration_minutes
		FROM qc_steps
	` + where

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list qc steps: %w", err)
	}
	defer rows.Close()

	var steps []qcstep.Step
	for rows.Next() {
		var (
			step                        qcstep.Step
			scanRef, location, category sql.NullString
			endedAt                     sql.NullTime
			duration                    sql.NullInt64
		)
		if err := rows.Scan(
			&step.ID,
			&step.SessionID,
			&step.Key,
			&step.UserID,
			&scanRef,
			&location,
			&step.Priority,
			&category,
			&step.EstimatedMinutes,
			&step.Status,
			&step.StartTime,
			&endedAt,
			&duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan qc step: %w", err)
		}
		step.ScanRef = scanRef.String
		step.Location = location.String
		step.Category = category.String
		if endedAt.Valid {
			step.EndTime = &endedAt.Time
		}
		step.DurationMinutes = int(duration.Int64)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating qc step rows: %w", err)
	}
	return steps, nil
}
