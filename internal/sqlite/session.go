package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/repository"
)

// SessionRepository implements repository.SessionRepository for SQLite
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// OpenSession inserts an active session. Unknown or disabled session types
// return an error wrapping session.ErrNotAvailable.
func (r *SessionRepository) OpenSession(ctx context.Context, userID, sessionType string, startedAt time.Time) (*session.Session, error) {
	var enabled bool
	err := r.db.QueryRowContext(ctx,
		`SELECT enabled FROM session_types WHERE name = ?`, sessionType).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown type %q", session.ErrNotAvailable, sessionType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session type: %w", err)
	}
	if !enabled {
		return nil, fmt.Errorf("%w: type %q is disabled", session.ErrNotAvailable, sessionType)
	}

	sess := &session.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionType: sessionType,
		StartTime:   startedAt.UTC(),
		Active:      true,
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, session_type, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.SessionType, sess.StartTime)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s already has an open session: %w", userID, repository.ErrConflict)
		}
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return sess, nil
}

// CloseSession sets the end time of an open session. It reports false when
// the session does not exist or is already closed.
func (r *SessionRepository) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		endedAt.UTC(), sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// LoadActiveSessions returns every open session, oldest first.
func (r *SessionRepository) LoadActiveSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, session_type, started_at
		FROM sessions
		WHERE ended_at IS NULL
		ORDER BY started_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess := session.Session{Active: true}
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.SessionType, &sess.StartTime); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// Get retrieves a session by ID, open or closed.
func (r *SessionRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	var endedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_type, started_at, ended_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.SessionType, &sess.StartTime, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if endedAt.Valid {
		sess.EndTime = &endedAt.Time
	} else {
		sess.Active = true
	}
	return &sess, nil
}

// SessionType is a row of the session type catalog.
type SessionType struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// ListSessionTypes returns the catalog ordered by name.
func (r *SessionRepository) ListSessionTypes(ctx context.Context) ([]SessionType, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, enabled, COALESCE(description, '') FROM session_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session types: %w", err)
	}
	defer rows.Close()

	var types []SessionType
	for rows.Next() {
		var st SessionType
		if err := rows.Scan(&st.Name, &st.Enabled, &st.Description); err != nil {
			return nil, fmt.Errorf("failed to scan session type: %w", err)
		}
		types = append(types, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session type rows: %w", err)
	}
	return types, nil
}

// EnsureSessionType adds a type to the catalog or updates its enabled flag.
func (r *SessionRepository) EnsureSessionType(ctx context.Context, name string, enabled bool) error {
	if name == "" {
		return repository.ErrInvalidInput
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_types (name, enabled) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled
	`, name, enabled)
	if err != nil {
		return fmt.Errorf("failed to save session type: %w", err)
	}
	return nil
}
