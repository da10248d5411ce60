package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rpggio/qcflow/internal/domain/activity"
)

const activityColumns = `id, session_id, user_id, scan_key, step_id,
	activity_type, summary, COALESCE(details, ''), created_at`

// ActivityRepository stores the audit trail in activity_log.
type ActivityRepository struct {
	db *DB
}

func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Log appends entry and fills in its ID and creation time.
func (r *ActivityRepository) Log(ctx context.Context, entry *activity.ActivityEntry) error {
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_log (session_id, user_id, scan_key, step_id, activity_type, summary, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.UserID, entry.ScanKey, entry.StepID,
		entry.ActivityType, entry.Summary, nullString(entry.Details), at,
	)
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", entry.ActivityType, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	entry.CreatedAt = at
	return nil
}

// List returns entries matching opts, newest first.
func (r *ActivityRepository) List(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	where, args := activityFilter(opts)
	query := "SELECT " + activityColumns + " FROM activity_log" + where + " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, max(opts.Offset, 0))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var entries []activity.ActivityEntry
	for rows.Next() {
		entry, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return entries, nil
}

// Prune deletes entries created before cutoff.
func (r *ActivityRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM activity_log WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}

func activityFilter(opts activity.ListActivityOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, value *string) {
		if value != nil {
			clauses = append(clauses, column+" = ?")
			args = append(args, *value)
		}
	}
	add("session_id", opts.SessionID)
	add("user_id", opts.UserID)
	add("scan_key", opts.ScanKey)
	if opts.ActivityType != nil {
		typ := string(*opts.ActivityType)
		add("activity_type", &typ)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanActivity(rows *sql.Rows) (activity.ActivityEntry, error) {
	var (
		entry                              activity.ActivityEntry
		sessionID, userID, scanKey, stepID sql.NullString
	)
	err := rows.Scan(&entry.ID, &sessionID, &userID, &scanKey, &stepID,
		&entry.ActivityType, &entry.Summary, &entry.Details, &entry.CreatedAt)
	if err != nil {
		return entry, fmt.Errorf("scan activity row: %w", err)
	}
	entry.SessionID = nullable(sessionID)
	entry.UserID = nullable(userID)
	entry.ScanKey = nullable(scanKey)
	entry.StepID = nullable(stepID)
	return entry, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
