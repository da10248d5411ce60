package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rpggio/qcflow/internal/domain/qcstep"
)

// ScanRepository implements repository.ScanRepository for SQLite
type ScanRepository struct {
	db *DB
}

// NewScanRepository creates a new ScanRepository
func NewScanRepository(db *DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// RecordScan appends a row to the scan log.
func (r *ScanRepository) RecordScan(ctx context.Context, rec qcstep.ScanRecord) error {
	scannedAt := rec.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scans (session_id, user_id, scan_key, scan_ref, location, outcome, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SessionID,
		rec.UserID,
		rec.Key,
		nullString(rec.ScanRef),
		nullString(rec.Location),
		rec.Outcome,
		scannedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	return nil
}

// ListSessionScans returns the scan log of a session, oldest first.
func (r *ScanRepository) ListSessionScans(ctx context.Context, sessionID string) ([]qcstep.ScanRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, user_id, scan_key, COALESCE(scan_ref, ''), COALESCE(location, ''), outcome, scanned_at
		FROM scans
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var scans []qcstep.ScanRecord
	for rows.Next() {
		var rec qcstep.ScanRecord
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.Key, &rec.ScanRef,
			&rec.Location, &rec.Outcome, &rec.ScannedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scan row: %w", err)
		}
		scans = append(scans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan rows: %w", err)
	}
	return scans, nil
}
