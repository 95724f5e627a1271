package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scalinity/curaknot-sync/internal/entity"
)

// Conflict record statuses.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// ConflictRecord captures one detected divergence between local and remote
// versions, and how it was (or will be) resolved. Automatic resolutions are
// recorded too, for auditability.
type ConflictRecord struct {
	ID             string
	ConnectionID   string
	Ref            entity.Ref
	ExternalID     string
	LocalSnapshot  []byte
	RemoteSnapshot []byte
	DetectedAt     time.Time
	Strategy       string
	Outcome        string
	Status         string
	ManualReview   bool
	ResolvedAt     *time.Time
}

const conflictColumns = `id, connection_id, entity_type, entity_id, external_id,
	local_snapshot, remote_snapshot, detected_at, strategy, outcome, status,
	manual_review, resolved_at`

// InsertConflict persists a conflict record.
func (s *Store) InsertConflict(ctx context.Context, r *ConflictRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_records (id, connection_id, entity_type, entity_id,
			external_id, local_snapshot, remote_snapshot, detected_at, strategy,
			outcome, status, manual_review, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConnectionID, string(r.Ref.Type), r.Ref.ID, r.ExternalID,
		r.LocalSnapshot, r.RemoteSnapshot, r.DetectedAt.UTC(), r.Strategy,
		r.Outcome, r.Status, r.ManualReview, nullTimePtr(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return nil
}

// GetConflict fetches one conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?`, id)
	return scanConflict(row)
}

// ListPendingConflicts returns conflicts awaiting a user decision. An empty
// connectionID lists across all connections.
func (s *Store) ListPendingConflicts(ctx context.Context, connectionID string) ([]*ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE status = ?`
	args := []any{ConflictPending}
	if connectionID != "" {
		query += ` AND connection_id = ?`
		args = append(args, connectionID)
	}
	query += ` ORDER BY detected_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		r, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkConflictResolved records the outcome of a pending conflict.
func (s *Store) MarkConflictResolved(ctx context.Context, id, outcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflict_records SET outcome = ?, status = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		outcome, ConflictResolved, time.Now().UTC(), id, ConflictPending)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var r ConflictRecord
	var entityType string
	var resolvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ConnectionID, &entityType, &r.Ref.ID,
		&r.ExternalID, &r.LocalSnapshot, &r.RemoteSnapshot, &r.DetectedAt,
		&r.Strategy, &r.Outcome, &r.Status, &r.ManualReview, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict record: %w", err)
	}
	r.Ref.Type = entity.Type(entityType)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	return &r, nil
}
