package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scalinity/curaknot-sync/internal/entity"
)

// UpsertEntity writes a care entity and appends a row to the local change
// log in the same transaction. contentHash is the mapper hash of the new
// version; the orchestrator consumes the log through the local cursor.
func (s *Store) UpsertEntity(ctx context.Context, e entity.CareEntity, contentHash string) error {
	if !e.Ref.Type.Valid() {
		return fmt.Errorf("invalid entity type %q", e.Ref.Type)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO care_entities (entity_type, entity_id, owner, title,
				notes, location, starts_at, ends_at, all_day, reminder_minutes,
				recurrence, updated_at, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				owner = excluded.owner,
				title = excluded.title,
				notes = excluded.notes,
				location = excluded.location,
				starts_at = excluded.starts_at,
				ends_at = excluded.ends_at,
				all_day = excluded.all_day,
				reminder_minutes = excluded.reminder_minutes,
				recurrence = excluded.recurrence,
				updated_at = excluded.updated_at,
				deleted = excluded.deleted`,
			string(e.Ref.Type), e.Ref.ID, e.Owner, e.Title, e.Notes, e.Location,
			nullTime(e.Start), nullTime(e.End), e.AllDay,
			joinInts(e.ReminderMinutes), e.Recurrence, e.UpdatedAt.UTC(), e.Deleted)
		if err != nil {
			return fmt.Errorf("failed to upsert entity %s: %w", e.Ref, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_changes (entity_type, entity_id, content_hash, deleted, changed_at)
			VALUES (?, ?, ?, ?, ?)`,
			string(e.Ref.Type), e.Ref.ID, contentHash, e.Deleted, e.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to append entity change: %w", err)
		}
		return nil
	})
}

// DeleteEntity marks an entity deleted and logs the change.
func (s *Store) DeleteEntity(ctx context.Context, ref entity.Ref) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE care_entities SET deleted = 1, updated_at = ?
			WHERE entity_type = ? AND entity_id = ?`,
			now, string(ref.Type), ref.ID)
		if err != nil {
			return fmt.Errorf("failed to delete entity %s: %w", ref, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_changes (entity_type, entity_id, content_hash, deleted, changed_at)
			VALUES (?, ?, '', 1, ?)`,
			string(ref.Type), ref.ID, now)
		if err != nil {
			return fmt.Errorf("failed to append entity change: %w", err)
		}
		return nil
	})
}

// GetEntity fetches one care entity, deleted or not.
func (s *Store) GetEntity(ctx context.Context, ref entity.Ref) (*entity.CareEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, owner, title, notes, location, starts_at,
			ends_at, all_day, reminder_minutes, recurrence, updated_at, deleted
		FROM care_entities WHERE entity_type = ? AND entity_id = ?`,
		string(ref.Type), ref.ID)
	return scanEntity(row)
}

// ListEntitiesForOwner returns live entities for one owner, optionally
// filtered by type. Used by the feed projector.
func (s *Store) ListEntitiesForOwner(ctx context.Context, owner string, types []entity.Type) ([]*entity.CareEntity, error) {
	query := `
		SELECT entity_type, entity_id, owner, title, notes, location, starts_at,
			ends_at, all_day, reminder_minutes, recurrence, updated_at, deleted
		FROM care_entities WHERE owner = ? AND deleted = 0`
	args := []any{owner}
	if len(types) > 0 {
		placeholders := strings.Repeat("?,", len(types))
		query += ` AND entity_type IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY starts_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []*entity.CareEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEntityChanges returns up to limit change-log rows with seq > afterSeq,
// in sequence order. The local sync cursor is the last consumed seq.
func (s *Store) ListEntityChanges(ctx context.Context, afterSeq int64, limit int) ([]entity.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entity_type, entity_id, content_hash, deleted, changed_at
		FROM entity_changes WHERE seq > ? ORDER BY seq LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity changes: %w", err)
	}
	defer rows.Close()

	var out []entity.Change
	for rows.Next() {
		var c entity.Change
		var entityType string
		if err := rows.Scan(&c.Seq, &entityType, &c.Ref.ID, &c.ContentHash,
			&c.Deleted, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity change: %w", err)
		}
		c.Ref.Type = entity.Type(entityType)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (*entity.CareEntity, error) {
	var e entity.CareEntity
	var entityType, reminders string
	var start, end sql.NullTime
	err := row.Scan(&entityType, &e.Ref.ID, &e.Owner, &e.Title, &e.Notes,
		&e.Location, &start, &end, &e.AllDay, &reminders, &e.Recurrence,
		&e.UpdatedAt, &e.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.Ref.Type = entity.Type(entityType)
	if start.Valid {
		e.Start = start.Time
	}
	if end.Valid {
		e.End = end.Time
	}
	e.ReminderMinutes = splitInts(reminders)
	return &e, nil
}

func joinInts(vals []int) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(p); err == nil {
			out = append(out, v)
		}
	}
	return out
}
