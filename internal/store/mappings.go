package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scalinity/curaknot-sync/internal/entity"
)

// EventMapping is the durable link between one internal care entity and one
// external event within a connection. BaseEvent holds the canonical JSON of
// the last successfully synced version, which field-level merge uses as the
// common ancestor.
type EventMapping struct {
	ConnectionID    string
	Ref             entity.Ref
	ExternalID      string
	Etag            string
	ContentHash     string
	BaseEvent       []byte
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
	DeletedAt       *time.Time
	UpdatedAt       time.Time
}

// Tombstoned reports whether either side deleted the pair.
func (m *EventMapping) Tombstoned() bool { return m.DeletedAt != nil }

const mappingColumns = `connection_id, entity_type, entity_id, external_id, etag,
	content_hash, base_event, local_updated_at, remote_updated_at, deleted_at, updated_at`

// UpsertMapping creates or updates the mapping row for (connection, entity).
// Uniqueness per (connection, external id) is enforced by the schema.
func (s *Store) UpsertMapping(ctx context.Context, m *EventMapping) error {
	m.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_mappings (connection_id, entity_type, entity_id,
			external_id, etag, content_hash, base_event, local_updated_at,
			remote_updated_at, deleted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, entity_type, entity_id) DO UPDATE SET
			external_id = excluded.external_id,
			etag = excluded.etag,
			content_hash = excluded.content_hash,
			base_event = excluded.base_event,
			local_updated_at = excluded.local_updated_at,
			remote_updated_at = excluded.remote_updated_at,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at`,
		m.ConnectionID, string(m.Ref.Type), m.Ref.ID, m.ExternalID, m.Etag,
		m.ContentHash, m.BaseEvent, nullTime(m.LocalUpdatedAt),
		nullTime(m.RemoteUpdatedAt), nullTimePtr(m.DeletedAt), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping %s/%s: %w", m.ConnectionID, m.Ref, err)
	}
	return nil
}

// GetMappingByRef fetches the mapping for an internal entity, tombstones
// included.
func (s *Store) GetMappingByRef(ctx context.Context, connectionID string, ref entity.Ref) (*EventMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM event_mappings
		WHERE connection_id = ? AND entity_type = ? AND entity_id = ?`,
		connectionID, string(ref.Type), ref.ID)
	return scanMapping(row)
}

// GetMappingByExternalID fetches the mapping for an external event id.
func (s *Store) GetMappingByExternalID(ctx context.Context, connectionID, externalID string) (*EventMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM event_mappings
		WHERE connection_id = ? AND external_id = ?`,
		connectionID, externalID)
	return scanMapping(row)
}

// ListMappings returns all live (non-tombstoned) mappings for a connection.
func (s *Store) ListMappings(ctx context.Context, connectionID string) ([]*EventMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+` FROM event_mappings
		WHERE connection_id = ? AND deleted_at IS NULL`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var out []*EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TombstoneMapping marks the pair deleted without dropping the row, so a
// late-arriving change from the other side cannot resurrect the event.
func (s *Store) TombstoneMapping(ctx context.Context, connectionID string, ref entity.Ref) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_mappings SET deleted_at = ?, updated_at = ?
		WHERE connection_id = ? AND entity_type = ? AND entity_id = ?
			AND deleted_at IS NULL`,
		now, now, connectionID, string(ref.Type), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to tombstone mapping %s/%s: %w", connectionID, ref, err)
	}
	// Tombstoning an already-tombstoned pair is a no-op, not an error.
	_, _ = res.RowsAffected()
	return nil
}

// PruneTombstones drops tombstoned mappings older than the cutoff.
func (s *Store) PruneTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_mappings WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	return res.RowsAffected()
}

func scanMapping(row rowScanner) (*EventMapping, error) {
	var m EventMapping
	var entityType string
	var localAt, remoteAt, deletedAt sql.NullTime
	err := row.Scan(&m.ConnectionID, &entityType, &m.Ref.ID, &m.ExternalID,
		&m.Etag, &m.ContentHash, &m.BaseEvent, &localAt, &remoteAt,
		&deletedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}
	m.Ref.Type = entity.Type(entityType)
	if localAt.Valid {
		m.LocalUpdatedAt = localAt.Time
	}
	if remoteAt.Valid {
		m.RemoteUpdatedAt = remoteAt.Time
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
