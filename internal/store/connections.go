package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction controls which way events flow for a connection.
type Direction string

const (
	DirectionOutbound      Direction = "outbound"
	DirectionInbound       Direction = "inbound"
	DirectionBidirectional Direction = "bidirectional"
)

// Outbound reports whether local changes are pushed to the provider.
func (d Direction) Outbound() bool {
	return d == DirectionOutbound || d == DirectionBidirectional
}

// Inbound reports whether remote changes are applied locally.
func (d Direction) Inbound() bool {
	return d == DirectionInbound || d == DirectionBidirectional
}

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusRevoked Status = "revoked"
)

// Connection identifies one (owner, provider, external calendar) triple and
// carries its sync cursors, encrypted credential bundle, and health state.
type Connection struct {
	ID                 string
	Owner              string
	Provider           string
	CalendarID         string
	CalendarName       string
	Direction          Direction
	Status             Status
	Credential         []byte
	KeyVersion         int
	CredentialIssuedAt time.Time
	CredentialExpiry   time.Time
	LocalCursor        string
	RemoteCursor       string
	Failures           int
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const connectionColumns = `id, owner, provider, calendar_id, calendar_name, direction, status,
	credential, key_version, credential_issued_at, credential_expiry,
	local_cursor, remote_cursor, failures, last_error, created_at, updated_at`

// CreateConnection inserts a new connection. The (owner, provider, calendar)
// triple is unique; duplicates return an error.
func (s *Store) CreateConnection(ctx context.Context, c *Connection) error {
	now := time.Now().UTC()
	if c.Direction == "" {
		c.Direction = DirectionBidirectional
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, owner, provider, calendar_id, calendar_name,
			direction, status, credential, key_version, credential_issued_at,
			credential_expiry, local_cursor, remote_cursor, failures, last_error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.Provider, c.CalendarID, c.CalendarName,
		string(c.Direction), string(c.Status), c.Credential, c.KeyVersion,
		nullTime(c.CredentialIssuedAt), nullTime(c.CredentialExpiry),
		c.LocalCursor, c.RemoteCursor, c.Failures, c.LastError,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("connection for (%s, %s, %s) already exists: %w",
				c.Owner, c.Provider, c.CalendarID, err)
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// GetConnection fetches a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// ListConnections returns all connections, most recently created first.
func (s *Store) ListConnections(ctx context.Context) ([]*Connection, error) {
	return s.queryConnections(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at DESC`)
}

// ListSyncableConnections returns connections eligible for scheduling:
// active or pending, not revoked, not in error.
func (s *Store) ListSyncableConnections(ctx context.Context) ([]*Connection, error) {
	return s.queryConnections(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE status IN ('pending', 'active') ORDER BY created_at`)
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var direction, status string
	var issuedAt, expiry sql.NullTime
	err := row.Scan(&c.ID, &c.Owner, &c.Provider, &c.CalendarID, &c.CalendarName,
		&direction, &status, &c.Credential, &c.KeyVersion, &issuedAt, &expiry,
		&c.LocalCursor, &c.RemoteCursor, &c.Failures, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	c.Direction = Direction(direction)
	c.Status = Status(status)
	if issuedAt.Valid {
		c.CredentialIssuedAt = issuedAt.Time
	}
	if expiry.Valid {
		c.CredentialExpiry = expiry.Time
	}
	return &c, nil
}

// SetConnectionStatus updates the status and human-readable last error.
func (s *Store) SetConnectionStatus(ctx context.Context, id string, status Status, lastError string) error {
	return s.execConnectionUpdate(ctx, id, `
		UPDATE connections SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, string(status), lastError, time.Now().UTC(), id)
}

// SetConnectionFailures records the consecutive-failure count.
func (s *Store) SetConnectionFailures(ctx context.Context, id string, failures int) error {
	return s.execConnectionUpdate(ctx, id, `
		UPDATE connections SET failures = ?, updated_at = ? WHERE id = ?`,
		failures, time.Now().UTC(), id)
}

// RevokeConnection soft-disables a connection on user disconnect. The row is
// never hard-deleted while mapped events exist, so mappings stay tombstoned
// rather than orphaned.
func (s *Store) RevokeConnection(ctx context.Context, id string) error {
	return s.execConnectionUpdate(ctx, id, `
		UPDATE connections SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusRevoked), time.Now().UTC(), id)
}

// SaveCredential stores the encrypted credential bundle for a connection.
func (s *Store) SaveCredential(ctx context.Context, id string, blob []byte, keyVersion int, issuedAt, expiry time.Time) error {
	return s.execConnectionUpdate(ctx, id, `
		UPDATE connections
		SET credential = ?, key_version = ?, credential_issued_at = ?,
			credential_expiry = ?, updated_at = ?
		WHERE id = ?`,
		blob, keyVersion, nullTime(issuedAt), nullTime(expiry),
		time.Now().UTC(), id)
}

// AdvanceCursors moves both sync cursors in a single statement so a pass
// either advances fully or not at all. Also clears the failure counter and
// marks the connection active.
func (s *Store) AdvanceCursors(ctx context.Context, id, localCursor, remoteCursor string) error {
	return s.execConnectionUpdate(ctx, id, `
		UPDATE connections
		SET local_cursor = ?, remote_cursor = ?, failures = 0,
			status = ?, last_error = '', updated_at = ?
		WHERE id = ?`,
		localCursor, remoteCursor, string(StatusActive), time.Now().UTC(), id)
}

// ResetRemoteCursor clears the remote cursor after the provider expired it;
// the next pass re-lists from the beginning.
func (s *Store) ResetRemoteCursor(ctx context.Context, id string) error {
	return s.execConnectionUpdate(ctx, id, `
		UPDATE connections SET remote_cursor = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (s *Store) execConnectionUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update connection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
