package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetIdempotency returns the cached result for an operation key, if present
// and unexpired.
func (s *Store) GetIdempotency(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM idempotency_entries
		WHERE op_key = ? AND expires_at > ?`, key, now.UTC()).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up idempotency entry: %w", err)
	}
	return result, true, nil
}

// PutIdempotency records the result of a completed mutating call. Replacing
// an existing entry for the same key is harmless: keys are deterministic
// over the operation's inputs, so the result is the same.
func (s *Store) PutIdempotency(ctx context.Context, key, connectionID string, result []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_entries (op_key, connection_id, result, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (op_key) DO UPDATE SET
			result = excluded.result, expires_at = excluded.expires_at`,
		key, connectionID, result, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	return nil
}

// PruneIdempotency drops expired entries and returns how many were removed.
func (s *Store) PruneIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_entries WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune idempotency entries: %w", err)
	}
	return res.RowsAffected()
}
