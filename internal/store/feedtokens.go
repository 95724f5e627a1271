package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scalinity/curaknot-sync/internal/entity"
)

// FeedToken scopes a read-only subscription feed to one owner and an
// optional entity-type filter. Only the hash of the secret is stored.
type FeedToken struct {
	TokenHash   string
	Owner       string
	EntityTypes []entity.Type
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Revoked reports whether the token has been revoked.
func (t *FeedToken) Revoked() bool { return t.RevokedAt != nil }

// CreateFeedToken stores a new feed token scope.
func (s *Store) CreateFeedToken(ctx context.Context, tokenHash, owner string, types []entity.Type) error {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_tokens (token_hash, owner, entity_types, created_at)
		VALUES (?, ?, ?, ?)`,
		tokenHash, owner, strings.Join(names, ","), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create feed token: %w", err)
	}
	return nil
}

// GetFeedToken fetches a feed token by hash, revoked or not.
func (s *Store) GetFeedToken(ctx context.Context, tokenHash string) (*FeedToken, error) {
	var t FeedToken
	var typesCSV string
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, owner, entity_types, created_at, revoked_at
		FROM feed_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&t.TokenHash, &t.Owner, &typesCSV, &t.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed token: %w", err)
	}
	if typesCSV != "" {
		for _, name := range strings.Split(typesCSV, ",") {
			t.EntityTypes = append(t.EntityTypes, entity.Type(name))
		}
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	return &t, nil
}

// RevokeFeedToken revokes a token immediately. Revoking an already-revoked
// or unknown token succeeds: revocation is idempotent.
func (s *Store) RevokeFeedToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE feed_tokens SET revoked_at = ?
		WHERE token_hash = ? AND revoked_at IS NULL`,
		time.Now().UTC(), tokenHash)
	if err != nil {
		return fmt.Errorf("failed to revoke feed token: %w", err)
	}
	return nil
}
