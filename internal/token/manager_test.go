package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := GenerateKey()
	require.NoError(t, err)
	ring, err := NewKeyring(1, map[int][]byte{1: key})
	require.NoError(t, err)

	return NewManager(st, ring, map[string]*oauth2.Config{}, nil), st
}

func seedConnection(t *testing.T, st *store.Store, id string) *store.Connection {
	t.Helper()
	conn := &store.Connection{
		ID:         id,
		Owner:      "family-rivera",
		Provider:   provider.KindGoogleCalendar,
		CalendarID: "primary",
	}
	require.NoError(t, st.CreateConnection(context.Background(), conn))
	return conn
}

func TestSaveAndTokenRoundTrip(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConnection(t, st, "conn-1")

	tok := &oauth2.Token{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		Expiry:       time.Now().Add(time.Hour),
	}
	require.NoError(t, m.Save(ctx, "conn-1", tok))

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.NotContains(t, string(conn.Credential), "ya29.access",
		"credential must be encrypted at rest")

	got, err := m.Token(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "ya29.access", got.AccessToken)
	assert.Equal(t, "1//refresh", got.RefreshToken)
}

func TestTokenWithoutCredentialIsAuthExpired(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConnection(t, st, "conn-1")

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)

	_, err = m.Token(ctx, conn)
	require.Error(t, err)
	assert.Equal(t, provider.FailureAuthExpired, provider.KindOf(err))
}

func TestNeedsRefreshAtEightyPercentLifetime(t *testing.T) {
	m, _ := newTestManager(t)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := issued.Add(time.Hour) // threshold at issued+48m

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"fresh", issued.Add(10 * time.Minute), false},
		{"just before threshold", issued.Add(47 * time.Minute), false},
		{"past threshold", issued.Add(49 * time.Minute), true},
		{"expired", expiry.Add(time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.now = func() time.Time { return tt.now }
			conn := &store.Connection{
				CredentialIssuedAt: issued,
				CredentialExpiry:   expiry,
			}
			assert.Equal(t, tt.want, m.needsRefresh(conn))
		})
	}
}

func TestNeedsRefreshNonExpiringToken(t *testing.T) {
	m, _ := newTestManager(t)
	conn := &store.Connection{CredentialIssuedAt: time.Now().Add(-24 * time.Hour)}
	assert.False(t, m.needsRefresh(conn), "tokens without expiry never refresh")
}

func TestRefreshFailureMarksConnectionErrored(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConnection(t, st, "conn-1")

	// Expired token for a provider with no oauth config: refresh cannot
	// succeed and must surface auth-expired.
	tok := &oauth2.Token{
		AccessToken: "stale",
		Expiry:      time.Now().Add(-time.Hour),
	}
	require.NoError(t, m.Save(ctx, "conn-1", tok))

	conn, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	_, err = m.Token(ctx, conn)
	require.Error(t, err)
	assert.Equal(t, provider.FailureAuthExpired, provider.KindOf(err))

	conn, err = st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, conn.Status)
	assert.Contains(t, conn.LastError, "re-authorization required")
}

func TestRotateReencryptsCredentials(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConnection(t, st, "conn-1")
	seedConnection(t, st, "conn-2")

	tok := &oauth2.Token{AccessToken: "secret", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, m.Save(ctx, "conn-1", tok))
	require.NoError(t, m.Save(ctx, "conn-2", tok))

	newKey, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, m.Rotate(ctx, 2, newKey))

	for _, id := range []string{"conn-1", "conn-2"} {
		conn, err := st.GetConnection(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, conn.KeyVersion)

		got, err := m.Token(ctx, conn)
		require.NoError(t, err)
		assert.Equal(t, "secret", got.AccessToken)
	}
}

func TestRotatePreservesIssuedAndExpiry(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()
	seedConnection(t, st, "conn-1")

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, m.Save(ctx, "conn-1",
		&oauth2.Token{AccessToken: "secret", Expiry: expiry}))

	before, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)

	newKey, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, m.Rotate(ctx, 2, newKey))

	after, err := st.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, before.CredentialIssuedAt.Equal(after.CredentialIssuedAt))
	assert.True(t, before.CredentialExpiry.Equal(after.CredentialExpiry))
}
