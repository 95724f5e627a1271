package token

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// refreshLeadFraction is how far into a token's lifetime a proactive
// refresh is triggered.
const refreshLeadFraction = 0.8

// Manager owns credential storage and refresh for every connection.
// Credentials are encrypted at rest under the keyring and are opaque to
// every other component.
type Manager struct {
	store   *store.Store
	ring    *Keyring
	configs map[string]*oauth2.Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	inUse   map[string]*sync.Mutex // per-connection refresh serialization
}

// NewManager builds a token manager. configs maps provider kinds to their
// OAuth2 configuration; providers without OAuth (the local calendar) simply
// have no entry.
func NewManager(st *store.Store, ring *Keyring, configs map[string]*oauth2.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		ring:    ring,
		configs: configs,
		logger:  logger,
		now:     time.Now,
		inUse:   make(map[string]*sync.Mutex),
	}
}

// Save encrypts and stores an OAuth token for a connection.
func (m *Manager) Save(ctx context.Context, connectionID string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	blob, version, err := m.ring.Encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := m.store.SaveCredential(ctx, connectionID, blob, version, m.now().UTC(), tok.Expiry); err != nil {
		return err
	}
	m.logger.Debug("credential saved",
		logging.Connection(connectionID),
		slog.Int("key_version", version))
	return nil
}

// Token returns a usable OAuth token for the connection, refreshing
// proactively once 80% of the token lifetime has elapsed. On refresh
// failure the connection is moved to the error state and an auth-expired
// failure is returned; the user must re-authorize.
func (m *Manager) Token(ctx context.Context, conn *store.Connection) (*oauth2.Token, error) {
	tok, err := m.decrypt(conn)
	if err != nil {
		return nil, err
	}
	if !m.needsRefresh(conn) {
		return tok, nil
	}
	return m.refresh(ctx, conn, tok)
}

// ForceRefresh refreshes a connection's token immediately, regardless of
// expiry. Adapters call this once after an AuthExpired response so an
// in-progress pass can resume with fresh credentials.
func (m *Manager) ForceRefresh(ctx context.Context, connectionID string) (*oauth2.Token, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	tok, err := m.decrypt(conn)
	if err != nil {
		return nil, err
	}
	return m.refresh(ctx, conn, tok)
}

func (m *Manager) decrypt(conn *store.Connection) (*oauth2.Token, error) {
	if len(conn.Credential) == 0 {
		return nil, provider.NewError(provider.FailureAuthExpired,
			fmt.Errorf("connection %s has no stored credential", conn.ID))
	}
	data, err := m.ring.Decrypt(conn.Credential, conn.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential for %s: %w", conn.ID, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential for %s: %w", conn.ID, err)
	}
	return &tok, nil
}

func (m *Manager) needsRefresh(conn *store.Connection) bool {
	if conn.CredentialExpiry.IsZero() {
		return false // token does not expire
	}
	issued := conn.CredentialIssuedAt
	if issued.IsZero() || !issued.Before(conn.CredentialExpiry) {
		return m.now().After(conn.CredentialExpiry)
	}
	lifetime := conn.CredentialExpiry.Sub(issued)
	threshold := issued.Add(time.Duration(float64(lifetime) * refreshLeadFraction))
	return m.now().After(threshold)
}

func (m *Manager) refresh(ctx context.Context, conn *store.Connection, current *oauth2.Token) (*oauth2.Token, error) {
	lock := m.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	config, ok := m.configs[conn.Provider]
	if !ok {
		return nil, m.markAuthExpired(ctx, conn,
			fmt.Errorf("no oauth config for provider %s", conn.Provider))
	}

	// Another goroutine may have refreshed while we waited on the lock.
	if fresh, err := m.store.GetConnection(ctx, conn.ID); err == nil && !m.needsRefresh(fresh) {
		if tok, err := m.decrypt(fresh); err == nil {
			return tok, nil
		}
	}

	newTok, err := config.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, m.markAuthExpired(ctx, conn, fmt.Errorf("failed to refresh token: %w", err))
	}

	if err := m.Save(ctx, conn.ID, newTok); err != nil {
		// The refreshed token is still usable for this pass even if the
		// save failed; log and continue.
		m.logger.Warn("failed to persist refreshed token",
			logging.Connection(conn.ID), logging.Err(err))
	}
	m.logger.Info("token refreshed",
		logging.Connection(conn.ID),
		logging.Provider(conn.Provider))
	return newTok, nil
}

// markAuthExpired moves the connection to the error state and returns the
// auth-expired failure the caller surfaces. The user must re-authorize.
func (m *Manager) markAuthExpired(ctx context.Context, conn *store.Connection, cause error) error {
	m.logger.Warn("token refresh failed, re-authorization required",
		logging.Connection(conn.ID),
		logging.Provider(conn.Provider),
		logging.Err(cause))
	if err := m.store.SetConnectionStatus(ctx, conn.ID, store.StatusError,
		"re-authorization required: "+cause.Error()); err != nil {
		m.logger.Error("failed to mark connection errored", logging.Err(err))
	}
	return provider.NewError(provider.FailureAuthExpired, cause)
}

// Rotate re-encrypts every stored credential under a new key version. Old
// keys remain valid for decryption until rotation completes for all rows,
// so in-flight syncs are never interrupted.
func (m *Manager) Rotate(ctx context.Context, version int, key []byte) error {
	if err := m.ring.AddKey(version, key); err != nil {
		return err
	}
	conns, err := m.store.ListConnections(ctx)
	if err != nil {
		return err
	}
	var rotated int
	for _, conn := range conns {
		if len(conn.Credential) == 0 || conn.KeyVersion == version {
			continue
		}
		data, err := m.ring.Decrypt(conn.Credential, conn.KeyVersion)
		if err != nil {
			return fmt.Errorf("rotation failed for connection %s: %w", conn.ID, err)
		}
		blob, newVersion, err := m.ring.Encrypt(data)
		if err != nil {
			return fmt.Errorf("rotation failed for connection %s: %w", conn.ID, err)
		}
		if err := m.store.SaveCredential(ctx, conn.ID, blob, newVersion,
			conn.CredentialIssuedAt, conn.CredentialExpiry); err != nil {
			return fmt.Errorf("rotation failed for connection %s: %w", conn.ID, err)
		}
		rotated++
	}
	m.logger.Info("key rotation complete",
		slog.Int("key_version", version),
		slog.Int("credentials_rotated", rotated))
	return nil
}

// TokenSource returns an oauth2.TokenSource backed by the manager, suitable
// for handing to provider API clients.
func (m *Manager) TokenSource(ctx context.Context, connectionID string) oauth2.TokenSource {
	return &managerTokenSource{m: m, ctx: ctx, connectionID: connectionID}
}

type managerTokenSource struct {
	m            *Manager
	ctx          context.Context
	connectionID string
}

func (ts *managerTokenSource) Token() (*oauth2.Token, error) {
	conn, err := ts.m.store.GetConnection(ts.ctx, ts.connectionID)
	if err != nil {
		return nil, err
	}
	return ts.m.Token(ts.ctx, conn)
}

func (m *Manager) connLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.inUse[id]
	if !ok {
		lock = &sync.Mutex{}
		m.inUse[id] = lock
	}
	return lock
}
