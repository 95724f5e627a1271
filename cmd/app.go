package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/scalinity/curaknot-sync/internal/config"
	"github.com/scalinity/curaknot-sync/internal/conflict"
	"github.com/scalinity/curaknot-sync/internal/engine"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/metrics"
	"github.com/scalinity/curaknot-sync/internal/oplog"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/provider/googlecal"
	"github.com/scalinity/curaknot-sync/internal/provider/localcal"
	"github.com/scalinity/curaknot-sync/internal/store"
	"github.com/scalinity/curaknot-sync/internal/token"
)

// app wires the full dependency graph once per command invocation. Every
// command builds one, uses what it needs, and closes it.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     *store.Store
	tokens    *token.Manager
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	orch      *engine.Orchestrator

	mu            sync.Mutex
	localAdapters map[string]*localcal.Adapter
}

// newApp loads config and opens the store. withSecrets additionally builds
// the credential keyring, token manager, and orchestrator; one-shot commands
// that only read or write local state skip it so they run without an
// encryption key configured.
func newApp(withSecrets bool) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.DatabasePath, err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: logCloser,
		store:     st,
	}
	if !withSecrets {
		return a, nil
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		st.Close()
		return nil, err
	}
	ring, err := token.NewKeyring(cfg.Encryption.KeyVersion,
		map[int][]byte{cfg.Encryption.KeyVersion: key})
	if err != nil {
		st.Close()
		return nil, err
	}

	a.tokens = token.NewManager(st, ring, oauthConfigs(cfg), logger)

	strategy := conflict.Strategy(cfg.Sync.Strategy)
	if strategy != "" && !strategy.Valid() {
		st.Close()
		return nil, fmt.Errorf("unknown conflict strategy %q", cfg.Sync.Strategy)
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	opLog := oplog.New(st, logger)
	conflicts := conflict.NewEngine(st, conflict.DefaultGracePeriod, logger)
	a.orch = engine.New(st, opLog, conflicts, a.adapterFactory, a.metrics, logger,
		engine.Options{
			Interval:     cfg.Sync.Interval,
			Jitter:       cfg.Sync.Jitter,
			Debounce:     cfg.Sync.Debounce,
			PassDeadline: cfg.Sync.PassDeadline,
			CallTimeout:  cfg.Sync.CallTimeout,
			PageLimit:    cfg.Sync.PageLimit,
			MaxPages:     cfg.Sync.MaxPages,
			MaxAttempts:  cfg.Sync.MaxAttempts,
			MaxFailures:  cfg.Sync.MaxFailures,
			Strategy:     strategy,
		})
	return a, nil
}

// adapterFactory is the only place that maps a connection to its provider
// adapter implementation.
func (a *app) adapterFactory(ctx context.Context, conn *store.Connection) (provider.Adapter, error) {
	switch conn.Provider {
	case provider.KindGoogleCalendar:
		return googlecal.New(ctx, conn.ID, conn.CalendarID, a.tokens, a.logger)
	case provider.KindLocalCalendar:
		return a.localAdapter(conn.CalendarID), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", conn.Provider)
	}
}

// localAdapter returns the shared adapter for one local calendar. Shared so
// that change subscriptions made at startup observe writes from sync passes.
func (a *app) localAdapter(calendarID string) *localcal.Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.localAdapters == nil {
		a.localAdapters = make(map[string]*localcal.Adapter)
	}
	ad, ok := a.localAdapters[calendarID]
	if !ok {
		ad = localcal.New(a.store, calendarID)
		a.localAdapters[calendarID] = ad
	}
	return ad
}

// oauthConfigs returns the OAuth client configuration per provider kind.
// Providers without OAuth (local calendars) have no entry.
func oauthConfigs(cfg *config.Config) map[string]*oauth2.Config {
	configs := make(map[string]*oauth2.Config)
	if cfg.Google.ClientID != "" {
		configs[provider.KindGoogleCalendar] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendar.CalendarScope},
		}
	}
	return configs
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", logging.Err(err))
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
