package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalinity/curaknot-sync/internal/feed"
	"github.com/scalinity/curaknot-sync/internal/instrumentation"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service",
		Long: `Run the long-lived sync service: the reconciliation scheduler, the
subscription feed and webhook HTTP server, and the metrics server.

The service syncs every active connection on a jittered timer and reacts
to provider push notifications within a short debounce window. SIGINT or
SIGTERM drains in-flight passes before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	instrProvider, err := instrumentation.NewProvider(shutdownCtx, instrumentation.Config{
		Enabled:        a.cfg.Tracing.Enabled,
		ServiceName:    "curasync",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := instrProvider.Shutdown(context.Background()); err != nil {
			a.logger.Warn("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	var metricsServer *server.MetricsServer
	if a.cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(a.cfg.Metrics.Addr, a.registry)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	projector := feed.NewProjector(a.store, a.logger)
	httpServer := server.New(server.Config{
		Addr:         a.cfg.HTTP.Addr,
		FeedCacheTTL: a.cfg.HTTP.FeedCacheTTL,
	}, projector, a.orch, a.metrics, a.logger)
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.Start()
	}()

	if err := a.orch.Start(shutdownCtx); err != nil {
		return err
	}
	if err := subscribeLocalCalendars(shutdownCtx, a); err != nil {
		return err
	}

	select {
	case <-shutdownCtx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-httpErr:
		if err != nil {
			return fmt.Errorf("http server stopped: %w", err)
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()

	if err := httpServer.Shutdown(drainCtx); err != nil {
		a.logger.Warn("http server shutdown failed", logging.Err(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(drainCtx); err != nil {
			a.logger.Warn("metrics server shutdown failed", logging.Err(err))
		}
	}
	if err := a.orch.Stop(drainCtx); err != nil {
		return err
	}
	return nil
}

// subscribeLocalCalendars feeds local calendar writes into the orchestrator
// the same way remote webhooks arrive, so device-local edits sync within the
// debounce window instead of waiting for the timer.
func subscribeLocalCalendars(ctx context.Context, a *app) error {
	conns, err := a.store.ListSyncableConnections(ctx)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if conn.Provider != provider.KindLocalCalendar {
			continue
		}
		adapter := a.localAdapter(conn.CalendarID)
		connID := conn.ID
		if _, err := adapter.SubscribeToChanges(ctx, func() {
			a.orch.NotifyPush(connID)
		}); err != nil {
			return err
		}
	}
	return nil
}
