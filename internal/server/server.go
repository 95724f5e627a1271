package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/scalinity/curaknot-sync/internal/feed"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/metrics"
)

const (
	// DefaultAddr is the default bind address for the HTTP server.
	DefaultAddr = ":8080"

	// DefaultFeedCacheTTL is how long feed responses may be cached by
	// subscription clients.
	DefaultFeedCacheTTL = 5 * time.Minute

	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
)

// Pusher receives provider push notifications. The orchestrator implements
// it; tests substitute a recorder.
type Pusher interface {
	NotifyPush(connectionID string)
}

// Config holds the HTTP server configuration.
type Config struct {
	Addr         string
	FeedCacheTTL time.Duration
}

// Server is the engine's outward HTTP surface: token-scoped feed documents,
// provider webhook intake, and a health probe. Metrics are served separately
// on the metrics port.
type Server struct {
	httpServer *http.Server
	projector  *feed.Projector
	pusher     Pusher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cacheTTL   time.Duration
	addr       string
}

// New builds the HTTP server. metrics may be nil.
func New(config Config, projector *feed.Projector, pusher Pusher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.FeedCacheTTL <= 0 {
		config.FeedCacheTTL = DefaultFeedCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		projector: projector,
		pusher:    pusher,
		metrics:   m,
		logger:    logger,
		cacheTTL:  config.FeedCacheTTL,
		addr:      config.Addr,
	}
}

// Router returns the configured route set.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/feeds/{token}.ics", s.handleFeed).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{provider}/{connectionID}", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start serves HTTP in a blocking manner. Call in a goroutine for
// non-blocking operation.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
	s.logger.Info("starting http server", slog.String("addr", s.addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	doc, err := s.projector.Render(r.Context(), token)
	if errors.Is(err, feed.ErrTokenInvalid) {
		s.metrics.ObserveFeedRequest("not_found")
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.metrics.ObserveFeedRequest("error")
		s.logger.Error("feed render failed", logging.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.metrics.ObserveFeedRequest("ok")
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Cache-Control",
		fmt.Sprintf("max-age=%d", int(s.cacheTTL.Seconds())))
	_, _ = w.Write(doc)
}

// handleWebhook accepts provider push notifications. The body is ignored:
// notifications only say "something changed", the pass discovers what.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.logger.Debug("push notification received",
		logging.Provider(vars["provider"]),
		logging.Connection(vars["connectionID"]))
	s.pusher.NotifyPush(vars["connectionID"])
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
