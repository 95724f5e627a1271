package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/scalinity/curaknot-sync/internal/conflict"
	"github.com/scalinity/curaknot-sync/internal/instrumentation"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/metrics"
	"github.com/scalinity/curaknot-sync/internal/oplog"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// AdapterFactory builds the provider adapter for a connection. The
// orchestrator never branches on provider kind; the factory is the only
// place that knows which adapter serves which connection.
type AdapterFactory func(ctx context.Context, conn *store.Connection) (provider.Adapter, error)

// Options tune the orchestrator. Zero values take the defaults below.
type Options struct {
	Interval     time.Duration // timer between passes per connection
	Jitter       time.Duration // ± random spread on the timer
	Debounce     time.Duration // quiet window for push notifications
	PassDeadline time.Duration // overall deadline per pass
	CallTimeout  time.Duration // per provider call
	PageLimit    int           // events per remote page
	MaxPages     int           // remote pages per pass
	MaxAttempts  int           // attempts per provider call
	MaxFailures  int           // consecutive pass failures before error state

	// Strategy overrides the per-entity-type conflict default when set.
	Strategy conflict.Strategy
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Minute
	}
	if o.Jitter <= 0 {
		o.Jitter = 2 * time.Minute
	}
	if o.Debounce <= 0 {
		o.Debounce = 5 * time.Second
	}
	if o.PassDeadline <= 0 {
		o.PassDeadline = 60 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 100
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	return o
}

// connState serializes passes per connection: at most one runs at a time,
// and triggers arriving while one runs coalesce into a single re-run.
type connState struct {
	mu       sync.Mutex
	running  bool
	pending  bool
	nextDue  time.Time
	debounce *time.Timer
}

// Orchestrator schedules and drives reconciliation passes: one at a time per
// connection, fully parallel across connections.
type Orchestrator struct {
	store     *store.Store
	oplog     *oplog.Log
	conflicts *conflict.Engine
	factory   AdapterFactory
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	opts      Options

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	states map[string]*connState
}

// New builds an orchestrator. metrics may be nil.
func New(st *store.Store, log *oplog.Log, conflicts *conflict.Engine, factory AdapterFactory, m *metrics.Metrics, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:     st,
		oplog:     log,
		conflicts: conflicts,
		factory:   factory,
		metrics:   m,
		logger:    logger,
		tracer:    instrumentation.Tracer(),
		opts:      opts.withDefaults(),
		states:    make(map[string]*connState),
	}
	// Usable for one-shot SyncNow calls even before Start.
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Start launches the scheduler: a minutely due-check plus hourly retention
// sweeps. Passes run until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.cron = cron.New()
	if _, err := o.cron.AddFunc("@every 1m", o.tick); err != nil {
		return fmt.Errorf("failed to schedule sync tick: %w", err)
	}
	if _, err := o.cron.AddFunc("@every 1h", o.sweep); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	o.cron.Start()
	o.logger.Info("sync orchestrator started",
		slog.Duration("interval", o.opts.Interval))
	go o.tick()
	return nil
}

// Stop drains the scheduler: no new passes start, and Stop blocks until
// in-flight passes finish or ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	if o.cancel != nil {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("sync orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain timed out: %w", ctx.Err())
	}
}

// tick triggers every connection whose timer elapsed.
func (o *Orchestrator) tick() {
	conns, err := o.store.ListSyncableConnections(o.ctx)
	if err != nil {
		o.logger.Error("failed to list connections", logging.Err(err))
		return
	}
	now := time.Now()
	for _, conn := range conns {
		st := o.state(conn.ID)
		st.mu.Lock()
		due := st.nextDue.IsZero() || !now.Before(st.nextDue)
		st.mu.Unlock()
		if due {
			o.Trigger(conn.ID)
		}
	}
}

// sweep enforces retention: expired idempotency entries and old tombstones.
func (o *Orchestrator) sweep() {
	if _, err := o.oplog.Prune(o.ctx); err != nil {
		o.logger.Warn("idempotency prune failed", logging.Err(err))
	}
	if _, err := o.store.PruneTombstones(o.ctx, time.Now().AddDate(0, 0, -30)); err != nil {
		o.logger.Warn("tombstone prune failed", logging.Err(err))
	}
}

// Trigger requests a pass for the connection. If one is already running, the
// request coalesces into a single pending re-run.
func (o *Orchestrator) Trigger(connectionID string) {
	st := o.state(connectionID)
	st.mu.Lock()
	if st.running {
		st.pending = true
		st.mu.Unlock()
		return
	}
	st.running = true
	st.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runLoop(connectionID, st)
	}()
}

func (o *Orchestrator) runLoop(connectionID string, st *connState) {
	for {
		if err := o.SyncConnection(o.ctx, connectionID); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("sync pass failed",
				logging.Connection(connectionID), logging.Err(err))
		}

		st.mu.Lock()
		st.nextDue = time.Now().Add(o.jittered())
		if st.pending && o.ctx.Err() == nil {
			st.pending = false
			st.mu.Unlock()
			continue
		}
		st.running = false
		st.mu.Unlock()
		return
	}
}

// NotifyPush records an inbound provider push notification. Notifications
// are debounced: the pass starts after a short quiet window so bursts
// coalesce into one pass.
func (o *Orchestrator) NotifyPush(connectionID string) {
	st := o.state(connectionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.debounce != nil {
		st.debounce.Stop()
	}
	st.debounce = time.AfterFunc(o.opts.Debounce, func() {
		o.Trigger(connectionID)
	})
}

// SyncNow runs one pass synchronously, bypassing the timer. The
// single-pass-per-connection invariant still holds: if a pass is already
// running, the request coalesces and SyncNow returns immediately.
func (o *Orchestrator) SyncNow(ctx context.Context, connectionID string) error {
	st := o.state(connectionID)
	st.mu.Lock()
	if st.running {
		st.pending = true
		st.mu.Unlock()
		o.logger.Info("sync already running, coalesced",
			logging.Connection(connectionID))
		return nil
	}
	st.running = true
	st.mu.Unlock()

	err := o.SyncConnection(ctx, connectionID)

	st.mu.Lock()
	st.nextDue = time.Now().Add(o.jittered())
	pending := st.pending
	st.pending = false
	st.running = false
	st.mu.Unlock()
	if pending {
		o.Trigger(connectionID)
	}
	return err
}

// SyncConnection runs one reconciliation pass and applies the failure
// policy: the failure counter resets on success (inside AdvanceCursors) and
// the connection transitions to error after MaxFailures consecutive
// failures.
func (o *Orchestrator) SyncConnection(ctx context.Context, connectionID string) error {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == store.StatusRevoked {
		return fmt.Errorf("connection %s is revoked", connectionID)
	}

	start := time.Now()
	err = o.runPass(ctx, conn)
	elapsed := time.Since(start)

	if err == nil {
		o.metrics.ObservePass(conn.Provider, "success", elapsed)
		o.logger.Info("sync pass complete",
			logging.Connection(conn.ID),
			logging.Provider(conn.Provider),
			logging.Duration(elapsed))
		return nil
	}

	o.metrics.ObservePass(conn.Provider, provider.KindOf(err).String(), elapsed)

	failures := conn.Failures + 1
	if setErr := o.store.SetConnectionFailures(ctx, conn.ID, failures); setErr != nil {
		o.logger.Error("failed to record failure count", logging.Err(setErr))
	}
	// Auth failures already moved the connection to error via the token
	// manager; here only the consecutive-failure policy escalates.
	if failures >= o.opts.MaxFailures && provider.KindOf(err) != provider.FailureAuthExpired {
		if setErr := o.store.SetConnectionStatus(ctx, conn.ID, store.StatusError, err.Error()); setErr != nil {
			o.logger.Error("failed to mark connection errored", logging.Err(setErr))
		}
		o.logger.Error("connection moved to error state after repeated failures",
			logging.Connection(conn.ID),
			slog.Int("failures", failures),
			logging.Err(err))
	}
	return err
}

func (o *Orchestrator) state(connectionID string) *connState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[connectionID]
	if !ok {
		st = &connState{}
		o.states[connectionID] = st
	}
	return st
}

// jittered spreads timers so many connections never fire in lockstep.
func (o *Orchestrator) jittered() time.Duration {
	j := o.opts.Jitter
	return o.opts.Interval - j + time.Duration(rand.Int63n(int64(2*j)))
}
