package oplog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// DefaultTTL is how long completed operation results are retained. A crashed
// pass restarts well within this window, so every replayed mutation hits the
// cache instead of the provider.
const DefaultTTL = 24 * time.Hour

// Op names a mutating provider call for key derivation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Result is what a completed mutation produced: the provider-side identity of
// the affected event. Replays return the recorded result without another
// provider call.
type Result struct {
	ExternalID string `json:"external_id"`
	Etag       string `json:"etag,omitempty"`
}

// Key derives the deterministic operation key for one mutation. The same
// (connection, entity, operation, source version) always maps to the same
// key, so a pass that crashes and restarts replays into cache hits.
func Key(connectionID string, ref entity.Ref, op Op, sourceVersion string) string {
	sum := sha256.Sum256([]byte(connectionID + "\x00" + ref.String() + "\x00" +
		string(op) + "\x00" + sourceVersion))
	return hex.EncodeToString(sum[:])
}

// Log is the idempotent operation log guarding provider mutations.
type Log struct {
	store  *store.Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// New builds an operation log with the default retention.
func New(st *store.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: st, logger: logger, ttl: DefaultTTL, now: time.Now}
}

// Do executes a mutating provider call at most once per key. If the key has
// a live cached result, that result is returned and fn is not called. The
// result is recorded only after fn succeeds; a failed call leaves no entry,
// so the next attempt executes again.
func (l *Log) Do(ctx context.Context, connectionID, key string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	cached, ok, err := l.store.GetIdempotency(ctx, key, l.now())
	if err != nil {
		return nil, err
	}
	if ok {
		var res Result
		if err := json.Unmarshal(cached, &res); err != nil {
			return nil, fmt.Errorf("corrupt idempotency entry %s: %w", key, err)
		}
		l.logger.Debug("operation replayed from log",
			logging.Connection(connectionID),
			slog.String("op_key", key),
			logging.ExternalID(res.ExternalID))
		return &res, nil
	}

	res, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation result: %w", err)
	}
	if err := l.store.PutIdempotency(ctx, key, connectionID, data, l.now().Add(l.ttl)); err != nil {
		// The mutation itself succeeded; failing to cache only risks a
		// duplicate-safe replay later.
		l.logger.Warn("failed to record operation result",
			logging.Connection(connectionID),
			slog.String("op_key", key),
			logging.Err(err))
	}
	return res, nil
}

// Prune removes expired entries. The orchestrator runs this on a schedule.
func (l *Log) Prune(ctx context.Context) (int64, error) {
	n, err := l.store.PruneIdempotency(ctx, l.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Debug("pruned idempotency entries", slog.Int64("removed", n))
	}
	return n, nil
}
