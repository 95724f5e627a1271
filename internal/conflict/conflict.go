package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// Strategy selects how a divergence is resolved.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local-wins"
	StrategyRemoteWins Strategy = "remote-wins"
	StrategyManual     Strategy = "manual"
	StrategyMerge      Strategy = "merge"

	// StrategyLastWriteWins is never configured directly; it is recorded when
	// near-simultaneous edits inside the grace window resolve by recency.
	StrategyLastWriteWins Strategy = "last-write-wins"
)

// Valid reports whether s is a configurable strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocalWins, StrategyRemoteWins, StrategyManual, StrategyMerge:
		return true
	}
	return false
}

// DefaultStrategy returns the per-entity-type default: the app is the source
// of truth for care logistics (tasks, shifts), while clinic reschedules move
// appointment times, so appointments default to remote-wins on their
// remote-owned fields.
func DefaultStrategy(t entity.Type) Strategy {
	if t == entity.TypeAppointment {
		return StrategyRemoteWins
	}
	return StrategyLocalWins
}

// DefaultGracePeriod is the window within which edits from both sides are
// treated as a race and resolved by recency instead of strategy.
const DefaultGracePeriod = 5 * time.Minute

// Outcome is the decision a resolution produced.
type Outcome string

const (
	OutcomeIdentical  Outcome = "identical"
	OutcomeLocalWins  Outcome = "local-wins"
	OutcomeRemoteWins Outcome = "remote-wins"
	OutcomeMerged     Outcome = "merged"
	OutcomePending    Outcome = "pending"
)

// Input is one detected divergence: both sides changed since the mapping's
// last recorded state.
type Input struct {
	Ref             entity.Ref
	ExternalID      string
	Local           mapper.CanonicalEvent
	LocalChangedAt  time.Time
	Remote          mapper.CanonicalEvent
	RemoteChangedAt time.Time

	// Base is the last-synced snapshot both sides diverged from; nil when the
	// mapping predates snapshot storage. Merge degrades to local-wins
	// without it.
	Base *mapper.CanonicalEvent

	// Strategy overrides the per-type default when set.
	Strategy Strategy
}

// Resolution is the engine's decision. Unless the outcome is pending,
// Winner holds the version both sides converge on; PushRemote and WriteLocal
// say which sides still need that version applied.
type Resolution struct {
	Outcome    Outcome
	Strategy   Strategy
	Winner     mapper.CanonicalEvent
	PushRemote bool
	WriteLocal bool
	RecordID   string
}

// Engine resolves divergences deterministically and records every decision,
// automatic ones included.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time
}

// NewEngine builds a conflict engine. gracePeriod <= 0 uses the default.
func NewEngine(st *store.Store, gracePeriod time.Duration, logger *slog.Logger) *Engine {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, logger: logger, grace: gracePeriod, now: time.Now}
}

// Resolve decides the winner for one divergence. Identical versions advance
// silently with no record; every other decision persists a conflict record.
func (e *Engine) Resolve(ctx context.Context, connectionID string, in Input) (*Resolution, error) {
	local := mapper.Normalize(in.Local)
	remote := mapper.Normalize(in.Remote)

	// Both sides landed on the same content: not a real conflict.
	if mapper.ContentHash(local) == mapper.ContentHash(remote) {
		return &Resolution{Outcome: OutcomeIdentical, Winner: local}, nil
	}

	strategy := in.Strategy
	if strategy == "" {
		strategy = DefaultStrategy(in.Ref.Type)
	}

	var res *Resolution
	if e.withinGrace(in.LocalChangedAt, in.RemoteChangedAt) && strategy != StrategyManual {
		res = resolveLastWriteWins(in, local, remote)
	} else {
		res = e.applyStrategy(strategy, in, local, remote)
	}

	if err := e.record(ctx, connectionID, in, local, remote, res); err != nil {
		return nil, err
	}
	e.logger.Info("conflict resolved",
		logging.Connection(connectionID),
		logging.Entity(in.Ref.String()),
		slog.String("strategy", string(res.Strategy)),
		slog.String("outcome", string(res.Outcome)))
	return res, nil
}

func (e *Engine) withinGrace(localAt, remoteAt time.Time) bool {
	if localAt.IsZero() || remoteAt.IsZero() {
		return false
	}
	d := localAt.Sub(remoteAt)
	if d < 0 {
		d = -d
	}
	return d <= e.grace
}

func resolveLastWriteWins(in Input, local, remote mapper.CanonicalEvent) *Resolution {
	// A race, not a true conflict: the later edit wins wholesale.
	if in.LocalChangedAt.After(in.RemoteChangedAt) {
		return &Resolution{
			Outcome:    OutcomeLocalWins,
			Strategy:   StrategyLastWriteWins,
			Winner:     local,
			PushRemote: true,
		}
	}
	return &Resolution{
		Outcome:    OutcomeRemoteWins,
		Strategy:   StrategyLastWriteWins,
		Winner:     remote,
		WriteLocal: true,
	}
}

func (e *Engine) applyStrategy(strategy Strategy, in Input, local, remote mapper.CanonicalEvent) *Resolution {
	switch strategy {
	case StrategyRemoteWins:
		return resolveRemoteWins(in, local, remote)
	case StrategyManual:
		return &Resolution{Outcome: OutcomePending, Strategy: StrategyManual}
	case StrategyMerge:
		return resolveMerge(in, local, remote)
	default:
		return &Resolution{
			Outcome:    OutcomeLocalWins,
			Strategy:   StrategyLocalWins,
			Winner:     local,
			PushRemote: true,
		}
	}
}

func resolveRemoteWins(in Input, local, remote mapper.CanonicalEvent) *Resolution {
	owned := mapper.RemoteOwnedFields(in.Ref.Type)
	if len(owned) == 0 {
		// No remote-owned fields for this type: the remote version replaces
		// the local one entirely.
		return &Resolution{
			Outcome:    OutcomeRemoteWins,
			Strategy:   StrategyRemoteWins,
			Winner:     remote,
			WriteLocal: true,
		}
	}
	// Only remote-owned fields are pulled; everything else stays local and is
	// pushed back out so both sides converge on the combined version.
	winner := mapper.ApplyFields(local, remote, owned)
	return &Resolution{
		Outcome:    OutcomeRemoteWins,
		Strategy:   StrategyRemoteWins,
		Winner:     winner,
		WriteLocal: true,
		PushRemote: mapper.ContentHash(winner) != mapper.ContentHash(remote),
	}
}

func resolveMerge(in Input, local, remote mapper.CanonicalEvent) *Resolution {
	if in.Base == nil {
		// No common ancestor to diff against; degrade to local-wins.
		return &Resolution{
			Outcome:    OutcomeLocalWins,
			Strategy:   StrategyMerge,
			Winner:     local,
			PushRemote: true,
		}
	}
	base := mapper.Normalize(*in.Base)
	localChanged := mapper.FieldDiff(base, local)
	remoteChanged := mapper.FieldDiff(base, remote)

	// Start from base, layer each side's changes; applying local last makes
	// overlapping fields fall back to local-wins.
	winner := mapper.ApplyFields(base, remote, remoteChanged)
	winner = mapper.ApplyFields(winner, local, localChanged)
	return &Resolution{
		Outcome:    OutcomeMerged,
		Strategy:   StrategyMerge,
		Winner:     winner,
		PushRemote: mapper.ContentHash(winner) != mapper.ContentHash(remote),
		WriteLocal: mapper.ContentHash(winner) != mapper.ContentHash(local),
	}
}

func (e *Engine) record(ctx context.Context, connectionID string, in Input, local, remote mapper.CanonicalEvent, res *Resolution) error {
	// An unresolved manual conflict for this pair keeps surfacing on every
	// pass; one pending record is enough.
	if res.Outcome == OutcomePending {
		pending, err := e.store.ListPendingConflicts(ctx, connectionID)
		if err != nil {
			return err
		}
		for _, rec := range pending {
			if rec.Ref == in.Ref {
				res.RecordID = rec.ID
				return nil
			}
		}
	}

	localSnap, err := mapper.Marshal(local)
	if err != nil {
		return fmt.Errorf("failed to snapshot local version: %w", err)
	}
	remoteSnap, err := mapper.Marshal(remote)
	if err != nil {
		return fmt.Errorf("failed to snapshot remote version: %w", err)
	}

	rec := &store.ConflictRecord{
		ID:             uuid.NewString(),
		ConnectionID:   connectionID,
		Ref:            in.Ref,
		ExternalID:     in.ExternalID,
		LocalSnapshot:  localSnap,
		RemoteSnapshot: remoteSnap,
		DetectedAt:     e.now().UTC(),
		Strategy:       string(res.Strategy),
		Outcome:        string(res.Outcome),
		Status:         store.ConflictResolved,
		ManualReview:   res.Outcome == OutcomePending,
	}
	if res.Outcome == OutcomePending {
		rec.Status = store.ConflictPending
	} else {
		resolvedAt := rec.DetectedAt
		rec.ResolvedAt = &resolvedAt
	}
	if err := e.store.InsertConflict(ctx, rec); err != nil {
		return err
	}
	res.RecordID = rec.ID
	return nil
}
