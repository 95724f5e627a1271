package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scalinity/curaknot-sync/internal/conflict"
	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/oplog"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// runPass performs one full reconciliation: token check, local deltas out,
// remote deltas in, then an atomic cursor advance. Any failure leaves the
// cursors where they were, so a retried pass re-processes the same deltas
// behind the idempotency log.
func (o *Orchestrator) runPass(ctx context.Context, conn *store.Connection) (err error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.PassDeadline)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "sync.pass", trace.WithAttributes(
		attribute.String("connection_id", conn.ID),
		attribute.String("provider", conn.Provider),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	adapter, err := o.factory(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to build adapter: %w", err)
	}

	// (a) token freshness: the adapter pulls a fresh credential through the
	// token manager; an unrecoverable refresh surfaces as AuthExpired here.
	if _, err := callRemote(o, ctx, adapter.Name(), "authenticate",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, adapter.Authenticate(ctx)
		}); err != nil {
		return err
	}

	// handled tracks external ids the outbound phase already reconciled, so
	// the inbound phase does not re-apply a stale remote snapshot of them.
	handled := make(map[string]bool)

	// (b) local deltas since the local cursor.
	localCursor, err := o.pushLocalChanges(ctx, conn, adapter, handled)
	if err != nil {
		return err
	}

	// (c, d, e) remote deltas since the remote cursor, bounded page count.
	remoteCursor, err := o.pullRemoteChanges(ctx, conn, adapter, handled)
	if err != nil {
		return err
	}

	// (f) both cursors advance atomically only after the full batch landed.
	return o.store.AdvanceCursors(ctx, conn.ID, localCursor, remoteCursor)
}

// pushLocalChanges walks the entity change log from the local cursor and
// applies each change outbound. Returns the new local cursor.
func (o *Orchestrator) pushLocalChanges(ctx context.Context, conn *store.Connection, adapter provider.Adapter, handled map[string]bool) (string, error) {
	afterSeq := int64(0)
	if conn.LocalCursor != "" {
		var err error
		afterSeq, err = strconv.ParseInt(conn.LocalCursor, 10, 64)
		if err != nil {
			return "", fmt.Errorf("malformed local cursor %q: %w", conn.LocalCursor, err)
		}
	}

	changes, err := o.store.ListEntityChanges(ctx, afterSeq, o.opts.PageLimit*o.opts.MaxPages)
	if err != nil {
		return "", err
	}

	cursor := conn.LocalCursor
	for _, ch := range changes {
		if conn.Direction.Outbound() {
			if err := o.applyLocalChange(ctx, conn, adapter, ch, handled); err != nil {
				return "", err
			}
		}
		cursor = strconv.FormatInt(ch.Seq, 10)
	}
	return cursor, nil
}

// applyLocalChange reconciles one local change-log row against the provider.
// Validation failures are isolated: logged and skipped without failing the
// pass.
func (o *Orchestrator) applyLocalChange(ctx context.Context, conn *store.Connection, adapter provider.Adapter, ch entity.Change, handled map[string]bool) error {
	mpg, err := o.store.GetMappingByRef(ctx, conn.ID, ch.Ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	mapped := err == nil && !mpg.Tombstoned()

	if ch.Deleted {
		if !mapped {
			return nil
		}
		return o.deleteRemote(ctx, conn, adapter, mpg, ch)
	}

	ent, err := o.store.GetEntity(ctx, ch.Ref)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("change log references missing entity",
			logging.Connection(conn.ID), logging.Entity(ch.Ref.String()))
		return nil
	}
	if err != nil {
		return err
	}

	ev := mapper.ToCanonical(*ent)
	hash := mapper.ContentHash(ev)

	if !mapped {
		return o.createRemote(ctx, conn, adapter, *ent, ev, ch, handled)
	}
	if hash == mpg.ContentHash {
		// Content unchanged after mapping: no spurious write.
		return nil
	}
	return o.updateRemote(ctx, conn, adapter, mpg, *ent, ev, ch, handled)
}

// Outbound mutations key the idempotency log on the change-log sequence, not
// on content: an edit that restores an earlier state within the retention
// window is still a distinct change and must reach the provider.
func (o *Orchestrator) createRemote(ctx context.Context, conn *store.Connection, adapter provider.Adapter, ent entity.CareEntity, ev mapper.CanonicalEvent, ch entity.Change, handled map[string]bool) error {
	key := oplog.Key(conn.ID, ent.Ref, oplog.OpCreate, strconv.FormatInt(ch.Seq, 10))
	res, err := o.oplog.Do(ctx, conn.ID, key, func(ctx context.Context) (*oplog.Result, error) {
		return callRemote(o, ctx, adapter.Name(), "create",
			func(ctx context.Context) (*oplog.Result, error) {
				id, etag, err := adapter.CreateEvent(ctx, ev)
				if err != nil {
					return nil, err
				}
				return &oplog.Result{ExternalID: id, Etag: etag}, nil
			})
	})
	if err != nil {
		return o.skipIfInvalid(conn, ent.Ref, err)
	}

	handled[res.ExternalID] = true
	return o.saveMapping(ctx, conn, ent.Ref, res.ExternalID, res.Etag, ev, ent.UpdatedAt)
}

func (o *Orchestrator) updateRemote(ctx context.Context, conn *store.Connection, adapter provider.Adapter, mpg *store.EventMapping, ent entity.CareEntity, ev mapper.CanonicalEvent, ch entity.Change, handled map[string]bool) error {
	key := oplog.Key(conn.ID, ent.Ref, oplog.OpUpdate, strconv.FormatInt(ch.Seq, 10))
	res, err := o.oplog.Do(ctx, conn.ID, key, func(ctx context.Context) (*oplog.Result, error) {
		return callRemote(o, ctx, adapter.Name(), "update",
			func(ctx context.Context) (*oplog.Result, error) {
				etag, err := adapter.UpdateEvent(ctx, mpg.ExternalID, mpg.Etag, ev)
				if err != nil {
					return nil, err
				}
				return &oplog.Result{ExternalID: mpg.ExternalID, Etag: etag}, nil
			})
	})
	if ce, ok := provider.AsConflict(err); ok {
		handled[mpg.ExternalID] = true
		return o.resolveDivergence(ctx, conn, adapter, mpg, ev, ent.UpdatedAt, ce.Remote)
	}
	if err != nil {
		return o.skipIfInvalid(conn, ent.Ref, err)
	}

	handled[res.ExternalID] = true
	return o.saveMapping(ctx, conn, ent.Ref, res.ExternalID, res.Etag, ev, ent.UpdatedAt)
}

// deleteRemote propagates a local deletion. On an etag conflict the deletion
// still wins: a tombstoned pair must never resurrect, so the delete is
// retried once against the current version.
func (o *Orchestrator) deleteRemote(ctx context.Context, conn *store.Connection, adapter provider.Adapter, mpg *store.EventMapping, ch entity.Change) error {
	key := oplog.Key(conn.ID, ch.Ref, oplog.OpDelete, strconv.FormatInt(ch.Seq, 10))
	_, err := o.oplog.Do(ctx, conn.ID, key, func(ctx context.Context) (*oplog.Result, error) {
		return callRemote(o, ctx, adapter.Name(), "delete",
			func(ctx context.Context) (*oplog.Result, error) {
				err := adapter.DeleteEvent(ctx, mpg.ExternalID, mpg.Etag)
				if ce, ok := provider.AsConflict(err); ok && ce.Remote != nil {
					err = adapter.DeleteEvent(ctx, mpg.ExternalID, ce.Remote.Etag)
				}
				if err != nil {
					return nil, err
				}
				return &oplog.Result{ExternalID: mpg.ExternalID}, nil
			})
	})
	if err != nil {
		return o.skipIfInvalid(conn, ch.Ref, err)
	}
	return o.store.TombstoneMapping(ctx, conn.ID, ch.Ref)
}

// pullRemoteChanges lists remote deltas page by page and applies them
// inbound. Returns the new remote cursor.
func (o *Orchestrator) pullRemoteChanges(ctx context.Context, conn *store.Connection, adapter provider.Adapter, handled map[string]bool) (string, error) {
	cursor := conn.RemoteCursor
	for page := 0; page < o.opts.MaxPages; page++ {
		p, err := callRemote(o, ctx, adapter.Name(), "list",
			func(ctx context.Context) (provider.Page, error) {
				return adapter.ListChanges(ctx, cursor, o.opts.PageLimit)
			})
		if errors.Is(err, provider.ErrCursorExpired) {
			o.logger.Warn("remote cursor expired, re-listing from scratch",
				logging.Connection(conn.ID), logging.Cursor(cursor))
			if err := o.store.ResetRemoteCursor(ctx, conn.ID); err != nil {
				return "", err
			}
			cursor = ""
			continue
		}
		if err != nil {
			return "", err
		}

		for _, re := range p.Events {
			if conn.Direction.Inbound() {
				if err := o.applyRemoteEvent(ctx, conn, adapter, re, handled); err != nil {
					return "", err
				}
			}
		}
		cursor = p.Cursor
		if !p.More {
			break
		}
	}
	return cursor, nil
}

// applyRemoteEvent reconciles one remote change inbound.
func (o *Orchestrator) applyRemoteEvent(ctx context.Context, conn *store.Connection, adapter provider.Adapter, re provider.RemoteEvent, handled map[string]bool) error {
	if handled[re.ID] {
		// The outbound phase already reconciled this pair; the listed
		// change is a stale snapshot.
		return nil
	}

	mpg, err := o.store.GetMappingByExternalID(ctx, conn.ID, re.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	unmapped := errors.Is(err, store.ErrNotFound)

	if re.Deleted {
		if unmapped || mpg.Tombstoned() {
			return nil
		}
		if err := o.store.DeleteEntity(ctx, mpg.Ref); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return o.store.TombstoneMapping(ctx, conn.ID, mpg.Ref)
	}

	if unmapped {
		return o.importRemote(ctx, conn, re)
	}
	if mpg.Tombstoned() {
		// Deleted pairs never resurrect from a late remote edit.
		return nil
	}
	if re.Etag == mpg.Etag {
		return nil
	}

	ent, err := o.store.GetEntity(ctx, mpg.Ref)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("mapping references missing entity",
			logging.Connection(conn.ID), logging.Entity(mpg.Ref.String()))
		return nil
	}
	if err != nil {
		return err
	}

	localEv := mapper.ToCanonical(*ent)
	if mapper.ContentHash(localEv) == mpg.ContentHash {
		// Only the remote side changed: adopt it.
		return o.adoptRemote(ctx, conn, mpg, re)
	}
	// Both sides changed since the last recorded state.
	return o.resolveDivergence(ctx, conn, adapter, mpg, localEv, ent.UpdatedAt, &re)
}

// importRemote creates a local entity for an external event seen for the
// first time. Calendar events carry no entity type, so imports land as
// appointments owned by the connection owner.
func (o *Orchestrator) importRemote(ctx context.Context, conn *store.Connection, re provider.RemoteEvent) error {
	ref := entity.Ref{Type: entity.TypeAppointment, ID: uuid.NewString()}
	ent := mapper.FromCanonical(ref, conn.Owner, re.Event)
	ent.UpdatedAt = re.UpdatedAt

	if err := o.store.UpsertEntity(ctx, ent, mapper.HashEntity(ent)); err != nil {
		return err
	}
	o.logger.Info("imported remote event",
		logging.Connection(conn.ID),
		logging.ExternalID(re.ID),
		logging.Entity(ref.String()))
	return o.saveMappingFromEntity(ctx, conn, ent, re.ID, re.Etag)
}

// adoptRemote overwrites the local entity with the remote version when only
// the remote side changed.
func (o *Orchestrator) adoptRemote(ctx context.Context, conn *store.Connection, mpg *store.EventMapping, re provider.RemoteEvent) error {
	ent, err := o.store.GetEntity(ctx, mpg.Ref)
	if err != nil {
		return err
	}
	updated := mapper.FromCanonical(mpg.Ref, ent.Owner, re.Event)
	updated.UpdatedAt = re.UpdatedAt

	if err := o.store.UpsertEntity(ctx, updated, mapper.HashEntity(updated)); err != nil {
		return err
	}
	return o.saveMappingFromEntity(ctx, conn, updated, re.ID, re.Etag)
}

// resolveDivergence runs the conflict engine for a pair that changed on both
// sides, then applies the winning version wherever it is still missing.
func (o *Orchestrator) resolveDivergence(ctx context.Context, conn *store.Connection, adapter provider.Adapter, mpg *store.EventMapping, localEv mapper.CanonicalEvent, localChangedAt time.Time, remote *provider.RemoteEvent) error {
	if remote == nil {
		return fmt.Errorf("conflict on %s without remote version", mpg.Ref)
	}
	if remote.Deleted {
		return o.resolveRemoteDeletion(ctx, conn, adapter, mpg, localEv)
	}

	in := conflict.Input{
		Ref:             mpg.Ref,
		ExternalID:      mpg.ExternalID,
		Local:           localEv,
		LocalChangedAt:  localChangedAt,
		Remote:          remote.Event,
		RemoteChangedAt: remote.UpdatedAt,
		Strategy:        o.opts.Strategy,
	}
	if len(mpg.BaseEvent) > 0 {
		if base, err := mapper.Unmarshal(mpg.BaseEvent); err == nil {
			in.Base = &base
		}
	}

	res, err := o.conflicts.Resolve(ctx, conn.ID, in)
	if err != nil {
		return err
	}
	o.metrics.ObserveConflict(string(res.Strategy), string(res.Outcome))

	if res.Outcome == conflict.OutcomePending {
		// Manual review: neither side is written; the record persists until
		// a user decision arrives.
		return nil
	}

	etag := remote.Etag
	if res.PushRemote {
		newEtag, err := callRemote(o, ctx, adapter.Name(), "update",
			func(ctx context.Context) (string, error) {
				return adapter.UpdateEvent(ctx, mpg.ExternalID, etag, res.Winner)
			})
		if err != nil {
			return o.skipIfInvalid(conn, mpg.Ref, err)
		}
		etag = newEtag
	}
	if res.WriteLocal {
		ent, err := o.store.GetEntity(ctx, mpg.Ref)
		if err != nil {
			return err
		}
		winner := mapper.FromCanonical(mpg.Ref, ent.Owner, res.Winner)
		winner.UpdatedAt = time.Now().UTC()
		if err := o.store.UpsertEntity(ctx, winner, mapper.HashEntity(winner)); err != nil {
			return err
		}
	}
	return o.saveMapping(ctx, conn, mpg.Ref, mpg.ExternalID, etag, res.Winner, time.Now().UTC())
}

// resolveRemoteDeletion handles a pair where the remote event vanished while
// the local side was edited. The local edit wins: the event is recreated so
// user work is never silently discarded.
func (o *Orchestrator) resolveRemoteDeletion(ctx context.Context, conn *store.Connection, adapter provider.Adapter, mpg *store.EventMapping, localEv mapper.CanonicalEvent) error {
	res, err := callRemote(o, ctx, adapter.Name(), "create",
		func(ctx context.Context) (*oplog.Result, error) {
			id, etag, err := adapter.CreateEvent(ctx, localEv)
			if err != nil {
				return nil, err
			}
			return &oplog.Result{ExternalID: id, Etag: etag}, nil
		})
	if err != nil {
		return o.skipIfInvalid(conn, mpg.Ref, err)
	}
	o.logger.Info("recreated remotely deleted event",
		logging.Connection(conn.ID),
		logging.Entity(mpg.Ref.String()),
		logging.ExternalID(res.ExternalID))
	return o.saveMapping(ctx, conn, mpg.Ref, res.ExternalID, res.Etag, localEv, time.Now().UTC())
}

// saveMapping records the synced state of a pair: external identity, content
// hash, and the canonical snapshot used as the merge ancestor.
func (o *Orchestrator) saveMapping(ctx context.Context, conn *store.Connection, ref entity.Ref, externalID, etag string, ev mapper.CanonicalEvent, localUpdatedAt time.Time) error {
	base, err := mapper.Marshal(ev)
	if err != nil {
		return err
	}
	return o.store.UpsertMapping(ctx, &store.EventMapping{
		ConnectionID:    conn.ID,
		Ref:             ref,
		ExternalID:      externalID,
		Etag:            etag,
		ContentHash:     mapper.ContentHash(ev),
		BaseEvent:       base,
		LocalUpdatedAt:  localUpdatedAt,
		RemoteUpdatedAt: time.Now().UTC(),
	})
}

func (o *Orchestrator) saveMappingFromEntity(ctx context.Context, conn *store.Connection, ent entity.CareEntity, externalID, etag string) error {
	return o.saveMapping(ctx, conn, ent.Ref, externalID, etag,
		mapper.ToCanonical(ent), ent.UpdatedAt)
}

// skipIfInvalid isolates per-entity validation failures: the entity is
// logged and skipped, the pass continues. Every other failure propagates.
func (o *Orchestrator) skipIfInvalid(conn *store.Connection, ref entity.Ref, err error) error {
	if provider.KindOf(err) != provider.FailureValidation {
		return err
	}
	o.logger.Warn("entity rejected by provider, skipped",
		logging.Connection(conn.ID),
		logging.Entity(ref.String()),
		logging.Err(err))
	return nil
}

// callRemote wraps one provider call with the per-call timeout and the
// transient-failure retry policy: exponential backoff with jitter, honoring
// provider-specified retry delays, capped attempts.
func callRemote[T any](o *Orchestrator, ctx context.Context, providerKind, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.RandomizationFactor = 0.2

	operation := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
		defer cancel()
		callCtx, span := o.tracer.Start(callCtx, "provider."+op,
			trace.WithAttributes(attribute.String("provider", providerKind)))
		defer span.End()
		v, err := fn(callCtx)
		if err == nil {
			o.metrics.ObserveProviderCall(providerKind, op, "ok")
			return v, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, provider.KindOf(err).String())
		o.metrics.ObserveProviderCall(providerKind, op, provider.KindOf(err).String())
		if !provider.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		if ra := provider.RetryAfterOf(err); ra > 0 {
			return v, &backoff.RetryAfterError{Duration: ra}
		}
		return v, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.opts.MaxAttempts)))
}
