package localcal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// Adapter implements the provider contract over the device-local calendar
// kept in the engine's own database. It exists so sync behavior can be
// exercised end to end without external accounts, and serves as the
// reference adapter: etags are row versions, the change cursor is the
// calendar's monotonic change sequence.
type Adapter struct {
	store      *store.Store
	calendarID string

	mu          sync.Mutex
	subscribers []func()
}

// New builds an adapter over one local calendar.
func New(st *store.Store, calendarID string) *Adapter {
	return &Adapter{store: st, calendarID: calendarID}
}

// Name returns the provider kind.
func (a *Adapter) Name() string { return provider.KindLocalCalendar }

// Authenticate always succeeds; the local calendar needs no credentials.
func (a *Adapter) Authenticate(ctx context.Context) error { return nil }

// ListChanges returns events with a change sequence past cursor.
func (a *Adapter) ListChanges(ctx context.Context, cursor string, limit int) (provider.Page, error) {
	afterSeq := int64(0)
	if cursor != "" {
		var err error
		afterSeq, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return provider.Page{}, provider.ErrCursorExpired
		}
	}

	rows, err := a.store.LocalChanges(ctx, a.calendarID, afterSeq, limit+1)
	if err != nil {
		return provider.Page{}, provider.NewError(provider.FailureTransient, err)
	}

	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}

	page := provider.Page{Cursor: cursor, More: more}
	for _, row := range rows {
		re, err := toRemote(row)
		if err != nil {
			return provider.Page{}, err
		}
		page.Events = append(page.Events, re)
		page.Cursor = strconv.FormatInt(row.Seq, 10)
	}
	return page, nil
}

// CreateEvent stores a new event and returns its id and version etag.
func (a *Adapter) CreateEvent(ctx context.Context, ev mapper.CanonicalEvent) (string, string, error) {
	payload, err := mapper.Marshal(ev)
	if err != nil {
		return "", "", provider.NewError(provider.FailureValidation, err)
	}
	id := uuid.NewString()
	row, err := a.store.LocalPut(ctx, a.calendarID, id, payload)
	if err != nil {
		return "", "", provider.NewError(provider.FailureTransient, err)
	}
	a.notify()
	return id, etagOf(row.Version), nil
}

// UpdateEvent replaces an event guarded by its version etag. A stale etag
// yields a conflict carrying the current version.
func (a *Adapter) UpdateEvent(ctx context.Context, id, etag string, ev mapper.CanonicalEvent) (string, error) {
	version, err := parseEtag(etag)
	if err != nil {
		return "", err
	}
	payload, err := mapper.Marshal(ev)
	if err != nil {
		return "", provider.NewError(provider.FailureValidation, err)
	}

	row, err := a.store.LocalUpdate(ctx, a.calendarID, id, version, payload)
	if errors.Is(err, store.ErrVersionMismatch) {
		return "", a.conflict(row)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", provider.NewError(provider.FailureNotFound, err)
	}
	if err != nil {
		return "", provider.NewError(provider.FailureTransient, err)
	}
	a.notify()
	return etagOf(row.Version), nil
}

// DeleteEvent removes an event guarded by its version etag. Deleting an
// absent or already-deleted event succeeds.
func (a *Adapter) DeleteEvent(ctx context.Context, id, etag string) error {
	version, err := parseEtag(etag)
	if err != nil {
		return err
	}
	row, err := a.store.LocalDelete(ctx, a.calendarID, id, version)
	if errors.Is(err, store.ErrVersionMismatch) {
		return a.conflict(row)
	}
	if err != nil {
		return provider.NewError(provider.FailureTransient, err)
	}
	a.notify()
	return nil
}

// SubscribeToChanges registers an in-process notification for every local
// write. The orchestrator debounces these like provider webhooks.
func (a *Adapter) SubscribeToChanges(ctx context.Context, notify func()) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, notify)
	idx := len(a.subscribers) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.subscribers[idx] = nil
	}, nil
}

func (a *Adapter) notify() {
	a.mu.Lock()
	subs := append([]func(){}, a.subscribers...)
	a.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn()
		}
	}
}

func (a *Adapter) conflict(current *store.LocalEvent) error {
	if current == nil {
		return &provider.ConflictError{}
	}
	re, err := toRemote(current)
	if err != nil {
		return &provider.ConflictError{}
	}
	return &provider.ConflictError{Remote: &re}
}

func toRemote(row *store.LocalEvent) (provider.RemoteEvent, error) {
	re := provider.RemoteEvent{
		ID:        row.EventID,
		Etag:      etagOf(row.Version),
		Deleted:   row.Deleted,
		UpdatedAt: row.UpdatedAt,
	}
	if row.Deleted {
		return re, nil
	}
	ev, err := mapper.Unmarshal(row.Payload)
	if err != nil {
		return provider.RemoteEvent{}, provider.NewError(provider.FailureValidation,
			fmt.Errorf("corrupt local event %s: %w", row.EventID, err))
	}
	re.Event = ev
	return re, nil
}

func etagOf(version int64) string {
	return strconv.FormatInt(version, 10)
}

func parseEtag(etag string) (int64, error) {
	if etag == "" {
		return 0, nil
	}
	version, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, provider.NewError(provider.FailureValidation,
			fmt.Errorf("malformed etag %q: %w", etag, err))
	}
	return version, nil
}
