// Package providertest holds an in-memory scripted adapter for exercising
// the sync engine without network providers. Failures are injected per call
// name and every call is recorded.
package providertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/provider"
)

// Event is one stored event with its version counter.
type Event struct {
	ID        string
	Version   int64
	Data      mapper.CanonicalEvent
	Deleted   bool
	UpdatedAt time.Time
	Seq       int64
}

// Adapter is a fully in-memory provider with the same concurrency semantics
// as a real one: version etags, a monotonic change sequence as cursor, and
// conflicts on stale etags.
type Adapter struct {
	mu      sync.Mutex
	name    string
	events  map[string]*Event
	nextID  int64
	nextSeq int64

	// FailNext maps a call name (Authenticate, ListChanges, CreateEvent,
	// UpdateEvent, DeleteEvent) to errors returned, one per call, before the
	// real behavior resumes.
	failNext map[string][]error

	calls []string
	now   func() time.Time
}

// New builds an empty scripted adapter.
func New(name string) *Adapter {
	return &Adapter{
		name:     name,
		events:   make(map[string]*Event),
		failNext: make(map[string][]error),
		now:      time.Now,
	}
}

// FailWith queues err to be returned by the next call(s) to the named method.
func (a *Adapter) FailWith(method string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[method] = append(a.failNext[method], errs...)
}

// Calls returns the recorded call names in order.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// CallCount returns how many times the named method ran (including failures).
func (a *Adapter) CallCount(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int
	for _, c := range a.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Seed inserts an event directly, bypassing call recording. Returns the id
// and etag.
func (a *Adapter) Seed(ev mapper.CanonicalEvent) (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.allocID()
	a.nextSeq++
	a.events[id] = &Event{
		ID: id, Version: 1, Data: mapper.Normalize(ev),
		UpdatedAt: a.now(), Seq: a.nextSeq,
	}
	return id, "1"
}

// MutateRemotely simulates an out-of-band edit by another client, bumping the
// event's version.
func (a *Adapter) MutateRemotely(id string, ev mapper.CanonicalEvent) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.events[id]
	if !ok {
		panic(fmt.Sprintf("providertest: no event %s", id))
	}
	e.Version++
	e.Data = mapper.Normalize(ev)
	e.UpdatedAt = a.now()
	a.nextSeq++
	e.Seq = a.nextSeq
	return strconv.FormatInt(e.Version, 10)
}

// Get returns a snapshot of a stored event, for assertions.
func (a *Adapter) Get(id string) (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.events[id]
	if !ok {
		return Event{}, false
	}
	return *e, true
}

// Len returns how many live (non-deleted) events are stored.
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int
	for _, e := range a.events {
		if !e.Deleted {
			n++
		}
	}
	return n
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Authenticate(ctx context.Context) error {
	return a.record("Authenticate")
}

func (a *Adapter) ListChanges(ctx context.Context, cursor string, limit int) (provider.Page, error) {
	if err := a.record("ListChanges"); err != nil {
		return provider.Page{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	afterSeq := int64(0)
	if cursor != "" {
		var err error
		afterSeq, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return provider.Page{}, provider.ErrCursorExpired
		}
	}

	var changed []*Event
	for _, e := range a.events {
		if e.Seq > afterSeq {
			changed = append(changed, e)
		}
	}
	// Order by sequence.
	for i := 0; i < len(changed); i++ {
		for j := i + 1; j < len(changed); j++ {
			if changed[j].Seq < changed[i].Seq {
				changed[i], changed[j] = changed[j], changed[i]
			}
		}
	}

	page := provider.Page{Cursor: cursor}
	for i, e := range changed {
		if i == limit {
			page.More = true
			break
		}
		page.Events = append(page.Events, provider.RemoteEvent{
			ID:        e.ID,
			Etag:      strconv.FormatInt(e.Version, 10),
			Event:     e.Data,
			Deleted:   e.Deleted,
			UpdatedAt: e.UpdatedAt,
		})
		page.Cursor = strconv.FormatInt(e.Seq, 10)
	}
	return page, nil
}

func (a *Adapter) CreateEvent(ctx context.Context, ev mapper.CanonicalEvent) (string, string, error) {
	if err := a.record("CreateEvent"); err != nil {
		return "", "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.allocID()
	a.nextSeq++
	a.events[id] = &Event{
		ID: id, Version: 1, Data: mapper.Normalize(ev),
		UpdatedAt: a.now(), Seq: a.nextSeq,
	}
	return id, "1", nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, id, etag string, ev mapper.CanonicalEvent) (string, error) {
	if err := a.record("UpdateEvent"); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.events[id]
	if !ok {
		return "", provider.NewError(provider.FailureNotFound, fmt.Errorf("no event %s", id))
	}
	if strconv.FormatInt(e.Version, 10) != etag || e.Deleted {
		return "", a.conflictLocked(e)
	}
	e.Version++
	e.Data = mapper.Normalize(ev)
	e.UpdatedAt = a.now()
	a.nextSeq++
	e.Seq = a.nextSeq
	return strconv.FormatInt(e.Version, 10), nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, id, etag string) error {
	if err := a.record("DeleteEvent"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.events[id]
	if !ok || e.Deleted {
		return nil
	}
	if strconv.FormatInt(e.Version, 10) != etag {
		return a.conflictLocked(e)
	}
	e.Version++
	e.Deleted = true
	e.UpdatedAt = a.now()
	a.nextSeq++
	e.Seq = a.nextSeq
	return nil
}

func (a *Adapter) conflictLocked(e *Event) error {
	return &provider.ConflictError{Remote: &provider.RemoteEvent{
		ID:        e.ID,
		Etag:      strconv.FormatInt(e.Version, 10),
		Event:     e.Data,
		Deleted:   e.Deleted,
		UpdatedAt: e.UpdatedAt,
	}}
}

func (a *Adapter) record(method string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, method)
	queue := a.failNext[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	a.failNext[method] = queue[1:]
	return err
}

func (a *Adapter) allocID() string {
	a.nextID++
	return fmt.Sprintf("%s-evt-%d", a.name, a.nextID)
}
