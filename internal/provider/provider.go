package provider

import (
	"context"
	"errors"
	"time"

	"github.com/scalinity/curaknot-sync/internal/mapper"
)

// Provider kinds known to the engine. The orchestrator never branches on
// these; they exist for registry lookup and logging only.
const (
	KindGoogleCalendar = "google-calendar"
	KindLocalCalendar  = "local-calendar"
)

// RemoteEvent is one event as reported by an external calendar, carrying the
// opaque version marker used for optimistic concurrency.
type RemoteEvent struct {
	ID        string
	Etag      string
	Event     mapper.CanonicalEvent
	Deleted   bool
	UpdatedAt time.Time
}

// Page is one page of remote changes. Cursor is the resumption point to pass
// to the next ListChanges call; More indicates the provider has further
// pages immediately available.
type Page struct {
	Events []RemoteEvent
	Cursor string
	More   bool
}

// Adapter is the capability interface implemented once per external calendar
// system. Implementations normalize authentication, event CRUD, and change
// listing; all mutating calls are optimistic-concurrency-checked via etags.
//
// ListChanges must tolerate being resumed from any previously returned
// cursor and may deliver the same changed item more than once; consumers are
// idempotent.
type Adapter interface {
	// Name returns the provider kind, for logs and metrics.
	Name() string

	// Authenticate verifies the adapter's credentials are usable.
	Authenticate(ctx context.Context) error

	// ListChanges returns events changed since cursor. An empty cursor
	// requests changes from the beginning.
	ListChanges(ctx context.Context, cursor string, limit int) (Page, error)

	// CreateEvent creates an event and returns its external id and etag.
	CreateEvent(ctx context.Context, ev mapper.CanonicalEvent) (id, etag string, err error)

	// UpdateEvent replaces an event guarded by etag. A stale etag yields a
	// *ConflictError carrying the current remote version, never a silent
	// overwrite.
	UpdateEvent(ctx context.Context, id, etag string, ev mapper.CanonicalEvent) (newEtag string, err error)

	// DeleteEvent removes an event guarded by etag, with the same conflict
	// semantics as UpdateEvent. Deleting an already-absent event succeeds.
	DeleteEvent(ctx context.Context, id, etag string) error
}

// ChangeNotifier is the optional push capability. Adapters that support
// provider-side change notifications implement it; the orchestrator feeds
// the callback into its debounced trigger queue.
type ChangeNotifier interface {
	SubscribeToChanges(ctx context.Context, notify func()) (cancel func(), err error)
}

// ErrCursorExpired signals that the provider no longer honors the given
// change cursor and the caller must reset it and re-list from the beginning.
var ErrCursorExpired = errors.New("provider: change cursor expired")
