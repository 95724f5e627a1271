package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/scalinity/curaknot-sync/internal/conflict"
	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/oplog"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/provider/providertest"
	"github.com/scalinity/curaknot-sync/internal/store"
)

type fixture struct {
	store   *store.Store
	adapter *providertest.Adapter
	orch    *Orchestrator
	connID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	adapter := providertest.New("test")
	factory := func(ctx context.Context, conn *store.Connection) (provider.Adapter, error) {
		return adapter, nil
	}
	orch := New(st, oplog.New(st, nil), conflict.NewEngine(st, 0, nil),
		factory, nil, nil, Options{})

	conn := &store.Connection{
		ID:         "conn-1",
		Owner:      "family-rivera",
		Provider:   "test",
		CalendarID: "cal-1",
		Direction:  store.DirectionBidirectional,
		Status:     store.StatusActive,
	}
	require.NoError(t, st.CreateConnection(context.Background(), conn))

	return &fixture{store: st, adapter: adapter, orch: orch, connID: conn.ID}
}

func (f *fixture) upsertShift(t *testing.T, id, title string, updatedAt time.Time) entity.CareEntity {
	t.Helper()
	start := time.Date(2026, 7, 6, 8, 0, 0, 0, time.UTC)
	ent := entity.CareEntity{
		Ref:       entity.Ref{Type: entity.TypeShift, ID: id},
		Owner:     "family-rivera",
		Title:     title,
		Start:     start,
		End:       start.Add(8 * time.Hour),
		UpdatedAt: updatedAt,
	}
	require.NoError(t, f.store.UpsertEntity(context.Background(), ent, mapper.HashEntity(ent)))
	return ent
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.SyncConnection(context.Background(), f.connID))
}

func TestOutboundCreateAndRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.upsertShift(t, "s1", "Morning shift", time.Time{})

	f.sync(t)

	assert.Equal(t, 1, f.adapter.Len())
	assert.Equal(t, 1, f.adapter.CallCount("CreateEvent"))

	// The pushed event carries the mapped shape.
	mpg, err := f.store.GetMappingByRef(context.Background(), f.connID,
		entity.Ref{Type: entity.TypeShift, ID: "s1"})
	require.NoError(t, err)
	ev, ok := f.adapter.Get(mpg.ExternalID)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ev.Data.Title, mapper.TitlePrefix))

	// Round trip: an immediate re-sync with no edits produces zero writes.
	f.sync(t)
	assert.Equal(t, 1, f.adapter.CallCount("CreateEvent"))
	assert.Equal(t, 0, f.adapter.CallCount("UpdateEvent"))
}

func TestCursorsAdvanceAtomicallyAndOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.upsertShift(t, "s1", "Morning shift", time.Time{})

	// Three transient list failures exhaust the retry attempts and fail the
	// pass after the outbound create already happened.
	boom := provider.NewError(provider.FailureTransient, errors.New("socket reset"))
	f.adapter.FailWith("ListChanges", boom, boom, boom)

	err := f.orch.SyncConnection(context.Background(), f.connID)
	require.Error(t, err)

	conn, err := f.store.GetConnection(context.Background(), f.connID)
	require.NoError(t, err)
	assert.Empty(t, conn.LocalCursor, "failed batch must not advance cursors")
	assert.Empty(t, conn.RemoteCursor)
	assert.Equal(t, 1, conn.Failures)

	// The retried pass replays the create from the idempotency log: same
	// final state as a single clean run, no duplicate external event.
	f.sync(t)
	assert.Equal(t, 1, f.adapter.CallCount("CreateEvent"))
	assert.Equal(t, 1, f.adapter.Len())

	conn, err = f.store.GetConnection(context.Background(), f.connID)
	require.NoError(t, err)
	assert.NotEmpty(t, conn.LocalCursor)
	assert.Equal(t, 0, conn.Failures)
	assert.Equal(t, store.StatusActive, conn.Status)
}

func TestTransientFailureIsRetriedWithinPass(t *testing.T) {
	f := newFixture(t)
	f.adapter.FailWith("ListChanges",
		provider.NewError(provider.FailureTransient, errors.New("flaky")))

	f.sync(t)
	assert.Equal(t, 2, f.adapter.CallCount("ListChanges"))
}

func TestShiftDivergenceLocalWins(t *testing.T) {
	f := newFixture(t)
	f.upsertShift(t, "s1", "Morning shift", time.Time{})
	f.sync(t)

	mpg, err := f.store.GetMappingByRef(context.Background(), f.connID,
		entity.Ref{Type: entity.TypeShift, ID: "s1"})
	require.NoError(t, err)

	// Edit both sides. The local edit is hours older, so the grace window
	// does not apply and the shift default (local-wins) decides.
	f.upsertShift(t, "s1", "Morning shift (Maria)", time.Now().Add(-2*time.Hour))
	f.adapter.MutateRemotely(mpg.ExternalID, mapper.CanonicalEvent{
		Title: mapper.TitlePrefix + "Morning shift (Jon)",
		Start: time.Date(2026, 7, 6, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 7, 6, 16, 0, 0, 0, time.UTC),
	})

	f.sync(t)

	ev, ok := f.adapter.Get(mpg.ExternalID)
	require.True(t, ok)
	assert.Equal(t, mapper.TitlePrefix+"Morning shift (Maria)", ev.Data.Title,
		"local version must overwrite the remote edit")

	recs, err := f.store.ListPendingConflicts(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, recs, "local-wins resolves without manual review")
}

func TestInboundImportCreatesAppointment(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 7, 8, 11, 0, 0, 0, time.UTC)
	extID, _ := f.adapter.Seed(mapper.CanonicalEvent{
		Title: "Cardiology consult",
		Start: start,
		End:   start.Add(time.Hour),
	})

	f.sync(t)

	mpg, err := f.store.GetMappingByExternalID(context.Background(), f.connID, extID)
	require.NoError(t, err)
	assert.Equal(t, entity.TypeAppointment, mpg.Ref.Type)

	ent, err := f.store.GetEntity(context.Background(), mpg.Ref)
	require.NoError(t, err)
	assert.Equal(t, "Cardiology consult", ent.Title)
	assert.Equal(t, "family-rivera", ent.Owner)
}

func TestInboundDeletionTombstones(t *testing.T) {
	f := newFixture(t)
	f.upsertShift(t, "s1", "Morning shift", time.Time{})
	f.sync(t)

	ref := entity.Ref{Type: entity.TypeShift, ID: "s1"}
	mpg, err := f.store.GetMappingByRef(context.Background(), f.connID, ref)
	require.NoError(t, err)

	// Remote side deletes the event out of band.
	ev, ok := f.adapter.Get(mpg.ExternalID)
	require.True(t, ok)
	require.NoError(t, f.adapter.DeleteEvent(context.Background(),
		mpg.ExternalID, strconv.FormatInt(ev.Version, 10)))

	f.sync(t)

	ent, err := f.store.GetEntity(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ent.Deleted)

	mpg, err = f.store.GetMappingByRef(context.Background(), f.connID, ref)
	require.NoError(t, err)
	assert.True(t, mpg.Tombstoned())

	// The local deletion echo in the change log must not resurrect the pair.
	f.sync(t)
	mpg, err = f.store.GetMappingByRef(context.Background(), f.connID, ref)
	require.NoError(t, err)
	assert.True(t, mpg.Tombstoned())
}

func TestOutboundDeletionWinsOverRemoteEdit(t *testing.T) {
	f := newFixture(t)
	f.upsertShift(t, "s1", "Morning shift", time.Time{})
	f.sync(t)

	ref := entity.Ref{Type: entity.TypeShift, ID: "s1"}
	mpg, err := f.store.GetMappingByRef(context.Background(), f.connID, ref)
	require.NoError(t, err)

	// Remote edit bumps the version, then the entity is deleted locally.
	f.adapter.MutateRemotely(mpg.ExternalID, mapper.CanonicalEvent{
		Title: mapper.TitlePrefix + "Morning shift (edited)",
		Start: time.Date(2026, 7, 6, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 7, 6, 16, 0, 0, 0, time.UTC),
	})
	require.NoError(t, f.store.DeleteEntity(context.Background(), ref))

	f.sync(t)

	assert.Equal(t, 0, f.adapter.Len(), "deletion must win over the stale edit")
	mpg, err = f.store.GetMappingByRef(context.Background(), f.connID, ref)
	require.NoError(t, err)
	assert.True(t, mpg.Tombstoned())
}

func TestManualStrategyLeavesBothSidesUntouched(t *testing.T) {
	f := newFixture(t)
	f.orch.opts.Strategy = conflict.StrategyManual
	f.upsertShift(t, "s1", "Morning shift", time.Time{})
	f.sync(t)

	mpg, err := f.store.GetMappingByRef(context.Background(), f.connID,
		entity.Ref{Type: entity.TypeShift, ID: "s1"})
	require.NoError(t, err)

	f.upsertShift(t, "s1", "local edit", time.Now().Add(-2*time.Hour))
	remoteTitle := mapper.TitlePrefix + "remote edit"
	f.adapter.MutateRemotely(mpg.ExternalID, mapper.CanonicalEvent{
		Title: remoteTitle,
		Start: time.Date(2026, 7, 6, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 7, 6, 16, 0, 0, 0, time.UTC),
	})

	f.sync(t)

	ev, ok := f.adapter.Get(mpg.ExternalID)
	require.True(t, ok)
	assert.Equal(t, remoteTitle, ev.Data.Title, "remote side untouched")

	ent, err := f.store.GetEntity(context.Background(), mpg.Ref)
	require.NoError(t, err)
	assert.Equal(t, "local edit", ent.Title, "local side untouched")

	pending, err := f.store.ListPendingConflicts(context.Background(), f.connID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRepeatedEditsAllReachProvider(t *testing.T) {
	f := newFixture(t)
	f.upsertShift(t, "s1", "Morning shift", time.Time{})
	f.sync(t)

	// Toggle the title back and forth, syncing after each edit. An edit that
	// restores an earlier state is still a distinct change; none may be
	// swallowed by a replayed operation result.
	for _, title := range []string{"Evening shift", "Morning shift", "Evening shift"} {
		f.upsertShift(t, "s1", title, time.Time{})
		f.sync(t)
	}

	assert.Equal(t, 3, f.adapter.CallCount("UpdateEvent"))

	mpg, err := f.store.GetMappingByRef(context.Background(), f.connID,
		entity.Ref{Type: entity.TypeShift, ID: "s1"})
	require.NoError(t, err)
	ev, ok := f.adapter.Get(mpg.ExternalID)
	require.True(t, ok)
	assert.Equal(t, mapper.TitlePrefix+"Evening shift", ev.Data.Title,
		"the last edit must win on the remote side")
}

func TestPassEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	f.upsertShift(t, "s1", "Morning shift", time.Time{})
	f.sync(t)

	var pass sdktrace.ReadOnlySpan
	calls := make(map[string]int)
	for _, s := range recorder.Ended() {
		if s.Name() == "sync.pass" {
			pass = s
			continue
		}
		calls[s.Name()]++
	}
	require.NotNil(t, pass, "each pass opens one span")
	assert.Contains(t, pass.Attributes(), attribute.String("connection_id", f.connID))
	assert.Contains(t, pass.Attributes(), attribute.String("provider", "test"))

	assert.Equal(t, 1, calls["provider.authenticate"])
	assert.Equal(t, 1, calls["provider.create"])
	assert.Equal(t, 1, calls["provider.list"])
}

func TestSyncNowCoalescesWhileRunning(t *testing.T) {
	f := newFixture(t)

	st := f.orch.state(f.connID)
	st.mu.Lock()
	st.running = true
	st.mu.Unlock()

	require.NoError(t, f.orch.SyncNow(context.Background(), f.connID))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.True(t, st.pending, "trigger during a running pass coalesces")
	assert.Equal(t, 0, f.adapter.CallCount("Authenticate"),
		"no parallel pass may start")
}

func TestRevokedConnectionDoesNotSync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.RevokeConnection(context.Background(), f.connID))

	err := f.orch.SyncConnection(context.Background(), f.connID)
	assert.Error(t, err)
	assert.Equal(t, 0, f.adapter.CallCount("Authenticate"))
}

func TestRepeatedFailuresMoveConnectionToError(t *testing.T) {
	f := newFixture(t)
	boom := provider.NewError(provider.FailurePermanent, errors.New("calendar deleted"))
	f.adapter.FailWith("Authenticate", boom, boom, boom)

	for i := 0; i < 3; i++ {
		err := f.orch.SyncConnection(context.Background(), f.connID)
		require.Error(t, err)
	}

	conn, err := f.store.GetConnection(context.Background(), f.connID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, conn.Status)
	assert.Equal(t, 3, conn.Failures)
}
