package localcal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, "family-device")
}

func sampleEvent(title string) mapper.CanonicalEvent {
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	return mapper.CanonicalEvent{Title: title, Start: start, End: start.Add(time.Hour)}
}

func TestCreateUpdateDeleteLifecycle(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	id, etag, err := a.CreateEvent(ctx, sampleEvent("Pick up prescriptions"))
	require.NoError(t, err)
	assert.Equal(t, "1", etag)

	etag2, err := a.UpdateEvent(ctx, id, etag, sampleEvent("Pick up prescriptions (pharmacy B)"))
	require.NoError(t, err)
	assert.Equal(t, "2", etag2)

	require.NoError(t, a.DeleteEvent(ctx, id, etag2))

	// Deleting again is a no-op.
	require.NoError(t, a.DeleteEvent(ctx, id, etag2))
}

func TestStaleEtagYieldsConflictWithCurrentVersion(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	id, etag, err := a.CreateEvent(ctx, sampleEvent("Morning shift"))
	require.NoError(t, err)

	_, err = a.UpdateEvent(ctx, id, etag, sampleEvent("Morning shift v2"))
	require.NoError(t, err)

	// Writing with the original etag must surface the current version.
	_, err = a.UpdateEvent(ctx, id, etag, sampleEvent("Morning shift v3"))
	ce, ok := provider.AsConflict(err)
	require.True(t, ok, "stale etag must yield a conflict, got %v", err)
	require.NotNil(t, ce.Remote)
	assert.Equal(t, "2", ce.Remote.Etag)
	assert.Equal(t, "Morning shift v2", ce.Remote.Event.Title)

	assert.Equal(t, provider.FailureConflict, provider.KindOf(err))
}

func TestListChangesPaginates(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		id, _, err := a.CreateEvent(ctx, sampleEvent(title))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	page, err := a.ListChanges(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.More)

	page2, err := a.ListChanges(ctx, page.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Events, 1)
	assert.False(t, page2.More)
	assert.Equal(t, ids[2], page2.Events[0].ID)

	// Cursor is resumable and stable at the end of the stream.
	page3, err := a.ListChanges(ctx, page2.Cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page3.Events)
	assert.Equal(t, page2.Cursor, page3.Cursor)
}

func TestListChangesIncludesDeletions(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	id, etag, err := a.CreateEvent(ctx, sampleEvent("to be removed"))
	require.NoError(t, err)

	page, err := a.ListChanges(ctx, "", 10)
	require.NoError(t, err)
	cursor := page.Cursor

	require.NoError(t, a.DeleteEvent(ctx, id, etag))

	page, err = a.ListChanges(ctx, cursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.True(t, page.Events[0].Deleted)
	assert.Equal(t, id, page.Events[0].ID)
}

func TestSubscribeToChangesNotifiesOnWrites(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	var notified int
	cancel, err := a.SubscribeToChanges(ctx, func() { notified++ })
	require.NoError(t, err)

	id, etag, err := a.CreateEvent(ctx, sampleEvent("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	cancel()
	require.NoError(t, a.DeleteEvent(ctx, id, etag))
	assert.Equal(t, 1, notified, "cancelled subscriber must not fire")
}
