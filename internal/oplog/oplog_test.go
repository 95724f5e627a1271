package oplog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func taskRef(id string) entity.Ref {
	return entity.Ref{Type: entity.TypeTask, ID: id}
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("conn-1", taskRef("t1"), OpCreate, "v3")
	b := Key("conn-1", taskRef("t1"), OpCreate, "v3")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Key("conn-2", taskRef("t1"), OpCreate, "v3"))
	assert.NotEqual(t, a, Key("conn-1", taskRef("t2"), OpCreate, "v3"))
	assert.NotEqual(t, a, Key("conn-1", taskRef("t1"), OpUpdate, "v3"))
	assert.NotEqual(t, a, Key("conn-1", taskRef("t1"), OpCreate, "v4"))
}

func TestDoExecutesOnceAndReplays(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	key := Key("conn-1", taskRef("t1"), OpCreate, "v1")

	var calls int
	fn := func(ctx context.Context) (*Result, error) {
		calls++
		return &Result{ExternalID: "gcal-evt-1", Etag: `"e1"`}, nil
	}

	first, err := l.Do(ctx, "conn-1", key, fn)
	require.NoError(t, err)
	assert.Equal(t, "gcal-evt-1", first.ExternalID)
	assert.Equal(t, 1, calls)

	// Same key replays the recorded result without calling fn again.
	second, err := l.Do(ctx, "conn-1", key, fn)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestDoFailureLeavesNoEntry(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	key := Key("conn-1", taskRef("t1"), OpUpdate, "v2")

	var calls int
	boom := errors.New("provider unavailable")
	_, err := l.Do(ctx, "conn-1", key, func(ctx context.Context) (*Result, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	// The next attempt executes again because nothing was recorded.
	res, err := l.Do(ctx, "conn-1", key, func(ctx context.Context) (*Result, error) {
		calls++
		return &Result{ExternalID: "gcal-evt-9"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "gcal-evt-9", res.ExternalID)
	assert.Equal(t, 2, calls)
}

func TestExpiredEntriesExecuteAgain(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	key := Key("conn-1", taskRef("t1"), OpDelete, "v5")

	base := time.Now()
	l.now = func() time.Time { return base }

	var calls int
	fn := func(ctx context.Context) (*Result, error) {
		calls++
		return &Result{}, nil
	}
	_, err := l.Do(ctx, "conn-1", key, fn)
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(DefaultTTL + time.Minute) }
	_, err = l.Do(ctx, "conn-1", key, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPruneRemovesExpired(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }
	_, err := l.Do(ctx, "conn-1", Key("conn-1", taskRef("t1"), OpCreate, "v1"),
		func(ctx context.Context) (*Result, error) { return &Result{}, nil })
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(DefaultTTL + time.Minute) }
	removed, err := l.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
