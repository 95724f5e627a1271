package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, 0, nil), st
}

var baseTime = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func shiftEvent(title string) mapper.CanonicalEvent {
	return mapper.CanonicalEvent{
		Title: title,
		Start: baseTime,
		End:   baseTime.Add(4 * time.Hour),
	}
}

func TestDefaultStrategy(t *testing.T) {
	assert.Equal(t, StrategyLocalWins, DefaultStrategy(entity.TypeTask))
	assert.Equal(t, StrategyLocalWins, DefaultStrategy(entity.TypeShift))
	assert.Equal(t, StrategyRemoteWins, DefaultStrategy(entity.TypeAppointment))
}

func TestIdenticalContentIsNotAConflict(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Resolve(ctx, "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           shiftEvent("Morning shift"),
		LocalChangedAt:  baseTime,
		Remote:          shiftEvent("Morning shift"),
		RemoteChangedAt: baseTime.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdentical, res.Outcome)
	assert.False(t, res.PushRemote)
	assert.False(t, res.WriteLocal)

	// Silent adoption: no audit record either.
	pending, err := st.ListPendingConflicts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGraceWindowResolvesByRecency(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Resolve(ctx, "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           shiftEvent("Morning shift (swapped)"),
		LocalChangedAt:  baseTime.Add(3 * time.Minute),
		Remote:          shiftEvent("Morning shift (edited)"),
		RemoteChangedAt: baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocalWins, res.Outcome)
	assert.Equal(t, StrategyLastWriteWins, res.Strategy)
	assert.True(t, res.PushRemote)
	assert.False(t, res.WriteLocal)

	// Recorded, but never left pending when strategy is non-manual.
	rec, err := st.GetConflict(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.ConflictResolved, rec.Status)
	assert.False(t, rec.ManualReview)
}

func TestGraceWindowRemoteNewerWins(t *testing.T) {
	e, _ := newTestEngine(t)

	res, err := e.Resolve(context.Background(), "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           shiftEvent("local edit"),
		LocalChangedAt:  baseTime,
		Remote:          shiftEvent("remote edit"),
		RemoteChangedAt: baseTime.Add(4 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoteWins, res.Outcome)
	assert.Equal(t, StrategyLastWriteWins, res.Strategy)
	assert.True(t, res.WriteLocal)
	assert.False(t, res.PushRemote)
}

func TestOutsideGraceDefersToStrategy(t *testing.T) {
	e, _ := newTestEngine(t)

	// Shift default is local-wins even though the remote edit is newer.
	res, err := e.Resolve(context.Background(), "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           shiftEvent("local edit"),
		LocalChangedAt:  baseTime,
		Remote:          shiftEvent("remote edit"),
		RemoteChangedAt: baseTime.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocalWins, res.Outcome)
	assert.Equal(t, StrategyLocalWins, res.Strategy)
	assert.True(t, res.PushRemote)
}

func TestAppointmentRemoteWinsOnlyOwnedFields(t *testing.T) {
	e, _ := newTestEngine(t)

	local := mapper.CanonicalEvent{
		Title:    "Dr. Okafor follow-up",
		Start:    baseTime,
		End:      baseTime.Add(30 * time.Minute),
		Location: "Room 12",
		Notes:    "bring medication list",
	}
	// Clinic rescheduled and also mangled the title.
	remote := mapper.CanonicalEvent{
		Title: "FOLLOW UP",
		Start: baseTime.Add(24 * time.Hour),
		End:   baseTime.Add(24*time.Hour + 30*time.Minute),
	}

	res, err := e.Resolve(context.Background(), "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeAppointment, ID: "a1"},
		Local:           local,
		LocalChangedAt:  baseTime,
		Remote:          remote,
		RemoteChangedAt: baseTime.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoteWins, res.Outcome)

	// New time comes from the clinic; everything else stays local.
	assert.True(t, res.Winner.Start.Equal(remote.Start))
	assert.True(t, res.Winner.End.Equal(remote.End))
	assert.Equal(t, "Dr. Okafor follow-up", res.Winner.Title)
	assert.Equal(t, "Room 12", res.Winner.Location)

	assert.True(t, res.WriteLocal)
	assert.True(t, res.PushRemote, "combined version differs from remote, push back")
}

func TestManualCreatesPendingRecordWithoutWrites(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Resolve(ctx, "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           shiftEvent("local edit"),
		LocalChangedAt:  baseTime,
		Remote:          shiftEvent("remote edit"),
		RemoteChangedAt: baseTime.Add(time.Minute), // inside grace, manual still holds
		Strategy:        StrategyManual,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.False(t, res.PushRemote)
	assert.False(t, res.WriteLocal)

	pending, err := st.ListPendingConflicts(ctx, "conn-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].ManualReview)
}

func TestMergeCombinesNonOverlappingFields(t *testing.T) {
	e, _ := newTestEngine(t)

	base := shiftEvent("Morning shift")
	local := base
	local.Notes = "Maria is covering"
	remote := base
	remote.Location = "North wing"

	res, err := e.Resolve(context.Background(), "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           local,
		LocalChangedAt:  baseTime,
		Remote:          remote,
		RemoteChangedAt: baseTime.Add(time.Hour),
		Base:            &base,
		Strategy:        StrategyMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "Maria is covering", res.Winner.Notes)
	assert.Equal(t, "North wing", res.Winner.Location)
	assert.True(t, res.PushRemote)
	assert.True(t, res.WriteLocal)
}

func TestMergeOverlapFallsBackToLocal(t *testing.T) {
	e, _ := newTestEngine(t)

	base := shiftEvent("Morning shift")
	local := base
	local.Title = "Morning shift (Maria)"
	remote := base
	remote.Title = "Morning shift (Jon)"

	res, err := e.Resolve(context.Background(), "conn-1", Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           local,
		LocalChangedAt:  baseTime,
		Remote:          remote,
		RemoteChangedAt: baseTime.Add(time.Hour),
		Base:            &base,
		Strategy:        StrategyMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, "Morning shift (Maria)", res.Winner.Title)
}

func TestResolutionIsDeterministic(t *testing.T) {
	e, _ := newTestEngine(t)
	in := Input{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "s1"},
		Local:           shiftEvent("local edit"),
		LocalChangedAt:  baseTime,
		Remote:          shiftEvent("remote edit"),
		RemoteChangedAt: baseTime.Add(time.Hour),
	}

	first, err := e.Resolve(context.Background(), "conn-1", in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		res, err := e.Resolve(context.Background(), "conn-1", in)
		require.NoError(t, err)
		assert.Equal(t, first.Outcome, res.Outcome)
		assert.Equal(t, first.Strategy, res.Strategy)
		assert.Equal(t, first.Winner, res.Winner)
	}
}
