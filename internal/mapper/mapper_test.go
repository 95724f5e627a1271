package mapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalinity/curaknot-sync/internal/entity"
)

func sampleShift() entity.CareEntity {
	return entity.CareEntity{
		Ref:             entity.Ref{Type: entity.TypeShift, ID: "shift-1"},
		Owner:           "family-rivera",
		Title:           "Night shift",
		Location:        "Home",
		Start:           time.Date(2026, 3, 5, 22, 0, 0, 0, time.UTC),
		End:             time.Date(2026, 3, 6, 6, 0, 0, 0, time.UTC),
		ReminderMinutes: []int{30, 10},
	}
}

func TestToCanonicalPrefixesTitle(t *testing.T) {
	ev := ToCanonical(sampleShift())
	assert.Equal(t, "[CuraKnot] Night shift", ev.Title)
}

func TestRoundTripStripsPrefix(t *testing.T) {
	e := sampleShift()
	ev := ToCanonical(e)
	back := FromCanonical(e.Ref, e.Owner, ev)

	assert.Equal(t, e.Title, back.Title)
	assert.Equal(t, e.Location, back.Location)
	assert.True(t, e.Start.Equal(back.Start))
	assert.True(t, e.End.Equal(back.End))
}

func TestFromCanonicalKeepsForeignTitle(t *testing.T) {
	// Inbound events created directly in the external calendar have no
	// prefix; their title passes through untouched.
	e := FromCanonical(entity.Ref{Type: entity.TypeAppointment, ID: "a1"}, "o",
		CanonicalEvent{Title: "Dentist", Start: time.Now()})
	assert.Equal(t, "Dentist", e.Title)
}

func TestPointInTimeGetsDefaultDuration(t *testing.T) {
	task := entity.CareEntity{
		Ref:   entity.Ref{Type: entity.TypeTask, ID: "t1"},
		Title: "Refill prescription",
		Start: time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
	}
	ev := ToCanonical(task)
	assert.True(t, ev.End.Equal(ev.Start.Add(DefaultDuration)))
}

func TestAllDayGetsOneDaySpan(t *testing.T) {
	e := entity.CareEntity{
		Ref:    entity.Ref{Type: entity.TypeTask, ID: "t2"},
		Title:  "Pharmacy closed",
		Start:  time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	}
	ev := ToCanonical(e)
	assert.True(t, ev.End.Equal(ev.Start.AddDate(0, 0, 1)))
}

func TestContentHashIsStable(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	a := CanonicalEvent{
		Title:           "Checkup  ",
		Start:           time.Date(2026, 3, 5, 10, 0, 0, 500, time.UTC),
		End:             time.Date(2026, 3, 5, 11, 0, 0, 0, time.UTC),
		ReminderMinutes: []int{30, 10},
	}
	b := CanonicalEvent{
		Title:           "Checkup",
		Start:           time.Date(2026, 3, 5, 11, 0, 0, 0, loc),
		End:             time.Date(2026, 3, 5, 12, 0, 0, 0, loc),
		ReminderMinutes: []int{10, 30},
	}
	// Same instant in a different zone, different sub-second precision,
	// unsorted reminders, trailing whitespace: all normalize away.
	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestContentHashDetectsChange(t *testing.T) {
	a := ToCanonical(sampleShift())
	b := a
	b.Location = "Clinic"
	assert.NotEqual(t, ContentHash(a), ContentHash(b))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	ev := ToCanonical(sampleShift())
	data, err := Marshal(ev)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, ContentHash(ev), ContentHash(back))
}

func TestFieldDiff(t *testing.T) {
	a := ToCanonical(sampleShift())
	b := a
	b.Title = "[CuraKnot] Day shift"
	b.ReminderMinutes = []int{5}

	assert.Equal(t, []string{FieldTitle, FieldReminders}, FieldDiff(a, b))
	assert.Empty(t, FieldDiff(a, a))
}

func TestApplyFields(t *testing.T) {
	base := ToCanonical(sampleShift())
	src := base
	src.Start = base.Start.Add(time.Hour)
	src.End = base.End.Add(time.Hour)
	src.Title = "[CuraKnot] Renamed"

	out := ApplyFields(base, src, []string{FieldStart, FieldEnd})
	assert.True(t, out.Start.Equal(src.Start))
	assert.True(t, out.End.Equal(src.End))
	assert.Equal(t, base.Title, out.Title, "unlisted fields stay untouched")
}

func TestRemoteOwnedFields(t *testing.T) {
	assert.Equal(t, []string{"start", "end"}, RemoteOwnedFields(entity.TypeAppointment))
	assert.Nil(t, RemoteOwnedFields(entity.TypeShift))
	assert.Nil(t, RemoteOwnedFields(entity.TypeTask))
}
