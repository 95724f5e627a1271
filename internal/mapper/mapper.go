package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/scalinity/curaknot-sync/internal/entity"
)

// TitlePrefix is prepended to every outbound event title so synced items are
// recognizable in the external calendar and can be stripped on the way back.
const TitlePrefix = "[CuraKnot] "

// DefaultDuration is applied to point-in-time entities (e.g. task due dates)
// which have no end time of their own.
const DefaultDuration = 30 * time.Minute

// CanonicalEvent is the provider-neutral event shape. Every provider adapter
// translates to and from this form, and the content hash used for change
// detection is computed over its normalized JSON encoding.
type CanonicalEvent struct {
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	AllDay          bool      `json:"all_day,omitempty"`
	Location        string    `json:"location,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	ReminderMinutes []int     `json:"reminder_minutes,omitempty"`
	Recurrence      string    `json:"recurrence,omitempty"`
}

// ToCanonical maps a care entity to its canonical external-event shape.
// The mapping is pure: the same entity version always yields the same event.
func ToCanonical(e entity.CareEntity) CanonicalEvent {
	ev := CanonicalEvent{
		Title:      TitlePrefix + e.Title,
		Start:      e.Start,
		End:        e.End,
		AllDay:     e.AllDay,
		Location:   e.Location,
		Notes:      e.Notes,
		Recurrence: e.Recurrence,
	}
	if len(e.ReminderMinutes) > 0 {
		ev.ReminderMinutes = append([]int(nil), e.ReminderMinutes...)
	}
	if ev.End.IsZero() && !ev.AllDay {
		ev.End = ev.Start.Add(DefaultDuration)
	}
	if ev.AllDay && ev.End.IsZero() {
		ev.End = ev.Start.AddDate(0, 0, 1)
	}
	return Normalize(ev)
}

// FromCanonical maps an inbound external event back onto a care entity,
// stripping the outbound title prefix when present.
func FromCanonical(ref entity.Ref, owner string, ev CanonicalEvent) entity.CareEntity {
	ev = Normalize(ev)
	return entity.CareEntity{
		Ref:             ref,
		Owner:           owner,
		Title:           strings.TrimPrefix(ev.Title, TitlePrefix),
		Notes:           ev.Notes,
		Location:        ev.Location,
		Start:           ev.Start,
		End:             ev.End,
		AllDay:          ev.AllDay,
		ReminderMinutes: append([]int(nil), ev.ReminderMinutes...),
		Recurrence:      ev.Recurrence,
	}
}

// Normalize brings an event into the comparable form hashing relies on:
// UTC times truncated to seconds, trimmed text fields, sorted reminders.
func Normalize(ev CanonicalEvent) CanonicalEvent {
	ev.Title = strings.TrimSpace(ev.Title)
	ev.Location = strings.TrimSpace(ev.Location)
	ev.Notes = strings.TrimSpace(ev.Notes)
	ev.Recurrence = strings.TrimSpace(ev.Recurrence)
	if !ev.Start.IsZero() {
		ev.Start = ev.Start.UTC().Truncate(time.Second)
	}
	if !ev.End.IsZero() {
		ev.End = ev.End.UTC().Truncate(time.Second)
	}
	if len(ev.ReminderMinutes) > 0 {
		r := append([]int(nil), ev.ReminderMinutes...)
		sort.Ints(r)
		ev.ReminderMinutes = r
	} else {
		ev.ReminderMinutes = nil
	}
	return ev
}

// ContentHash returns the sha256 hash of the normalized event, hex encoded.
// Two entity versions that map to the same external representation hash
// identically, which is what lets the engine skip spurious writes.
func ContentHash(ev CanonicalEvent) string {
	data, err := json.Marshal(Normalize(ev))
	if err != nil {
		// CanonicalEvent contains only marshalable fields.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashEntity is shorthand for ContentHash(ToCanonical(e)).
func HashEntity(e entity.CareEntity) string {
	return ContentHash(ToCanonical(e))
}

// Marshal encodes an event for storage in mapping snapshots and conflict
// records. Encoding is normalized first so stored snapshots compare stable.
func Marshal(ev CanonicalEvent) ([]byte, error) {
	return json.Marshal(Normalize(ev))
}

// Unmarshal decodes an event stored by Marshal.
func Unmarshal(data []byte) (CanonicalEvent, error) {
	var ev CanonicalEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return CanonicalEvent{}, err
	}
	return Normalize(ev), nil
}

// RemoteOwnedFields lists the canonical fields the external provider is the
// source of truth for, per entity type. Clinic reschedules move appointment
// times, so those are remote-owned; everything else belongs to the app.
func RemoteOwnedFields(t entity.Type) []string {
	if t == entity.TypeAppointment {
		return []string{"start", "end"}
	}
	return nil
}
