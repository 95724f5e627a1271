package entity

import (
	"fmt"
	"time"
)

// Type identifies the kind of care entity being synchronized.
type Type string

const (
	TypeTask        Type = "task"
	TypeShift       Type = "shift"
	TypeAppointment Type = "appointment"
)

// Types lists every syncable entity type.
var Types = []Type{TypeTask, TypeShift, TypeAppointment}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeTask, TypeShift, TypeAppointment:
		return true
	}
	return false
}

// Ref uniquely identifies a care entity across the application.
type Ref struct {
	Type Type
	ID   string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// CareEntity is the internal representation of a syncable item: a task due
// date, a caregiving shift, or a medical appointment. The sync engine never
// interprets entity content beyond the fields listed here.
type CareEntity struct {
	Ref             Ref
	Owner           string
	Title           string
	Notes           string
	Location        string
	Start           time.Time
	End             time.Time // zero for point-in-time entities (e.g. task due dates)
	AllDay          bool
	ReminderMinutes []int
	Recurrence      string // RRULE, empty for one-off entities
	UpdatedAt       time.Time
	Deleted         bool
}

// Change is one row of the local change log, the only signal the engine
// consumes from the rest of the application.
type Change struct {
	Seq         int64
	Ref         Ref
	ContentHash string
	Deleted     bool
	ChangedAt   time.Time
}
