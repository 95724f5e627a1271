package mapper

// Canonical field names used by field-level merge and remote-owned rules.
const (
	FieldTitle      = "title"
	FieldStart      = "start"
	FieldEnd        = "end"
	FieldAllDay     = "all_day"
	FieldLocation   = "location"
	FieldNotes      = "notes"
	FieldReminders  = "reminder_minutes"
	FieldRecurrence = "recurrence"
)

// AllFields lists every canonical field in a stable order.
var AllFields = []string{
	FieldTitle, FieldStart, FieldEnd, FieldAllDay,
	FieldLocation, FieldNotes, FieldReminders, FieldRecurrence,
}

// FieldDiff returns the canonical fields on which a and b differ, after
// normalization. Order follows AllFields.
func FieldDiff(a, b CanonicalEvent) []string {
	a, b = Normalize(a), Normalize(b)
	var diff []string
	for _, f := range AllFields {
		if !fieldEqual(a, b, f) {
			diff = append(diff, f)
		}
	}
	return diff
}

// ApplyFields copies the named fields from src onto dst and returns the
// result. Unknown field names are ignored.
func ApplyFields(dst, src CanonicalEvent, fields []string) CanonicalEvent {
	for _, f := range fields {
		switch f {
		case FieldTitle:
			dst.Title = src.Title
		case FieldStart:
			dst.Start = src.Start
		case FieldEnd:
			dst.End = src.End
		case FieldAllDay:
			dst.AllDay = src.AllDay
		case FieldLocation:
			dst.Location = src.Location
		case FieldNotes:
			dst.Notes = src.Notes
		case FieldReminders:
			dst.ReminderMinutes = append([]int(nil), src.ReminderMinutes...)
		case FieldRecurrence:
			dst.Recurrence = src.Recurrence
		}
	}
	return Normalize(dst)
}

func fieldEqual(a, b CanonicalEvent, field string) bool {
	switch field {
	case FieldTitle:
		return a.Title == b.Title
	case FieldStart:
		return a.Start.Equal(b.Start)
	case FieldEnd:
		return a.End.Equal(b.End)
	case FieldAllDay:
		return a.AllDay == b.AllDay
	case FieldLocation:
		return a.Location == b.Location
	case FieldNotes:
		return a.Notes == b.Notes
	case FieldReminders:
		if len(a.ReminderMinutes) != len(b.ReminderMinutes) {
			return false
		}
		for i := range a.ReminderMinutes {
			if a.ReminderMinutes[i] != b.ReminderMinutes[i] {
				return false
			}
		}
		return true
	case FieldRecurrence:
		return a.Recurrence == b.Recurrence
	}
	return true
}
