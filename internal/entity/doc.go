// Package entity defines the care-entity types the sync engine keeps
// consistent with external calendars, and the change-log record that the
// rest of the application emits when one of them is edited.
package entity
