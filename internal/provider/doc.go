// Package provider defines the calendar provider adapter contract: one
// polymorphic interface per external system, a failure taxonomy surfaced as
// classified errors, and conflict results carried as data so the engine's
// control flow stays explicit.
package provider
