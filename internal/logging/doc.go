// Package logging provides slog attribute helpers and default-logger setup
// shared across the sync engine. Attribute keys are defined once here so
// log lines stay greppable by connection, provider, and entity.
package logging
