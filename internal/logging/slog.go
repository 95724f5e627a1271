package logging

import (
	"fmt"
	"log/slog"
	"time"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation  = "operation"
	KeyConnection = "connection_id"
	KeyProvider   = "provider"
	KeyEntity     = "entity"
	KeyExternalID = "external_id"
	KeyDuration   = "duration"
	KeyStatus     = "status"
	KeyError      = "error"
	KeyCursor     = "cursor"
)

// Status values for consistent logging.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithConnection returns a logger scoped to one connection.
func WithConnection(logger *slog.Logger, connectionID string) *slog.Logger {
	return logger.With(slog.String(KeyConnection, connectionID))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Connection returns a slog attribute for the connection id.
func Connection(id string) slog.Attr {
	return slog.String(KeyConnection, id)
}

// Provider returns a slog attribute for the provider kind.
func Provider(kind string) slog.Attr {
	return slog.String(KeyProvider, kind)
}

// Entity returns a slog attribute for an entity reference.
func Entity(ref string) slog.Attr {
	return slog.String(KeyEntity, ref)
}

// Cursor returns a slog attribute for a sync cursor position.
func Cursor(cursor string) slog.Attr {
	return slog.String(KeyCursor, cursor)
}

// ExternalID returns a slog attribute for an external event id.
func ExternalID(id string) slog.Attr {
	return slog.String(KeyExternalID, id)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Duration returns a slog attribute for an operation duration.
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from
// output, so Err(maybeNilErr) is always safe to pass.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// SanitizeToken returns a masked version of a token or credential for
// logging. It returns a length indicator without exposing any content,
// as even partial token prefixes can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
