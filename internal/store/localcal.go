package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LocalEvent is one row of the device-local calendar. Version doubles as the
// event's etag; Seq is a calendar-wide monotonic change sequence that the
// local provider adapter exposes as its change cursor.
type LocalEvent struct {
	CalendarID string
	EventID    string
	Version    int64
	Payload    []byte
	Deleted    bool
	UpdatedAt  time.Time
	Seq        int64
}

// LocalPut inserts a new local calendar event at version 1.
func (s *Store) LocalPut(ctx context.Context, calendarID, eventID string, payload []byte) (*LocalEvent, error) {
	now := time.Now().UTC()
	var ev *LocalEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextLocalSeq(ctx, tx, calendarID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO local_calendar_events (calendar_id, event_id, version,
				payload, deleted, updated_at, seq)
			VALUES (?, ?, 1, ?, 0, ?, ?)`,
			calendarID, eventID, payload, now, seq)
		if err != nil {
			return fmt.Errorf("failed to insert local event: %w", err)
		}
		ev = &LocalEvent{CalendarID: calendarID, EventID: eventID, Version: 1,
			Payload: payload, UpdatedAt: now, Seq: seq}
		return nil
	})
	return ev, err
}

// LocalGet fetches one local calendar event.
func (s *Store) LocalGet(ctx context.Context, calendarID, eventID string) (*LocalEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT calendar_id, event_id, version, payload, deleted, updated_at, seq
		FROM local_calendar_events WHERE calendar_id = ? AND event_id = ?`,
		calendarID, eventID)
	return scanLocalEvent(row)
}

// LocalUpdate replaces an event's payload guarded by the expected version.
// On mismatch it returns the current row alongside ErrVersionMismatch so the
// caller can surface the conflict without another read.
func (s *Store) LocalUpdate(ctx context.Context, calendarID, eventID string, expectVersion int64, payload []byte) (*LocalEvent, error) {
	now := time.Now().UTC()
	var ev *LocalEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockLocalEvent(ctx, tx, calendarID, eventID)
		if err != nil {
			return err
		}
		if current.Version != expectVersion || current.Deleted {
			ev = current
			return ErrVersionMismatch
		}
		seq, err := nextLocalSeq(ctx, tx, calendarID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE local_calendar_events
			SET version = version + 1, payload = ?, updated_at = ?, seq = ?
			WHERE calendar_id = ? AND event_id = ?`,
			payload, now, seq, calendarID, eventID)
		if err != nil {
			return fmt.Errorf("failed to update local event: %w", err)
		}
		ev = &LocalEvent{CalendarID: calendarID, EventID: eventID,
			Version: current.Version + 1, Payload: payload, UpdatedAt: now, Seq: seq}
		return nil
	})
	if errors.Is(err, ErrVersionMismatch) {
		return ev, err
	}
	return ev, err
}

// LocalDelete marks an event deleted, guarded by version like LocalUpdate.
// Deleting an already-deleted event succeeds.
func (s *Store) LocalDelete(ctx context.Context, calendarID, eventID string, expectVersion int64) (*LocalEvent, error) {
	now := time.Now().UTC()
	var ev *LocalEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockLocalEvent(ctx, tx, calendarID, eventID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Deleted {
			return nil
		}
		if current.Version != expectVersion {
			ev = current
			return ErrVersionMismatch
		}
		seq, err := nextLocalSeq(ctx, tx, calendarID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE local_calendar_events
			SET version = version + 1, deleted = 1, updated_at = ?, seq = ?
			WHERE calendar_id = ? AND event_id = ?`,
			now, seq, calendarID, eventID)
		if err != nil {
			return fmt.Errorf("failed to delete local event: %w", err)
		}
		return nil
	})
	return ev, err
}

// LocalChanges returns up to limit events with seq > afterSeq, including
// deletions, ordered by sequence.
func (s *Store) LocalChanges(ctx context.Context, calendarID string, afterSeq int64, limit int) ([]*LocalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT calendar_id, event_id, version, payload, deleted, updated_at, seq
		FROM local_calendar_events
		WHERE calendar_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		calendarID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list local changes: %w", err)
	}
	defer rows.Close()

	var out []*LocalEvent
	for rows.Next() {
		ev, err := scanLocalEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func lockLocalEvent(ctx context.Context, tx *sql.Tx, calendarID, eventID string) (*LocalEvent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT calendar_id, event_id, version, payload, deleted, updated_at, seq
		FROM local_calendar_events WHERE calendar_id = ? AND event_id = ?`,
		calendarID, eventID)
	return scanLocalEvent(row)
}

func nextLocalSeq(ctx context.Context, tx *sql.Tx, calendarID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT IFNULL(MAX(seq), 0) + 1 FROM local_calendar_events
		WHERE calendar_id = ?`, calendarID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate local sequence: %w", err)
	}
	return seq, nil
}

func scanLocalEvent(row rowScanner) (*LocalEvent, error) {
	var ev LocalEvent
	err := row.Scan(&ev.CalendarID, &ev.EventID, &ev.Version, &ev.Payload,
		&ev.Deleted, &ev.UpdatedAt, &ev.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan local event: %w", err)
	}
	return &ev, nil
}
