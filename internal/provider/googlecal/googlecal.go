package googlecal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/scalinity/curaknot-sync/internal/logging"
	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/token"
)

// Adapter syncs against one Google calendar on behalf of one connection.
type Adapter struct {
	svc          *calendar.Service
	calendarID   string
	connectionID string
	tokens       *token.Manager
	logger       *slog.Logger
}

// New builds an adapter for the connection's calendar. The HTTP client pulls
// tokens through the manager, so refreshed credentials are picked up without
// rebuilding the service.
func New(ctx context.Context, connectionID, calendarID string, tokens *token.Manager, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := oauth2.NewClient(ctx, tokens.TokenSource(ctx, connectionID))
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return &Adapter{
		svc:          svc,
		calendarID:   calendarID,
		connectionID: connectionID,
		tokens:       tokens,
		logger:       logger,
	}, nil
}

// Name returns the provider kind.
func (a *Adapter) Name() string { return provider.KindGoogleCalendar }

// Authenticate verifies the credential by fetching calendar metadata.
func (a *Adapter) Authenticate(ctx context.Context) error {
	return a.withAuthRetry(ctx, func() error {
		_, err := a.svc.Calendars.Get(a.calendarID).Context(ctx).Do()
		return a.translate(err)
	})
}

// cursorState is the opaque cursor handed back to callers. Google splits
// resumption across two tokens: a sync token between passes and a page token
// mid-pagination (which must travel with the sync token it started from).
type cursorState struct {
	SyncToken string `json:"sync_token,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

func decodeCursor(cursor string) (cursorState, error) {
	if cursor == "" {
		return cursorState{}, nil
	}
	var st cursorState
	if err := json.Unmarshal([]byte(cursor), &st); err != nil {
		return cursorState{}, provider.NewError(provider.FailurePermanent,
			fmt.Errorf("malformed change cursor: %w", err))
	}
	return st, nil
}

func encodeCursor(st cursorState) string {
	data, _ := json.Marshal(st)
	return string(data)
}

// ListChanges returns events changed since cursor, deletions included. A 410
// from Google means the sync token aged out; that surfaces as
// provider.ErrCursorExpired so the engine resets and re-lists.
func (a *Adapter) ListChanges(ctx context.Context, cursor string, limit int) (provider.Page, error) {
	st, err := decodeCursor(cursor)
	if err != nil {
		return provider.Page{}, err
	}

	var events *calendar.Events
	err = a.withAuthRetry(ctx, func() error {
		call := a.svc.Events.List(a.calendarID).
			Context(ctx).
			ShowDeleted(true).
			SingleEvents(false).
			MaxResults(int64(limit))
		switch {
		case st.PageToken != "":
			call = call.PageToken(st.PageToken)
			if st.SyncToken != "" {
				call = call.SyncToken(st.SyncToken)
			}
		case st.SyncToken != "":
			call = call.SyncToken(st.SyncToken)
		default:
			// Initial listing: bound the window so the first pass does not
			// walk years of history.
			call = call.TimeMin(time.Now().AddDate(0, -1, 0).Format(time.RFC3339))
		}
		var doErr error
		events, doErr = call.Do()
		return a.translate(doErr)
	})
	if err != nil {
		if gErr, ok := asGoogleError(err); ok && gErr.Code == http.StatusGone {
			return provider.Page{}, provider.ErrCursorExpired
		}
		return provider.Page{}, err
	}

	page := provider.Page{}
	for _, item := range events.Items {
		page.Events = append(page.Events, fromGoogle(item))
	}
	if events.NextPageToken != "" {
		page.Cursor = encodeCursor(cursorState{
			SyncToken: st.SyncToken,
			PageToken: events.NextPageToken,
		})
		page.More = true
	} else {
		page.Cursor = encodeCursor(cursorState{SyncToken: events.NextSyncToken})
	}
	return page, nil
}

// CreateEvent creates an event and returns its external id and etag.
func (a *Adapter) CreateEvent(ctx context.Context, ev mapper.CanonicalEvent) (string, string, error) {
	gev, err := toGoogle(ev)
	if err != nil {
		return "", "", err
	}
	var created *calendar.Event
	err = a.withAuthRetry(ctx, func() error {
		var doErr error
		created, doErr = a.svc.Events.Insert(a.calendarID, gev).Context(ctx).Do()
		return a.translate(doErr)
	})
	if err != nil {
		return "", "", err
	}
	return created.Id, created.Etag, nil
}

// UpdateEvent replaces an event guarded by etag via If-Match. A stale etag
// comes back as 412; the current remote version is fetched and returned in
// the conflict so resolution needs no extra round trip.
func (a *Adapter) UpdateEvent(ctx context.Context, id, etag string, ev mapper.CanonicalEvent) (string, error) {
	gev, err := toGoogle(ev)
	if err != nil {
		return "", err
	}
	var updated *calendar.Event
	err = a.withAuthRetry(ctx, func() error {
		call := a.svc.Events.Update(a.calendarID, id, gev).Context(ctx)
		if etag != "" {
			call.Header().Set("If-Match", etag)
		}
		var doErr error
		updated, doErr = call.Do()
		return a.translate(doErr)
	})
	if err != nil {
		return "", a.conflictWithCurrent(ctx, id, err)
	}
	return updated.Etag, nil
}

// DeleteEvent removes an event guarded by etag. Deleting an event that is
// already gone succeeds.
func (a *Adapter) DeleteEvent(ctx context.Context, id, etag string) error {
	err := a.withAuthRetry(ctx, func() error {
		call := a.svc.Events.Delete(a.calendarID, id).Context(ctx)
		if etag != "" {
			call.Header().Set("If-Match", etag)
		}
		return a.translate(call.Do())
	})
	if err == nil {
		return nil
	}
	switch provider.KindOf(err) {
	case provider.FailureNotFound:
		return nil
	}
	if gErr, ok := asGoogleError(err); ok && gErr.Code == http.StatusGone {
		return nil
	}
	return a.conflictWithCurrent(ctx, id, err)
}

// withAuthRetry runs fn, transparently refreshing the token and retrying
// once when credentials expired mid-pass.
func (a *Adapter) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if provider.KindOf(err) != provider.FailureAuthExpired {
		return err
	}
	a.logger.Debug("credentials rejected mid-pass, refreshing",
		logging.Connection(a.connectionID),
		logging.Provider(a.Name()))
	if _, refreshErr := a.tokens.ForceRefresh(ctx, a.connectionID); refreshErr != nil {
		return refreshErr
	}
	return fn()
}

// conflictWithCurrent upgrades a concurrency failure with the current remote
// version so the resolution engine can act immediately.
func (a *Adapter) conflictWithCurrent(ctx context.Context, id string, err error) error {
	if provider.KindOf(err) != provider.FailureConflict {
		return err
	}
	current, getErr := a.svc.Events.Get(a.calendarID, id).Context(ctx).Do()
	if getErr != nil {
		a.logger.Debug("failed to fetch current version after conflict",
			logging.Connection(a.connectionID),
			logging.ExternalID(id),
			logging.Err(getErr))
		return &provider.ConflictError{}
	}
	remote := fromGoogle(current)
	return &provider.ConflictError{Remote: &remote}
}

// translate maps googleapi failures onto the engine's failure taxonomy.
func (a *Adapter) translate(err error) error {
	if err == nil {
		return nil
	}
	gErr, ok := asGoogleError(err)
	if !ok {
		// DNS failures, timeouts, connection resets.
		return provider.NewError(provider.FailureTransient, err)
	}
	switch gErr.Code {
	case http.StatusUnauthorized:
		return provider.NewError(provider.FailureAuthExpired, err)
	case http.StatusForbidden:
		if isRateLimit(gErr) {
			return provider.NewRateLimited(retryAfter(gErr), err)
		}
		return provider.NewError(provider.FailurePermanent, err)
	case http.StatusTooManyRequests:
		return provider.NewRateLimited(retryAfter(gErr), err)
	case http.StatusNotFound:
		return provider.NewError(provider.FailureNotFound, err)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return provider.NewError(provider.FailureConflict, err)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return provider.NewError(provider.FailureValidation, err)
	case http.StatusGone:
		// Kept as-is; ListChanges maps it to ErrCursorExpired and
		// DeleteEvent treats it as already-deleted.
		return provider.NewError(provider.FailureNotFound, err)
	}
	if gErr.Code >= 500 {
		return provider.NewError(provider.FailureTransient, err)
	}
	return provider.NewError(provider.FailurePermanent, err)
}

func asGoogleError(err error) (*googleapi.Error, bool) {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr, true
	}
	return nil, false
}

func isRateLimit(gErr *googleapi.Error) bool {
	for _, item := range gErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func retryAfter(gErr *googleapi.Error) time.Duration {
	if gErr.Header == nil {
		return 0
	}
	raw := gErr.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// fromGoogle converts a Google event into the canonical shape.
func fromGoogle(gev *calendar.Event) provider.RemoteEvent {
	re := provider.RemoteEvent{
		ID:      gev.Id,
		Etag:    gev.Etag,
		Deleted: gev.Status == "cancelled",
	}
	if gev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, gev.Updated); err == nil {
			re.UpdatedAt = t
		}
	}
	if re.Deleted {
		return re
	}

	ev := mapper.CanonicalEvent{
		Title:    gev.Summary,
		Location: gev.Location,
		Notes:    gev.Description,
	}
	if gev.Start != nil {
		if gev.Start.Date != "" {
			ev.AllDay = true
			ev.Start, _ = time.Parse("2006-01-02", gev.Start.Date)
		} else {
			ev.Start, _ = time.Parse(time.RFC3339, gev.Start.DateTime)
		}
	}
	if gev.End != nil {
		if gev.End.Date != "" {
			ev.End, _ = time.Parse("2006-01-02", gev.End.Date)
		} else {
			ev.End, _ = time.Parse(time.RFC3339, gev.End.DateTime)
		}
	}
	for _, rule := range gev.Recurrence {
		if strings.HasPrefix(rule, "RRULE:") {
			ev.Recurrence = strings.TrimPrefix(rule, "RRULE:")
			break
		}
	}
	if gev.Reminders != nil {
		for _, ov := range gev.Reminders.Overrides {
			ev.ReminderMinutes = append(ev.ReminderMinutes, int(ov.Minutes))
		}
	}
	re.Event = mapper.Normalize(ev)
	return re
}

// toGoogle converts a canonical event into the Google wire shape.
func toGoogle(ev mapper.CanonicalEvent) (*calendar.Event, error) {
	ev = mapper.Normalize(ev)
	if ev.Title == "" {
		return nil, provider.NewError(provider.FailureValidation,
			fmt.Errorf("event has no title"))
	}
	if ev.Start.IsZero() {
		return nil, provider.NewError(provider.FailureValidation,
			fmt.Errorf("event has no start time"))
	}

	gev := &calendar.Event{
		Summary:     ev.Title,
		Location:    ev.Location,
		Description: ev.Notes,
	}
	if ev.AllDay {
		gev.Start = &calendar.EventDateTime{Date: ev.Start.Format("2006-01-02")}
		gev.End = &calendar.EventDateTime{Date: ev.End.Format("2006-01-02")}
	} else {
		gev.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)}
		gev.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)}
	}
	if ev.Recurrence != "" {
		gev.Recurrence = []string{"RRULE:" + ev.Recurrence}
	}
	if len(ev.ReminderMinutes) > 0 {
		reminders := &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		}
		for _, m := range ev.ReminderMinutes {
			reminders.Overrides = append(reminders.Overrides, &calendar.EventReminder{
				Method:  "popup",
				Minutes: int64(m),
			})
		}
		gev.Reminders = reminders
	}
	return gev, nil
}
