package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/feed"
	"github.com/scalinity/curaknot-sync/internal/store"
)

type pushRecorder struct {
	connections []string
}

func (p *pushRecorder) NotifyPush(connectionID string) {
	p.connections = append(p.connections, connectionID)
}

func newTestServer(t *testing.T) (*Server, *store.Store, *pushRecorder) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	projector := feed.NewProjector(st, logger)
	pusher := &pushRecorder{}
	srv := New(Config{FeedCacheTTL: 2 * time.Minute}, projector, pusher, nil, logger)
	return srv, st, pusher
}

func TestFeedEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	err := st.UpsertEntity(ctx, entity.CareEntity{
		Ref:   entity.Ref{Type: entity.TypeShift, ID: "shift-1"},
		Owner: "family-rivera",
		Title: "Night shift",
		Start: time.Date(2026, 3, 5, 22, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 6, 6, 0, 0, 0, time.UTC),
	}, "h1")
	require.NoError(t, err)

	projector := feed.NewProjector(st, slog.New(slog.NewTextHandler(&strings.Builder{}, nil)))
	secret, err := projector.CreateToken(ctx, "family-rivera", []entity.Type{entity.TypeShift})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feeds/"+secret+".ics", nil)
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=120", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "BEGIN:VCALENDAR")
	assert.Contains(t, rec.Body.String(), "SUMMARY:Night shift")
}

func TestFeedEndpointUnknownToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feeds/no-such-token.ics", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedEndpointRevokedToken(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	projector := feed.NewProjector(st, slog.New(slog.NewTextHandler(&strings.Builder{}, nil)))
	secret, err := projector.CreateToken(ctx, "family-rivera", nil)
	require.NoError(t, err)
	require.NoError(t, projector.Revoke(ctx, secret))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feeds/"+secret+".ics", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookTriggersPush(t *testing.T) {
	srv, _, pusher := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google-calendar/conn-42", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"conn-42"}, pusher.connections)
}

func TestWebhookRejectsGet(t *testing.T) {
	srv, _, pusher := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/google-calendar/conn-42", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, pusher.connections)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
