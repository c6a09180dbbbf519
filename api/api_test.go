package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/estuary/glance/schedule"
	"github.com/estuary/glance/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg, err := schedule.Open(filepath.Join(t.TempDir(), "schedule.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	return New(s, reg), s
}

func TestServeActiveItemsOmitsDismissedAndEmptyApps(t *testing.T) {
	var ctx = context.Background()
	var srv, s = newTestServer(t)
	require.NoError(t, s.UpsertApp(ctx, s.DB(), "weather", "Weather", "/bin/w", nil, nil))
	require.NoError(t, s.UpsertItem(ctx, s.DB(), store.UpsertItem{
		AppID: "weather", ID: "x", Data: json.RawMessage(`{"title":"T"}`),
		UpdatedAt: time.Now().UTC(), Resurface: true,
	}))

	var router = mux.NewRouter()
	srv.Register(router)

	var req = httptest.NewRequest(http.MethodGet, "/active_items", nil)
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body []activeAppItemsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	require.Equal(t, "weather", body[0].App.ID)
	require.Len(t, body[0].Items, 1)
}

func TestServeAppDetailNotFound(t *testing.T) {
	var srv, _ = newTestServer(t)
	var router = mux.NewRouter()
	srv.Register(router)

	var req = httptest.NewRequest(http.MethodGet, "/apps/nope", nil)
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeSetDismissedInvalidatesCache(t *testing.T) {
	var ctx = context.Background()
	var srv, s = newTestServer(t)
	require.NoError(t, s.UpsertApp(ctx, s.DB(), "weather", "Weather", "/bin/w", nil, nil))
	require.NoError(t, s.UpsertItem(ctx, s.DB(), store.UpsertItem{
		AppID: "weather", ID: "x", Data: json.RawMessage(`{"title":"T"}`),
		UpdatedAt: time.Now().UTC(), Resurface: true,
	}))

	var router = mux.NewRouter()
	srv.Register(router)

	var rec1 = httptest.NewRecorder()
	router.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/active_items", nil))
	var before []activeAppItemsResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &before))
	require.Len(t, before[0].Items, 1)

	var rec2 = httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/apps/weather/items/x/dismiss", nil))
	require.Equal(t, http.StatusNoContent, rec2.Code)

	var rec3 = httptest.NewRecorder()
	router.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/active_items", nil))
	var after []activeAppItemsResponse
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &after))
	require.Empty(t, after)
}

func TestServeListApps(t *testing.T) {
	var ctx = context.Background()
	var srv, s = newTestServer(t)
	require.NoError(t, s.UpsertApp(ctx, s.DB(), "weather", "Weather", "/bin/w", nil, nil))

	var router = mux.NewRouter()
	srv.Register(router)

	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/apps", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var apps []appResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apps))
	require.Len(t, apps, 1)
	require.Equal(t, "weather", apps[0].ID)
}
