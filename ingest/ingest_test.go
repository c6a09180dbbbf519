package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/estuary/glance/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppIDFromPath(t *testing.T) {
	id, ok := appIDFromPath("/data/apps/weather.json")
	require.True(t, ok)
	require.Equal(t, "weather", id)

	_, ok = appIDFromPath("/data/apps/weather.txt")
	require.False(t, ok)
}

func TestHTTPSourcePutAppEnqueuesSubmission(t *testing.T) {
	var channel = NewChannel()
	var source = NewHTTPSource(channel, newTestStore(t))
	var router = mux.NewRouter()
	source.Register(router)

	var body = strings.NewReader(`{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}]
	}`)
	var req = httptest.NewRequest(http.MethodPut, "/apps/weather", body)
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case ev := <-channel.Receiver():
		require.Equal(t, "weather", ev.AppID)
		require.NotNil(t, ev.Contents.Parsed)
		require.Equal(t, "Weather", ev.Contents.Parsed.Name)
		require.False(t, ev.Contents.MergeItems)
	case <-time.After(time.Second):
		t.Fatal("expected an enqueued event")
	}
}

func TestHTTPSourcePutAppMergeFlag(t *testing.T) {
	var channel = NewChannel()
	var source = NewHTTPSource(channel, newTestStore(t))
	var router = mux.NewRouter()
	source.Register(router)

	var body = strings.NewReader(`{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}]
	}`)
	var req = httptest.NewRequest(http.MethodPut, "/apps/weather?merge=1", body)
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ev := <-channel.Receiver()
	require.True(t, ev.Contents.MergeItems)
}

func TestHTTPSourcePutAppRejectsMalformed(t *testing.T) {
	var channel = NewChannel()
	var source = NewHTTPSource(channel, newTestStore(t))
	var router = mux.NewRouter()
	source.Register(router)

	var req = httptest.NewRequest(http.MethodPut, "/apps/weather", strings.NewReader(`{"name":"x"}`))
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPSourceDeleteAppEnqueuesRemoval(t *testing.T) {
	var channel = NewChannel()
	var source = NewHTTPSource(channel, newTestStore(t))
	var router = mux.NewRouter()
	source.Register(router)

	var req = httptest.NewRequest(http.MethodDelete, "/apps/weather", nil)
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ev := <-channel.Receiver()
	require.Equal(t, "weather", ev.AppID)
	require.True(t, ev.Contents.Empty)
}

func TestHTTPSourcePostItemUpsertsDirectlyWithoutReconciling(t *testing.T) {
	var ctx = context.Background()
	var channel = NewChannel()
	var s = newTestStore(t)
	require.NoError(t, s.UpsertApp(ctx, s.DB(), "weather", "Weather", "/bin/weather", nil, nil))

	var source = NewHTTPSource(channel, s)
	var router = mux.NewRouter()
	source.Register(router)

	var body = strings.NewReader(`{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}`)
	var req = httptest.NewRequest(http.MethodPost, "/apps/weather/item?resurface=1", body)
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	items, err := s.ReadItemsByApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "x", items[0].ID)

	// Nothing was enqueued onto the reconciliation channel.
	select {
	case ev := <-channel.Receiver():
		t.Fatalf("expected no reconciliation event, got %+v", ev)
	default:
	}
}

func TestHTTPSourcePostItemRejectsMalformed(t *testing.T) {
	var channel = NewChannel()
	var source = NewHTTPSource(channel, newTestStore(t))
	var router = mux.NewRouter()
	source.Register(router)

	var req = httptest.NewRequest(http.MethodPost, "/apps/weather/item", strings.NewReader(`{"id":"x"}`))
	var rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFSSourceSeedsExistingSubmissions(t *testing.T) {
	var dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weather.json"), []byte(`{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}]
	}`), 0644))

	var channel = NewChannel()
	var source = NewFSSource(dir, channel)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = source.Run(ctx) }()

	select {
	case ev := <-channel.Receiver():
		require.Equal(t, "weather", ev.AppID)
		require.NotNil(t, ev.Contents.Raw)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the seeded submission to be enqueued")
	}
}

func TestFSSourceDetectsWriteAndRemove(t *testing.T) {
	var dir = t.TempDir()
	var channel = NewChannel()
	var source = NewFSSource(dir, channel)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = source.Run(ctx) }()

	var path = filepath.Join(dir, "news.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "News", "path": "/bin/news"
	}`), 0644))

	select {
	case ev := <-channel.Receiver():
		require.Equal(t, "news", ev.AppID)
		require.NotNil(t, ev.Contents.Raw)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the write to be enqueued")
	}

	require.NoError(t, os.Remove(path))

	select {
	case ev := <-channel.Receiver():
		require.Equal(t, "news", ev.AppID)
		require.True(t, ev.Contents.Empty)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the removal to be enqueued")
	}
}
