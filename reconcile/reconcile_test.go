package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/estuary/glance/appdata"
	"github.com/estuary/glance/schedule"
	"github.com/estuary/glance/store"
)

// requireJSONEquivalent asserts two JSON blobs are semantically equal,
// tolerating key-order or whitespace differences the way a byte-exact
// comparison of re-ingested item data wouldn't.
func requireJSONEquivalent(t *testing.T, want, got []byte) {
	t.Helper()
	var opts = jsondiff.DefaultConsoleOptions()
	diff, explanation := jsondiff.Compare(want, got, &opts)
	require.Equal(t, jsondiff.FullMatch, diff, explanation)
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *schedule.Registry) {
	t.Helper()
	s, err := store.Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg, err := schedule.Open(filepath.Join(t.TempDir(), "schedule.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	return New(s, reg), s, reg
}

func submission(t *testing.T, raw string) *appdata.AppData {
	t.Helper()
	data, err := appdata.Parse([]byte(raw))
	require.NoError(t, err)
	return data
}

func TestReconcileCreatesAppAndItems(t *testing.T) {
	var ctx = context.Background()
	var r, s, _ = newTestReconciler(t)

	var data = submission(t, `{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}]
	}`)
	require.NoError(t, r.reconcile(ctx, "weather", data, false))

	app, err := s.GetApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.Equal(t, "Weather", app.Name)

	items, err := s.ReadItemsByApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

// TestReconcileIsIdempotent validates that re-ingesting the identical
// submission produces no spurious resurfacing of a dismissed item.
func TestReconcileIsIdempotent(t *testing.T) {
	var ctx = context.Background()
	var r, s, _ = newTestReconciler(t)

	var raw = `{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}]
	}`
	require.NoError(t, r.reconcile(ctx, "weather", submission(t, raw), false))
	require.NoError(t, s.SetItemDismissed(ctx, s.DB(), "weather", "x", true))

	before, err := s.ReadItemsByApp(ctx, s.DB(), "weather")
	require.NoError(t, err)

	require.NoError(t, r.reconcile(ctx, "weather", submission(t, raw), false))

	after, err := s.ReadItemsByApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.True(t, after[0].Dismissed)
	requireJSONEquivalent(t, before[0].Data, after[0].Data)
}

func TestReconcileResurfacesOnContentChange(t *testing.T) {
	var ctx = context.Background()
	var r, s, _ = newTestReconciler(t)

	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T1"}, "updated": "2024-01-01T00:00:00Z"}]
	}`), false))
	require.NoError(t, s.SetItemDismissed(ctx, s.DB(), "weather", "x", true))

	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T2"}, "updated": "2024-01-02T00:00:00Z"}]
	}`), false))

	items, err := s.ReadItemsByApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.False(t, items[0].Dismissed)
}

func TestReconcileDeletesItemsNotResubmittedUnlessMerge(t *testing.T) {
	var ctx = context.Background()
	var r, s, _ = newTestReconciler(t)

	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather",
		"items": [
			{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"},
			{"id": "y", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}
		]
	}`), false))

	// Non-merge resubmission without "y" deletes it.
	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "x", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}]
	}`), false))
	items, err := s.ReadItemsByApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Re-add "y" via merge: "x" must survive even though it's absent from this submission.
	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather",
		"items": [{"id": "y", "data": {"title": "T"}, "updated": "2024-01-01T00:00:00Z"}]
	}`), true))
	items, err = s.ReadItemsByApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestRemoveAppCascadesSchedules(t *testing.T) {
	var ctx = context.Background()
	var r, s, reg = newTestReconciler(t)

	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather",
		"schedule": [{"cron": "*/5 * * * *"}]
	}`), false))

	jobs, err := reg.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, r.removeApp(ctx, "weather"))

	_, err = s.GetApp(ctx, s.DB(), "weather")
	require.Error(t, err)
	jobs, err = reg.List()
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestReconcileInvokesOnCommitCallback(t *testing.T) {
	var ctx = context.Background()
	var r, _, _ = newTestReconciler(t)
	var calls int
	r.OnCommit(func() { calls++ })

	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather"
	}`), false))
	require.Equal(t, 1, calls)
}

func TestRunDrainsChannelUntilClosed(t *testing.T) {
	var r, s, _ = newTestReconciler(t)
	var events = make(chan AppFileInput, 1)
	events <- AppFileInput{AppID: "weather", Contents: Contents{Parsed: submission(t, `{
		"name": "Weather", "path": "/bin/weather"
	}`)}}
	close(events)

	var ctx = context.Background()
	r.Run(ctx, events)

	_, err := s.GetApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
}

func TestHandleRecordsAppStatusOnParseFailure(t *testing.T) {
	var ctx = context.Background()
	var r, s, _ = newTestReconciler(t)
	require.NoError(t, r.reconcile(ctx, "weather", submission(t, `{
		"name": "Weather", "path": "/bin/weather"
	}`), false))

	r.handle(ctx, AppFileInput{AppID: "weather", Contents: Contents{Raw: []byte(`not json`)}})

	app, err := s.GetApp(ctx, s.DB(), "weather")
	require.NoError(t, err)
	require.NotNil(t, app.Error)
}
