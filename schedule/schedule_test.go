package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/glance/appdata"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "schedule.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReconcileCreatesAndComputesNextRun(t *testing.T) {
	var ctx = context.Background()
	var r = newTestRegistry(t)
	var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.ReconcileAt(ctx, "weather", "/bin/weather", []appdata.Schedule{
		{Cron: "*/5 * * * *"},
	}, now))

	jobs, err := r.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "weather", jobs[0].AppID)
	require.Equal(t, uint32(300), jobs[0].TimeoutSeconds)
	require.True(t, jobs[0].NextRun.After(now))
}

func TestReconcilePreservesNextRunAcrossResubmission(t *testing.T) {
	var ctx = context.Background()
	var r = newTestRegistry(t)
	var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.ReconcileAt(ctx, "weather", "/bin/weather", []appdata.Schedule{
		{Cron: "*/5 * * * *"},
	}, now))
	jobs, err := r.List()
	require.NoError(t, err)
	var firstNextRun = jobs[0].NextRun

	// Resubmit the same schedule an hour later: NextRun must not move.
	require.NoError(t, r.ReconcileAt(ctx, "weather", "/bin/weather", []appdata.Schedule{
		{Cron: "*/5 * * * *"},
	}, now.Add(time.Hour)))
	jobs, err = r.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, firstNextRun, jobs[0].NextRun)
}

func TestReconcileRemovesDroppedSchedule(t *testing.T) {
	var ctx = context.Background()
	var r = newTestRegistry(t)
	var now = time.Now().UTC()

	require.NoError(t, r.ReconcileAt(ctx, "weather", "/bin/weather", []appdata.Schedule{
		{Cron: "*/5 * * * *"},
		{Cron: "0 * * * *"},
	}, now))
	require.NoError(t, r.ReconcileAt(ctx, "weather", "/bin/weather", []appdata.Schedule{
		{Cron: "0 * * * *"},
	}, now))

	jobs, err := r.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "0 * * * *", jobs[0].Cron)
}

func TestRemoveAppJobsDeletesEverythingForApp(t *testing.T) {
	var ctx = context.Background()
	var r = newTestRegistry(t)
	require.NoError(t, r.ReconcileAt(ctx, "weather", "/bin/weather", []appdata.Schedule{
		{Cron: "*/5 * * * *"},
	}, time.Now().UTC()))
	require.NoError(t, r.ReconcileAt(ctx, "news", "/bin/news", []appdata.Schedule{
		{Cron: "0 * * * *"},
	}, time.Now().UTC()))

	require.NoError(t, r.RemoveAppJobs(ctx, "weather"))

	jobs, err := r.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "news", jobs[0].AppID)
}

func TestDueAndMarkRan(t *testing.T) {
	var ctx = context.Background()
	var r = newTestRegistry(t)
	var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, r.ReconcileAt(ctx, "weather", "/bin/weather", []appdata.Schedule{
		{Cron: "* * * * *"},
	}, now))

	due, err := r.Due(now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, r.MarkRan(due[0], now.Add(time.Minute)))

	due, err = r.Due(now.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, due)
}
