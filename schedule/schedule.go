// Package schedule implements the recurring-job registry of
// SPEC_FULL.md §4.7: a durable record of each app's cron schedules,
// backed by go.etcd.io/bbolt the way the teacher's embedded-store
// components (go/materialize/driver/sqlite/sqlite.go's single-writer
// discipline; go/flow/ops/logger.go's field-carrying style) are
// structured, paired with robfig/cron/v3 for schedule parsing and
// next-run computation.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/robfig/cron/v3"

	"github.com/estuary/glance/appdata"
	"github.com/estuary/glance/glanceerr"
	"github.com/estuary/glance/ops"
)

var jobsBucket = []byte("jobs")

// parser accepts the standard 5-field cron expression, as declared in
// an app's submission (SPEC_FULL §4.1).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job is a single recurring job as persisted in the registry.
type Job struct {
	AppID          string    `json:"app_id"`
	Cron           string    `json:"cron"`
	Path           string    `json:"path"`
	Arguments      []string  `json:"arguments,omitempty"`
	TimeoutSeconds uint32    `json:"timeout_seconds"`
	NextRun        time.Time `json:"next_run"`
}

// key is the registry's primary key, "{app_id}:{cron}" (SPEC_FULL §4.7).
func (j *Job) key() []byte {
	return jobKey(j.AppID, j.Cron)
}

func jobKey(appID, cronExpr string) []byte {
	return []byte(appID + ":" + cronExpr)
}

// Registry is the durable store of recurring jobs, keyed
// "{app_id}:{cron}". It is the single writer of its own bbolt file;
// callers never open their own transactions against it.
type Registry struct {
	db  *bolt.DB
	log ops.Logger

	mu sync.Mutex
}

// Open opens (creating if absent) the bbolt file at |path|.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, glanceerr.DbInit(err, "opening schedule registry %q", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	}); err != nil {
		return nil, glanceerr.DbInit(err, "initializing schedule registry %q", path)
	}
	return &Registry{db: db, log: ops.NewLogger("schedule")}, nil
}

// Close releases the underlying bbolt handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Reconcile replaces |appID|'s recurring jobs with exactly the set
// declared in |schedules|, computing each job's initial next-run from
// |now| (SPEC_FULL §4.5.2, §4.7). Jobs not present in |schedules| are
// removed; unchanged ones keep their existing NextRun so an app
// resubmission never skips or duplicates a run.
func (r *Registry) Reconcile(ctx context.Context, appID, path string, schedules []appdata.Schedule) error {
	return r.ReconcileAt(ctx, appID, path, schedules, time.Now().UTC())
}

// ReconcileAt is Reconcile with an explicit reference time, exposed for
// deterministic testing.
func (r *Registry) ReconcileAt(ctx context.Context, appID, path string, schedules []appdata.Schedule, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var wantKeys = make(map[string]bool, len(schedules))
	for _, sched := range schedules {
		wantKeys[string(jobKey(appID, sched.Cron))] = true
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		var bucket = tx.Bucket(jobsBucket)

		// Remove jobs for this app no longer declared.
		var toDelete [][]byte
		var prefix = []byte(appID + ":")
		var c = bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			if !wantKeys[string(k)] {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		// Upsert declared jobs, preserving NextRun where the job already existed.
		for _, sched := range schedules {
			var job = Job{
				AppID:          appID,
				Cron:           sched.Cron,
				Path:           path,
				Arguments:      sched.Arguments,
				TimeoutSeconds: sched.TimeoutOrDefault(),
			}

			if existing := bucket.Get(job.key()); existing != nil {
				var prior Job
				if err := json.Unmarshal(existing, &prior); err == nil {
					job.NextRun = prior.NextRun
				}
			}
			if job.NextRun.IsZero() {
				sched, err := parser.Parse(job.Cron)
				if err != nil {
					return fmt.Errorf("parsing cron expression %q: %w", job.Cron, err)
				}
				job.NextRun = sched.Next(now).UTC()
			}

			encoded, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := bucket.Put(job.key(), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveAppJobs deletes every recurring job belonging to |appID|
// (SPEC_FULL §4.5.3).
func (r *Registry) RemoveAppJobs(ctx context.Context, appID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Update(func(tx *bolt.Tx) error {
		var bucket = tx.Bucket(jobsBucket)
		var prefix = []byte(appID + ":")
		var c = bucket.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Due returns every job whose NextRun is at or before |now|, ordered by
// NextRun then key, for the job runner to dispatch (SPEC_FULL §4.8).
func (r *Registry) Due(now time.Time) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Job
	err := r.db.View(func(tx *bolt.Tx) error {
		var bucket = tx.Bucket(jobsBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if !job.NextRun.After(now) {
				due = append(due, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].NextRun.Before(due[j].NextRun)
		}
		return string(due[i].key()) < string(due[j].key())
	})
	return due, nil
}

// MarkRan advances |job|'s NextRun past |ranAt| and persists it, so a
// slow or failed run never causes a tight re-dispatch loop.
func (r *Registry) MarkRan(job Job, ranAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Update(func(tx *bolt.Tx) error {
		var bucket = tx.Bucket(jobsBucket)
		var existing = bucket.Get(job.key())
		if existing == nil {
			return nil // job was removed (app deleted) concurrently with dispatch
		}
		var current Job
		if err := json.Unmarshal(existing, &current); err != nil {
			return err
		}

		sched, err := parser.Parse(current.Cron)
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", current.Cron, err)
		}
		current.NextRun = sched.Next(ranAt).UTC()

		encoded, err := json.Marshal(current)
		if err != nil {
			return err
		}
		return bucket.Put(current.key(), encoded)
	})
}

// List returns every job in the registry, ordered by key. Supplemental
// read used by the per-app detail view (SPEC_FULL §3).
func (r *Registry) List() ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Job
	err := r.db.View(func(tx *bolt.Tx) error {
		var bucket = tx.Bucket(jobsBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			out = append(out, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].key()) < string(out[j].key()) })
	return out, nil
}
