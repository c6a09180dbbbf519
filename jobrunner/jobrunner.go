// Package jobrunner executes scheduled jobs against the app binaries
// they name (SPEC_FULL.md §4.8). Process supervision follows
// go/connector/run.go's runCommand: start with exec.Command, send
// SIGTERM on context cancellation or timeout rather than killing
// outright, and retain a bounded prefix of stderr for error messages.
package jobrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/glance/metrics"
	"github.com/estuary/glance/ops"
	"github.com/estuary/glance/schedule"
	"github.com/estuary/glance/store"
)

// maxCapturedOutputBytes bounds how much of a job's stderr is kept in
// memory for the failure message recorded in the audit-log event
// (SPEC_FULL §3's Event payload); the full stdout and stderr streams
// are always written to the per-app log files regardless.
const maxCapturedOutputBytes = 4096

// pollInterval is how often the runner checks the schedule registry
// for due jobs.
const pollInterval = time.Second

// Runner polls the schedule registry and dispatches due jobs through a
// bounded worker pool, the way a single-consumer reconciler drains its
// channel (SPEC_FULL §4.8, §5).
type Runner struct {
	registry    *schedule.Registry
	store       *store.Store
	logDir      string
	concurrency int
	log         ops.Logger
}

// New returns a Runner that writes per-job logs under |logDir| and
// runs at most |concurrency| jobs simultaneously.
func New(registry *schedule.Registry, st *store.Store, logDir string, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{
		registry:    registry,
		store:       st,
		logDir:      logDir,
		concurrency: concurrency,
		log:         ops.NewLogger("jobrunner"),
	}
}

// Run polls for due jobs every pollInterval until |ctx| is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	var ticker = time.NewTicker(pollInterval)
	defer ticker.Stop()

	var sem = make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := r.registry.Due(time.Now().UTC())
			if err != nil {
				r.log.Log(log.ErrorLevel, log.Fields{"error": err}, "failed to query due jobs")
				continue
			}
			for _, job := range due {
				var job = job
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return nil
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					r.dispatch(ctx, job)
				}()
			}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, job schedule.Job) {
	// runID correlates this dispatch's log lines and log-file writes,
	// since several jobs may interleave output to the same app's files.
	var runID = uuid.NewString()
	var logger = r.log.With(log.Fields{"app_id": job.AppID, "cron": job.Cron, "run_id": runID})
	var ranAt = time.Now().UTC()

	// Advance the schedule before running, so later polls don't
	// re-dispatch this job while it is still running.
	if markErr := r.registry.MarkRan(job, ranAt); markErr != nil {
		logger.Log(log.ErrorLevel, log.Fields{"error": markErr}, "failed to advance job schedule")
	}

	err := r.runOnce(ctx, job)
	metrics.ScheduledRunDuration.WithLabelValues(job.AppID).Observe(time.Since(ranAt).Seconds())

	var payload []byte
	if err != nil {
		metrics.ScheduledRunsTotal.WithLabelValues(job.AppID, "failure").Inc()
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "scheduled job failed")
		payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	} else {
		metrics.ScheduledRunsTotal.WithLabelValues(job.AppID, "success").Inc()
		payload = []byte(`{"error":null}`)
	}
	if recordErr := r.store.RecordEvent(ctx, r.store.DB(), store.EventScheduledRun, job.AppID, nil, payload); recordErr != nil {
		logger.Log(log.ErrorLevel, log.Fields{"error": recordErr}, "failed to record scheduled-run event")
	}
}

// runOnce invokes the job's executable once, bounded by its declared
// timeout, with stdout/stderr appended to <log_dir>/<app_id>.{stdout,stderr}.log
// and the start of stderr also kept for the returned error.
func (r *Runner) runOnce(ctx context.Context, job schedule.Job) error {
	var timeout = time.Duration(job.TimeoutSeconds) * time.Second
	var runCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	stdoutFile, err := os.OpenFile(filepath.Join(r.logDir, job.AppID+".stdout.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening stdout log: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(filepath.Join(r.logDir, job.AppID+".stderr.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening stderr log: %w", err)
	}
	defer stderrFile.Close()

	var cmd = exec.Command(job.Path, job.Arguments...)
	var capturedStderr = &boundedBuffer{limit: maxCapturedOutputBytes}
	cmd.Stdout = stdoutFile
	cmd.Stderr = io.MultiWriter(stderrFile, capturedStderr)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting job: %w", err)
	}

	go func(signal func(os.Signal) error) {
		<-runCtx.Done()
		if sigErr := signal(syscall.SIGTERM); sigErr != nil && sigErr != os.ErrProcessDone {
			r.log.Log(log.WarnLevel, log.Fields{"app_id": job.AppID, "error": sigErr},
				"failed to signal scheduled job process")
		}
	}(cmd.Process.Signal)

	var waitErr = cmd.Wait()
	if waitErr == nil {
		return nil
	}
	if runCtx.Err() != nil {
		return fmt.Errorf("job timed out after %s: %w", timeout, runCtx.Err())
	}
	return fmt.Errorf("job exited with error: %w; stderr: %s", waitErr, capturedStderr.buf.String())
}

// boundedBuffer retains at most |limit| bytes of written data.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	var rem = b.limit - b.buf.Len()
	if rem > 0 {
		if rem > len(p) {
			rem = len(p)
		}
		b.buf.Write(p[:rem])
	}
	return len(p), nil
}
