// Command glance runs the dashboard reconciliation engine of
// SPEC_FULL.md: it watches a directory of app submissions, accepts
// HTTP ingest, reconciles both into a SQLite item store, runs apps on
// their declared cron schedules, and serves a read API.
//
// Startup and shutdown sequencing follows the teacher's task-group
// bootstraps (e.g. cmd/flow-ingester/main.go): build every component,
// queue its run loop, then block on a signal or any one loop's error,
// using golang.org/x/sync/errgroup in place of gazette's task.Group.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/estuary/glance/api"
	"github.com/estuary/glance/config"
	"github.com/estuary/glance/glanceerr"
	"github.com/estuary/glance/ingest"
	"github.com/estuary/glance/jobrunner"
	"github.com/estuary/glance/ops"
	"github.com/estuary/glance/reconcile"
	"github.com/estuary/glance/schedule"
	"github.com/estuary/glance/store"
)

func main() {
	if err := run(); err != nil {
		log.WithField("error", err).Fatal("glance exited with error")
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return glanceerr.ServerStart(err, "loading configuration")
	}
	ops.Configure(cfg.LogLevel)

	log.WithFields(log.Fields{
		"base_dir":               cfg.BaseDir,
		"database_url":           cfg.DatabaseURL,
		"schedule_db_path":       cfg.ScheduleDBPath,
		"log_dir":                cfg.LogDir,
		"host":                   cfg.Host,
		"port":                   cfg.Port,
		"enable_scheduled_tasks": cfg.EnableScheduledTasks,
	}).Info("starting glance")

	for _, dir := range []string{cfg.BaseDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return glanceerr.ServerStart(err, "creating directory %q", dir)
		}
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	schedules, err := schedule.Open(cfg.ScheduleDBPath)
	if err != nil {
		return err
	}
	defer schedules.Close()

	var channel = ingest.NewChannel()
	var reconciler = reconcile.New(st, schedules)
	var readAPI = api.New(st, schedules)
	reconciler.OnCommit(readAPI.InvalidateActiveItems)

	var httpSource = ingest.NewHTTPSource(channel, st)
	var fsSource = ingest.NewFSSource(cfg.BaseDir, channel)

	var router = mux.NewRouter()
	httpSource.Register(router)
	readAPI.Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	var httpServer = &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error {
		return fsSource.Run(groupCtx)
	})

	group.Go(func() error {
		reconciler.Run(groupCtx, channel.Receiver())
		return nil
	})

	if cfg.EnableScheduledTasks {
		var runner = jobrunner.New(schedules, st, cfg.LogDir, cfg.ScheduledTaskConcurrency)
		group.Go(func() error {
			return runner.Run(groupCtx)
		})
	}

	group.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("serving HTTP API")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return glanceerr.ServerStart(err, "serving HTTP API")
		}
		return nil
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	group.Go(func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal; shutting down")
		case <-groupCtx.Done():
		}

		var shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return glanceerr.Shutdown(err, "shutting down HTTP server")
		}
		cancel()
		channel.Close()
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}
