package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/glance/ops"
	"github.com/estuary/glance/reconcile"
)

// debounceWindow coalesces bursts of writes to the same file (editors
// commonly write-then-rename, or write in several syscalls) into a
// single reconciliation (SPEC_FULL §4.2).
const debounceWindow = 250 * time.Millisecond

// appIDFromPath derives an app's id from its submission file: the
// filename without its .json extension (SPEC_FULL §4.2, §6).
func appIDFromPath(path string) (string, bool) {
	var base = filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	return strings.TrimSuffix(base, ".json"), true
}

// FSSource watches a directory of <app_id>.json submission files and
// publishes reconcile.AppFileInput for every create/write/remove,
// debounced per path. It runs as a single dedicated goroutine per the
// watch-loop shape of go/runtime/capture.go (a select over the watcher
// channel and ctx.Done, with a timer for periodic work).
type FSSource struct {
	dir     string
	channel *Channel
	log     ops.Logger
}

// NewFSSource watches |dir| for app submissions.
func NewFSSource(dir string, channel *Channel) *FSSource {
	return &FSSource{dir: dir, channel: channel, log: ops.NewLogger("ingest.fs")}
}

// Run starts the watch loop, seeding from the directory's current
// contents, and blocks until |ctx| is cancelled.
func (f *FSSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return err
	}

	if err := f.seed(ctx); err != nil {
		f.log.Log(log.WarnLevel, log.Fields{"error": err}, "failed to seed from existing submissions")
	}

	var pending = make(map[string]*time.Timer)
	var fire = make(chan string, channelCapacity)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, ok := appIDFromPath(ev.Name); !ok {
				continue
			}
			if t, exists := pending[ev.Name]; exists {
				t.Stop()
			}
			pending[ev.Name] = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- ev.Name:
				case <-ctx.Done():
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Log(log.WarnLevel, log.Fields{"error": err}, "filesystem watch error")

		case path := <-fire:
			delete(pending, path)
			f.handle(ctx, path)
		}
	}
}

// seed publishes the current directory contents on startup, so a
// restart picks up submissions written while the process was down.
func (f *FSSource) seed(ctx context.Context) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f.handle(ctx, filepath.Join(f.dir, e.Name()))
	}
	return nil
}

func (f *FSSource) handle(ctx context.Context, path string) {
	appID, ok := appIDFromPath(path)
	if !ok {
		return
	}
	var logger = f.log.With(log.Fields{"app_id": appID, "path": path})

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		var ev = reconcile.AppFileInput{AppID: appID, Contents: reconcile.Contents{Empty: true}}
		if sendErr := f.channel.Send(ctx, ev); sendErr != nil {
			logger.Log(log.WarnLevel, log.Fields{"error": sendErr}, "failed to enqueue removal")
		}
		return
	}
	if err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to read submission")
		return
	}

	var ev = reconcile.AppFileInput{AppID: appID, Contents: reconcile.Contents{Raw: raw}}
	if sendErr := f.channel.Send(ctx, ev); sendErr != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": sendErr}, "failed to enqueue submission")
	}
}
