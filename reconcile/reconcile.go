// Package reconcile implements the reconciler of SPEC_FULL.md §4.5: it
// classifies incoming AppFileInput events, diffs a submission against
// stored items, and applies the result transactionally. The
// transaction shape follows materialize/sql/std_endpoint.go's
// ExecuteStatements (begin / act / commit / rollback, logged at each
// step).
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/glance/appdata"
	"github.com/estuary/glance/metrics"
	"github.com/estuary/glance/ops"
	"github.com/estuary/glance/schedule"
	"github.com/estuary/glance/store"
)

// Contents is the payload of one ingest event (SPEC_FULL §4.5).
type Contents struct {
	// Empty indicates the app's submission was removed (file deleted).
	Empty bool
	// Raw holds unparsed bytes (from the filesystem source); nil
	// unless this is a Raw variant.
	Raw []byte
	// Parsed holds an already-parsed submission (from HTTP PUT); nil
	// unless this is a Parsed variant.
	Parsed *appdata.AppData
	// MergeItems is only meaningful alongside Parsed, and only ever
	// set true by the HTTP ingest path (SPEC_FULL §4.5.4).
	MergeItems bool
}

// AppFileInput is one event dequeued from the change channel.
type AppFileInput struct {
	AppID    string
	Contents Contents
}

// Reconciler is the single consumer of the change channel.
type Reconciler struct {
	store     *store.Store
	schedules *schedule.Registry
	log       ops.Logger
	onCommit  func()
}

// New returns a Reconciler bound to |st| and |schedules|.
func New(st *store.Store, schedules *schedule.Registry) *Reconciler {
	return &Reconciler{store: st, schedules: schedules, log: ops.NewLogger("reconcile")}
}

// OnCommit registers a callback invoked after every committed
// reconciliation or app removal, so a read-API cache can invalidate
// itself without the reconciler depending on the api package.
func (r *Reconciler) OnCommit(fn func()) {
	r.onCommit = fn
}

func (r *Reconciler) notifyCommit() {
	if r.onCommit != nil {
		r.onCommit()
	}
}

// Run dequeues events from |events| until it's closed, reconciling one
// at a time. A recoverable error from one event is recorded on the
// app's status and the loop continues (SPEC_FULL §7) — Run itself only
// returns when |ctx| is cancelled or |events| is closed.
func (r *Reconciler) Run(ctx context.Context, events <-chan AppFileInput) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, ev AppFileInput) {
	var logger = r.log.With(log.Fields{"app_id": ev.AppID})

	var err error
	switch {
	case ev.Contents.Empty:
		err = r.removeApp(ctx, ev.AppID)
	case ev.Contents.Parsed != nil:
		err = r.reconcile(ctx, ev.AppID, ev.Contents.Parsed, ev.Contents.MergeItems)
	case ev.Contents.Raw != nil:
		data, parseErr := appdata.Parse(ev.Contents.Raw)
		if parseErr != nil {
			err = parseErr
		} else {
			err = r.reconcile(ctx, ev.AppID, data, false)
		}
	default:
		return
	}

	if err != nil {
		metrics.ReconciliationFailuresTotal.WithLabelValues(ev.AppID).Inc()
		logger.Log(log.ErrorLevel, log.Fields{"error": err}, "reconciliation failed; recording app status")
		var msg = err.Error()
		if updateErr := r.store.UpdateAppStatus(ctx, r.store.DB(), ev.AppID, &msg); updateErr != nil {
			logger.Log(log.ErrorLevel, log.Fields{"error": updateErr}, "failed to record app error status")
		}
	}
}

// removeApp implements SPEC_FULL §4.5.3.
func (r *Reconciler) removeApp(ctx context.Context, appID string) error {
	if err := r.store.RemoveApp(ctx, r.store.DB(), appID); err != nil {
		return fmt.Errorf("removing app: %w", err)
	}
	if err := r.schedules.RemoveAppJobs(ctx, appID); err != nil {
		return fmt.Errorf("removing scheduled jobs: %w", err)
	}
	metrics.AppsRemovedTotal.WithLabelValues().Inc()
	r.notifyCommit()
	return nil
}

// pendingUpsert pairs a submitted item with the resurface decision
// computed by the diff algorithm (SPEC_FULL §4.5.1).
type pendingUpsert struct {
	item      appdata.AppItem
	resurface bool
}

// reconcile implements SPEC_FULL §4.5.1 (diff) and §4.5.2 (transactional apply).
func (r *Reconciler) reconcile(ctx context.Context, appID string, data *appdata.AppData, mergeItems bool) error {
	var existing, err = r.store.ReadItemsByApp(ctx, r.store.DB(), appID)
	if err != nil {
		return fmt.Errorf("reading existing items: %w", err)
	}
	var existingByID = make(map[string]store.Item, len(existing))
	for _, it := range existing {
		existingByID[it.ID] = it
	}

	var pending = make([]pendingUpsert, 0, len(data.Items))
	var submittedIDs = make([]string, 0, len(data.Items))
	for _, item := range data.Items {
		submittedIDs = append(submittedIDs, item.ID)
		pending = append(pending, pendingUpsert{item: item, resurface: resurface(existingByID[item.ID], item, hasExisting(existingByID, item.ID))})
	}

	tx, err := r.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	log.WithField("app_id", appID).Debug("starting reconciliation transaction")

	if err := r.apply(ctx, tx, appID, data, pending, submittedIDs, mergeItems); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	log.WithField("app_id", appID).Debug("committed reconciliation transaction")
	r.notifyCommit()
	return nil
}

func (r *Reconciler) apply(
	ctx context.Context,
	tx *sql.Tx,
	appID string,
	data *appdata.AppData,
	pending []pendingUpsert,
	submittedIDs []string,
	mergeItems bool,
) error {
	var version *uint32
	if data.Version != 0 {
		version = &data.Version
	}
	var uiBytes json.RawMessage
	if data.UI != nil {
		b, err := json.Marshal(data.UI)
		if err != nil {
			return fmt.Errorf("marshaling ui: %w", err)
		}
		uiBytes = b
	}
	if err := r.store.UpsertApp(ctx, tx, appID, data.Name, data.Path, uiBytes, version); err != nil {
		return fmt.Errorf("upserting app: %w", err)
	}

	for _, p := range pending {
		if err := r.upsertItem(ctx, tx, appID, p); err != nil {
			return err
		}
	}

	if !mergeItems {
		if err := r.store.DeleteItemsNotIn(ctx, tx, appID, submittedIDs); err != nil {
			return fmt.Errorf("deleting stale items: %w", err)
		}
	}

	if err := r.store.UpdateAppStatus(ctx, tx, appID, nil); err != nil {
		return fmt.Errorf("clearing app status: %w", err)
	}

	if err := r.schedules.Reconcile(ctx, appID, data.Path, data.Schedule); err != nil {
		return fmt.Errorf("reconciling schedules: %w", err)
	}

	return nil
}

func (r *Reconciler) upsertItem(ctx context.Context, tx *sql.Tx, appID string, p pendingUpsert) error {
	dataBytes, err := json.Marshal(p.item.Data)
	if err != nil {
		return fmt.Errorf("marshaling item data: %w", err)
	}
	var notifyBytes json.RawMessage
	if len(p.item.Notify) > 0 {
		b, err := json.Marshal(p.item.Notify)
		if err != nil {
			return fmt.Errorf("marshaling item notify: %w", err)
		}
		notifyBytes = b
	}
	var stateKey *string
	if p.item.StateKey != "" {
		sk := p.item.StateKey
		stateKey = &sk
	}

	if err := r.store.UpsertItem(ctx, tx, store.UpsertItem{
		AppID:      appID,
		ID:         p.item.ID,
		Data:       dataBytes,
		Persistent: p.item.Persistent,
		StateKey:   stateKey,
		Notify:     notifyBytes,
		UpdatedAt:  p.item.Updated,
		Resurface:  p.resurface,
	}); err != nil {
		return fmt.Errorf("upserting item %q: %w", p.item.ID, err)
	}
	metrics.ItemsReconciledTotal.WithLabelValues(appID, fmt.Sprintf("%t", p.resurface)).Inc()
	return nil
}

func hasExisting(existing map[string]store.Item, id string) bool {
	_, ok := existing[id]
	return ok
}

// resurface implements the SPEC_FULL §4.5.1 decision table.
func resurface(existing store.Item, submitted appdata.AppItem, existed bool) bool {
	if !existed {
		return true
	}
	var hasExistingKey = existing.StateKey != nil && *existing.StateKey != ""
	var hasSubmittedKey = submitted.StateKey != ""

	switch {
	case hasExistingKey && hasSubmittedKey:
		return *existing.StateKey != submitted.StateKey
	case hasExistingKey != hasSubmittedKey:
		return true
	default:
		return semanticFieldsDiffer(existing, submitted)
	}
}

func semanticFieldsDiffer(existing store.Item, submitted appdata.AppItem) bool {
	var existingData struct {
		Title    string `json:"title"`
		Subtitle string `json:"subtitle,omitempty"`
		Detail   string `json:"detail,omitempty"`
		Icon     string `json:"icon,omitempty"`
	}
	_ = json.Unmarshal(existing.Data, &existingData)

	if existingData.Title != submitted.Data.Title ||
		existingData.Subtitle != submitted.Data.Subtitle ||
		existingData.Detail != submitted.Data.Detail ||
		existingData.Icon != submitted.Data.Icon {
		return true
	}
	return existing.Persistent != submitted.Persistent
}
