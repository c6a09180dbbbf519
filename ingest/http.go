package ingest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/glance/appdata"
	"github.com/estuary/glance/glanceerr"
	"github.com/estuary/glance/metrics"
	"github.com/estuary/glance/ops"
	"github.com/estuary/glance/reconcile"
	"github.com/estuary/glance/store"
)

// HTTPSource registers the PUT/DELETE/item ingest surface of SPEC_FULL
// §4.3 with a gorilla/mux router, the way go/ingest/apis.go registers
// the ingest collection routes; handler bodies follow the
// doServeHTTPJSON shape of go/ingest/http_api.go (decode, act, log and
// translate errors on the way out).
type HTTPSource struct {
	channel *Channel
	store   *store.Store
	log     ops.Logger
}

// NewHTTPSource returns an HTTPSource that publishes onto |channel| and,
// for the single-item endpoint that bypasses reconciliation entirely,
// writes directly to |st|.
func NewHTTPSource(channel *Channel, st *store.Store) *HTTPSource {
	return &HTTPSource{channel: channel, store: st, log: ops.NewLogger("ingest.http")}
}

// Register wires the ingest routes onto |router| (SPEC_FULL §4.3, §6):
//
//	PUT    /apps/{app_id}                    replace the app's full submission
//	PUT    /apps/{app_id}?merge=1             merge items into the app's existing set
//	DELETE /apps/{app_id}                     remove the app entirely
//	POST   /apps/{app_id}/item?resurface=<bool>  upsert a single item, bypassing reconciliation
func (h *HTTPSource) Register(router *mux.Router) {
	router.Handle("/apps/{app_id}", metrics.InstrumentHandler("/apps/{app_id}", http.HandlerFunc(h.servePutApp))).Methods(http.MethodPut)
	router.Handle("/apps/{app_id}", metrics.InstrumentHandler("/apps/{app_id}", http.HandlerFunc(h.serveDeleteApp))).Methods(http.MethodDelete)
	router.Handle("/apps/{app_id}/item", metrics.InstrumentHandler("/apps/{app_id}/item", http.HandlerFunc(h.servePostItem))).Methods(http.MethodPost)
}

func (h *HTTPSource) servePutApp(w http.ResponseWriter, r *http.Request) {
	var appID = mux.Vars(r)["app_id"]
	var logger = h.log.With(log.Fields{"app_id": appID, "remote_addr": r.RemoteAddr})

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to read request body")
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	data, err := appdata.Parse(body)
	if err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "rejecting malformed app submission")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var mergeItems = r.URL.Query().Get("merge") == "1" || r.URL.Query().Get("merge") == "true"
	var ev = reconcile.AppFileInput{
		AppID: appID,
		Contents: reconcile.Contents{
			Parsed:     data,
			MergeItems: mergeItems,
		},
	}

	if err := h.channel.Send(r.Context(), ev); err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to enqueue submission")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{"accepted"})
}

func (h *HTTPSource) serveDeleteApp(w http.ResponseWriter, r *http.Request) {
	var appID = mux.Vars(r)["app_id"]
	var logger = h.log.With(log.Fields{"app_id": appID, "remote_addr": r.RemoteAddr})

	var ev = reconcile.AppFileInput{AppID: appID, Contents: reconcile.Contents{Empty: true}}
	if err := h.channel.Send(r.Context(), ev); err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to enqueue removal")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// servePostItem upserts a single item directly against the store,
// bypassing the reconciler and its diff decision (SPEC_FULL §4.3): the
// caller supplies the resurface decision explicitly via ?resurface=.
// The app must already exist; row-level locking on (app_id, id) in the
// store's upsert statement handles the resulting race with a concurrent
// reconciler-driven update of the same row (SPEC_FULL §5).
func (h *HTTPSource) servePostItem(w http.ResponseWriter, r *http.Request) {
	var appID = mux.Vars(r)["app_id"]
	var logger = h.log.With(log.Fields{"app_id": appID, "remote_addr": r.RemoteAddr})

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to read request body")
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var item appdata.AppItem
	if err := json.Unmarshal(body, &item); err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "rejecting malformed item")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := item.Validate(); err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "rejecting invalid item")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resurface bool
	if v := r.URL.Query().Get("resurface"); v != "" {
		resurface = v == "1" || v == "true"
	}

	var stateKey *string
	if item.StateKey != "" {
		stateKey = &item.StateKey
	}
	var notify json.RawMessage
	if len(item.Notify) > 0 {
		if notify, err = json.Marshal(item.Notify); err != nil {
			logger.Log(log.ErrorLevel, log.Fields{"error": err}, "failed to marshal item notifications")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	data, err := json.Marshal(item.Data)
	if err != nil {
		logger.Log(log.ErrorLevel, log.Fields{"error": err}, "failed to marshal item data")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	err = h.store.UpsertItem(r.Context(), h.store.DB(), store.UpsertItem{
		AppID:      appID,
		ID:         item.ID,
		Data:       data,
		Persistent: item.Persistent,
		StateKey:   stateKey,
		Notify:     notify,
		UpdatedAt:  item.Updated,
		Resurface:  resurface,
	})
	if err != nil {
		logger.Log(log.WarnLevel, log.Fields{"error": err}, "failed to upsert item")
		h.writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPSource) writeStoreError(w http.ResponseWriter, err error) {
	if ge, ok := err.(*glanceerr.Error); ok {
		http.Error(w, err.Error(), ge.Status())
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
