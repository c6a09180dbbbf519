// Package api implements the read surface of SPEC_FULL.md §4.9: the
// HTTP endpoints a dashboard client polls for active items and app
// detail, backed by a read-through LRU cache the way a consumer might
// cache repeated queries against a slow materialized view.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/glance/glanceerr"
	"github.com/estuary/glance/metrics"
	"github.com/estuary/glance/ops"
	"github.com/estuary/glance/schedule"
	"github.com/estuary/glance/store"
)

// cacheTTL bounds how stale a cached /active_items response may be.
// The reconciler invalidates the cache immediately on every commit, so
// this is a backstop rather than the primary freshness mechanism.
const cacheTTL = 2 * time.Second

type cacheEntry struct {
	body     []byte
	cachedAt time.Time
}

// Server serves the read-only HTTP API.
type Server struct {
	store     *store.Store
	schedules *schedule.Registry
	cache     *lru.Cache[string, cacheEntry]
	log       ops.Logger
}

// New returns a Server reading from |st| and |schedules|.
func New(st *store.Store, schedules *schedule.Registry) *Server {
	cache, err := lru.New[string, cacheEntry](8)
	if err != nil {
		panic(err) // only fails for a non-positive size, which is a programmer error
	}
	return &Server{store: st, schedules: schedules, cache: cache, log: ops.NewLogger("api")}
}

// Register wires the read routes onto |router| (SPEC_FULL §4.9, §6):
//
//	GET    /active_items                         every app's non-dismissed items
//	GET    /api/apps                              every known app and its status
//	GET    /apps/{app_id}                         one app's detail, including recent events
//	POST   /apps/{app_id}/items/{item_id}/dismiss    mark an item dismissed
//	POST   /apps/{app_id}/items/{item_id}/undismiss  clear an item's dismissed flag
func (s *Server) Register(router *mux.Router) {
	router.Handle("/active_items", metrics.InstrumentHandler("/active_items", http.HandlerFunc(s.serveActiveItems))).Methods(http.MethodGet)
	router.Handle("/api/apps", metrics.InstrumentHandler("/api/apps", http.HandlerFunc(s.serveListApps))).Methods(http.MethodGet)
	router.Handle("/apps/{app_id}", metrics.InstrumentHandler("/apps/{app_id}", http.HandlerFunc(s.serveAppDetail))).Methods(http.MethodGet)
	router.Handle("/apps/{app_id}/items/{item_id}/dismiss",
		metrics.InstrumentHandler("/apps/{app_id}/items/{item_id}/dismiss", s.serveSetDismissed(true))).Methods(http.MethodPost)
	router.Handle("/apps/{app_id}/items/{item_id}/undismiss",
		metrics.InstrumentHandler("/apps/{app_id}/items/{item_id}/undismiss", s.serveSetDismissed(false))).Methods(http.MethodPost)
}

// InvalidateActiveItems drops the cached /active_items response; the
// reconciler calls this after every committed reconciliation so reads
// never observe a stale cache entry even within cacheTTL.
func (s *Server) InvalidateActiveItems() {
	s.cache.Remove("active_items")
}

func (s *Server) serveActiveItems(w http.ResponseWriter, r *http.Request) {
	if entry, ok := s.cache.Get("active_items"); ok && time.Since(entry.cachedAt) < cacheTTL {
		writeJSONBytes(w, entry.body)
		return
	}

	active, err := s.store.ReadActiveItems(r.Context(), s.store.DB())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := json.Marshal(toActiveItemsResponse(active))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cache.Add("active_items", cacheEntry{body: body, cachedAt: time.Now()})
	writeJSONBytes(w, body)
}

func (s *Server) serveListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApps(r.Context(), s.store.DB())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, toAppsResponse(apps))
}

func (s *Server) serveAppDetail(w http.ResponseWriter, r *http.Request) {
	var appID = mux.Vars(r)["app_id"]

	app, err := s.store.GetApp(r.Context(), s.store.DB(), appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.store.ReadItemsByApp(r.Context(), s.store.DB(), appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.RecentEvents(r.Context(), s.store.DB(), appID, 25)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var jobs []schedule.Job
	if s.schedules != nil {
		all, err := s.schedules.List()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, j := range all {
			if j.AppID == appID {
				jobs = append(jobs, j)
			}
		}
	}

	writeJSON(w, appDetailResponse{
		App:       toAppResponse(*app),
		Items:     toItemResponses(items),
		Events:    toEventResponses(events),
		Schedules: jobs,
	})
}

func (s *Server) serveSetDismissed(dismissed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var vars = mux.Vars(r)
		if err := s.store.SetItemDismissed(r.Context(), s.store.DB(), vars["app_id"], vars["item_id"], dismissed); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.InvalidateActiveItems()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status = http.StatusInternalServerError
	var kind = "internal"
	if ge, ok := err.(*glanceerr.Error); ok {
		status = ge.Status()
		kind = string(ge.Kind())
	}
	s.log.Log(log.WarnLevel, log.Fields{"error": err, "path": r.URL.Path}, "read API request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"kind": kind, "message": err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONBytes(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
