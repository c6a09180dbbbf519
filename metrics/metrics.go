// Package metrics declares the process's Prometheus instrumentation,
// following the promauto package-level var pattern of
// go/network/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ItemsReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "glance_items_reconciled_total",
	Help: "counter of items upserted by the reconciler, by whether they resurfaced",
}, []string{"app_id", "resurfaced"})

var AppsRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "glance_apps_removed_total",
	Help: "counter of apps removed from the store",
}, []string{})

var ReconciliationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "glance_reconciliation_failures_total",
	Help: "counter of ingest events that failed to reconcile",
}, []string{"app_id"})

var ScheduledRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "glance_scheduled_runs_total",
	Help: "counter of scheduled job executions, by outcome",
}, []string{"app_id", "outcome"})

var ScheduledRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "glance_scheduled_run_duration_seconds",
	Help: "histogram of scheduled job wall-clock duration",
}, []string{"app_id"})

var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "glance_http_requests_total",
	Help: "counter of HTTP requests served by the read and ingest APIs",
}, []string{"route", "method", "status"})

var IngestChannelDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "glance_ingest_channel_depth",
	Help: "gauge of pending events in the ingest change channel",
})

// InstrumentHandler wraps |next| to record HTTPRequestsTotal under
// |route|, the route template rather than the resolved URL so the
// label cardinality stays bounded.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		HTTPRequestsTotal.WithLabelValues(route, r.Method, httpStatusLabel(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
