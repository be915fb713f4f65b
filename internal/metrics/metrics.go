// Package metrics holds the Prometheus collectors for the sync engine and the
// status server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcal_sync_cycles_total",
		Help: "Sync cycles by trigger and result.",
	}, []string{"trigger", "result"})

	syncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outcal_sync_cycle_duration_seconds",
		Help:    "Wall time of completed sync cycles.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	lastSuccessfulSync = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outcal_last_successful_sync_timestamp_seconds",
		Help: "Unix time of the last sync cycle without calendar failures.",
	})

	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcal_fetch_requests_total",
		Help: "Remote API page requests by operation and outcome.",
	}, []string{"op", "outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outcal_fetch_request_duration_seconds",
		Help:    "Latency of remote API page requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	reconcileChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcal_reconcile_changes_total",
		Help: "Replica rows changed by reconciliation.",
	}, []string{"change"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcal_token_refreshes_total",
		Help: "Access token acquisitions by method and result.",
	}, []string{"method", "result"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcal_http_requests_total",
		Help: "Status server requests.",
	}, []string{"method", "route", "status"})
)

// ObserveCycle records a finished sync cycle.
func ObserveCycle(trigger, result string, d time.Duration) {
	syncCyclesTotal.WithLabelValues(trigger, result).Inc()
	if result != "coalesced" {
		syncCycleDuration.Observe(d.Seconds())
	}
}

// SetLastSuccessfulSync records the time of the last clean cycle.
func SetLastSuccessfulSync(t time.Time) {
	lastSuccessfulSync.Set(float64(t.Unix()))
}

// ObserveFetch records one page request. outcome is "ok" or an error kind.
func ObserveFetch(op, outcome string, start time.Time) {
	fetchRequestsTotal.WithLabelValues(op, outcome).Inc()
	fetchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// AddReconcileChanges records applied inserts, updates and deletes.
func AddReconcileChanges(inserts, updates, deletes int) {
	reconcileChangesTotal.WithLabelValues("insert").Add(float64(inserts))
	reconcileChangesTotal.WithLabelValues("update").Add(float64(updates))
	reconcileChangesTotal.WithLabelValues("delete").Add(float64(deletes))
}

// ObserveTokenRefresh records a credential acquisition. method is "refresh"
// or "interactive".
func ObserveTokenRefresh(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	tokenRefreshesTotal.WithLabelValues(method, result).Inc()
}

// Middleware counts status server requests by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		httpRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(ww.Status())).Inc()
	})
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
