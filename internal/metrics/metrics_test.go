package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCycle(t *testing.T) {
	before := testutil.ToFloat64(syncCyclesTotal.WithLabelValues("manual", "ok"))
	ObserveCycle("manual", "ok", time.Second)
	if got := testutil.ToFloat64(syncCyclesTotal.WithLabelValues("manual", "ok")); got != before+1 {
		t.Errorf("cycles = %v, want %v", got, before+1)
	}
}

func TestAddReconcileChanges(t *testing.T) {
	before := testutil.ToFloat64(reconcileChangesTotal.WithLabelValues("update"))
	AddReconcileChanges(2, 3, 0)
	if got := testutil.ToFloat64(reconcileChangesTotal.WithLabelValues("update")); got != before+3 {
		t.Errorf("updates = %v, want %v", got, before+3)
	}
}

func TestObserveTokenRefresh(t *testing.T) {
	before := testutil.ToFloat64(tokenRefreshesTotal.WithLabelValues("refresh", "error"))
	ObserveTokenRefresh("refresh", errors.New("x"))
	if got := testutil.ToFloat64(tokenRefreshesTotal.WithLabelValues("refresh", "error")); got != before+1 {
		t.Errorf("refresh errors = %v, want %v", got, before+1)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/state", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Handle("/metrics", Handler())

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/state", "418"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/state", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/state", "418")); got != before+1 {
		t.Errorf("requests = %v, want %v", got, before+1)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "outcal_http_requests_total") {
		t.Error("metrics output missing outcal_http_requests_total")
	}
}
