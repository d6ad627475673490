package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ObserveHTTP("POST", "/query_geometries", 200, 0.001)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "polygon_http_requests_total") {
		t.Fatalf("payload missing polygon_http_requests_total:\n%s", rr.Body.String())
	}
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(tableQueriesTotal.WithLabelValues("error"))
	IncTableQuery("error")
	if got := testutil.ToFloat64(tableQueriesTotal.WithLabelValues("error")); got != before+1 {
		t.Fatalf("table_queries_total{error}=%v want %v", got, before+1)
	}

	rows := testutil.ToFloat64(matchedRowsTotal)
	AddMatchedRows(3)
	AddMatchedRows(0)
	AddMatchedRows(-1)
	if got := testutil.ToFloat64(matchedRowsTotal); got != rows+3 {
		t.Fatalf("matched_rows_total=%v want %v", got, rows+3)
	}
}

func TestCollectors_RegisterOnDedicatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	IncDBAcquireFailure()
	n, err := testutil.GatherAndCount(reg, "polygon_db_acquire_failures_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("series=%d want 1", n)
	}
}
