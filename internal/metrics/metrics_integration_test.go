package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}}, observability.Collectors()...)

	observability.ObserveHTTP("POST", "/query_geometries", 200, 0.01)
	observability.IncTableQuery("matched")
	observability.IncPublish("success")
	observability.ObserveUpstreamLatency("arcgis", "generateToken", 0.2)

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	assertHasMetricLine(t, body, "polygon_http_requests_total", `route="/query_geometries"`, `status="200"`)
	assertHasMetricLine(t, body, "polygon_table_queries_total", `outcome="matched"`)
	assertHasMetricLine(t, body, "polygon_publish_total", `outcome="success"`)
	assertHasMetricLine(t, body, "polygon_upstream_latency_seconds_count", `upstream="arcgis"`)
}
