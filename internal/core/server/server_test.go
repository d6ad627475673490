package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/config"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/health"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
)

type staticQuerier struct{}

func (staticQuerier) Query(context.Context, model.Polygon) model.Report {
	return model.Report{Results: []model.TableResult{{Table: "parcels", Rows: []model.Row{{"id": 1}}}}}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.UploadRequest) (model.PublishResult, error) {
	return model.PublishResult{Status: "success"}, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{Metrics: config.MetricsCfg{Enabled: true, Path: "/metrics"}}
	h := NewHandler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Query:     staticQuerier{},
		Publisher: nopPublisher{},
		Ready:     []health.Check{{Name: "postgres", P: okPinger{}}},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "polygon_http_requests_total 1\n")
		}),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		method, path, body string
		code               int
	}{
		{http.MethodGet, "/", "", http.StatusOK},
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/query_geometries", `{"polygon":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`, http.StatusOK},
		{http.MethodGet, "/query_geometries", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/upload_to_arcgis", `{"dataframes":[{"table":"t","rows":[]}]}`, http.StatusOK},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Fatalf("%s %s status=%d want %d", tc.method, tc.path, resp.StatusCode, tc.code)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("%s %s missing X-Request-ID", tc.method, tc.path)
		}
	}
}
