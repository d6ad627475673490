package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/geometry"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/logger"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/publish"
)

const (
	RouteQuery  = "/query_geometries"
	RouteUpload = "/upload_to_arcgis"

	maxQueryBody  = 4 << 20
	maxUploadBody = 64 << 20
)

// runs the cross-table polygon query
type Querier interface {
	Query(ctx context.Context, poly model.Polygon) model.Report
}

type Publisher interface {
	Publish(ctx context.Context, req model.UploadRequest) (model.PublishResult, error)
}

// receives finished queries, e.g. to emit events
type Recorder interface {
	Record(ctx context.Context, poly model.Polygon, rep model.Report)
}

type QueryOptions struct {
	CacheEnabled bool
	Recorder     Recorder
}

// HandleQueryGeometries validates the polygon and returns the matched rows
// grouped per table.
func HandleQueryGeometries(log *slog.Logger, q Querier, opts QueryOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, RouteQuery, sw.code, time.Since(start).Seconds())
		}()

		poly, err := ParseQueryBody(r)
		if err != nil {
			log.InfoContext(r.Context(), "rejected query", "err", err)
			writeError(sw, http.StatusBadRequest, err)
			return
		}

		rep := q.Query(r.Context(), poly)
		ctx := r.Context()
		if opts.CacheEnabled {
			status := "miss"
			if rep.Cached {
				status = "hit"
			}
			sw.Header().Set("X-Cache", status)
			ctx = logger.WithCache(ctx, status)
		}
		if opts.Recorder != nil {
			opts.Recorder.Record(ctx, poly, rep)
		}

		if rep.ConnErr != nil {
			sw.Header().Set("X-Degraded", "db-unavailable")
		}
		if failed := rep.FailedTables(); len(failed) > 0 {
			sw.Header().Set("X-Failed-Tables", strings.Join(failed, ","))
		}

		out := rep.Results
		if out == nil {
			out = []model.TableResult{}
		}
		writeJSON(sw, http.StatusOK, out)
	}
}

// HandleUpload publishes the table groups returned by the query endpoint.
func HandleUpload(log *slog.Logger, p Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, RouteUpload, sw.code, time.Since(start).Seconds())
		}()

		req, err := ParseUploadBody(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err)
			return
		}

		res, err := p.Publish(r.Context(), req)
		switch {
		case err == nil:
			writeJSON(sw, http.StatusOK, res)
		case errors.Is(err, publish.ErrInvalidInput):
			writeError(sw, http.StatusBadRequest, err)
		default:
			log.ErrorContext(r.Context(), "upload failed", "err", err)
			if !errors.Is(err, publish.ErrUpload) {
				err = fmt.Errorf("%w: %v", publish.ErrUpload, err)
			}
			body := errorBody{Status: "error", Error: err.Error()}
			var ue *publish.UploadError
			if errors.As(err, &ue) {
				body.CreatedItems = ue.Created
			}
			writeJSON(sw, http.StatusBadGateway, body)
		}
	}
}

// HandleIndex answers GET / so a browser or probe sees the server is up.
func HandleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "polygon layer publisher: server is up\n")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// ParseQueryBody reads {"polygon": <GeoJSON Polygon|MultiPolygon>}.
func ParseQueryBody(r *http.Request) (model.Polygon, error) {
	var body struct {
		Polygon json.RawMessage `json:"polygon"`
	}
	if err := decodeBody(r, maxQueryBody, &body); err != nil {
		return model.Polygon{}, err
	}
	if len(bytes.TrimSpace(body.Polygon)) == 0 {
		return model.Polygon{}, fmt.Errorf("%w: missing required field: polygon", geometry.ErrInvalidPolygon)
	}
	return geometry.ParsePolygon(body.Polygon)
}

func ParseUploadBody(r *http.Request) (model.UploadRequest, error) {
	var req model.UploadRequest
	if err := decodeBody(r, maxUploadBody, &req); err != nil {
		return model.UploadRequest{}, fmt.Errorf("%w: %v", publish.ErrInvalidInput, err)
	}
	if len(req.TableGroups()) == 0 {
		return model.UploadRequest{}, fmt.Errorf("%w: missing required field: dataframes", publish.ErrInvalidInput)
	}
	return req, nil
}

func decodeBody(r *http.Request, limit int64, v any) error {
	if r.Body == nil {
		return errors.New("empty request body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, limit))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Status       string   `json:"status"`
	Error        string   `json:"error"`
	CreatedItems []string `json:"created_items,omitempty"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Status: "error", Error: err.Error()})
}
