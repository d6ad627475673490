package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/cache/redisstore"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
)

type countingQuerier struct {
	calls int
	rep   model.Report
}

func (q *countingQuerier) Query(context.Context, model.Polygon) model.Report {
	q.calls++
	return q.rep
}

func newStore(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var poly = model.Polygon{GeoJSON: `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`}

func completeReport() model.Report {
	return model.Report{
		Tables: 2,
		Results: []model.TableResult{{
			Table: "parks",
			Rows:  []model.Row{{"id": float64(1), "geometry": `{"type":"Point","coordinates":[0.5,0.5]}`}},
		}},
	}
}

func TestCached_MissThenHit(t *testing.T) {
	store, _ := newStore(t)
	next := &countingQuerier{rep: completeReport()}
	c := New(next, store, "public.SHAPE", time.Minute, time.Second, quiet())

	first := c.Query(context.Background(), poly)
	if first.Cached {
		t.Fatal("first query should be a miss")
	}
	second := c.Query(context.Background(), poly)
	if !second.Cached {
		t.Fatal("second query should be a hit")
	}
	if next.calls != 1 {
		t.Fatalf("db calls=%d want 1", next.calls)
	}
	if len(second.Results) != 1 || second.Results[0].Table != "parks" || second.Tables != 2 {
		t.Fatalf("cached report=%+v", second)
	}
	if second.Results[0].Rows[0]["geometry"] != first.Results[0].Rows[0]["geometry"] {
		t.Fatal("cached geometry differs from original")
	}
}

func TestCached_PartialReportNotStored(t *testing.T) {
	store, _ := newStore(t)
	rep := completeReport()
	rep.Failures = []model.TableFailure{{Table: "broken", Error: "boom"}}
	next := &countingQuerier{rep: rep}
	c := New(next, store, "s", time.Minute, time.Second, quiet())

	c.Query(context.Background(), poly)
	c.Query(context.Background(), poly)
	if next.calls != 2 {
		t.Fatalf("db calls=%d want 2 (partial results must not be cached)", next.calls)
	}
}

func TestCached_InvalidateBumpsGeneration(t *testing.T) {
	store, _ := newStore(t)
	next := &countingQuerier{rep: completeReport()}
	c := New(next, store, "s", time.Minute, time.Second, quiet())

	c.Query(context.Background(), poly)
	gen, err := c.Invalidate(context.Background())
	if err != nil || gen != 1 {
		t.Fatalf("gen=%d err=%v want 1", gen, err)
	}
	if rep := c.Query(context.Background(), poly); rep.Cached {
		t.Fatal("query after invalidation must miss")
	}
	if next.calls != 2 {
		t.Fatalf("db calls=%d want 2", next.calls)
	}
}

func TestCached_RedisDownFallsThrough(t *testing.T) {
	store, mr := newStore(t)
	next := &countingQuerier{rep: completeReport()}
	c := New(next, store, "s", time.Minute, 200*time.Millisecond, quiet())
	mr.Close()

	rep := c.Query(context.Background(), poly)
	if rep.Cached || len(rep.Results) != 1 {
		t.Fatalf("report=%+v want live result", rep)
	}
	if next.calls != 1 {
		t.Fatalf("db calls=%d want 1", next.calls)
	}
}

func TestCached_ConnErrNotStored(t *testing.T) {
	store, _ := newStore(t)
	next := &countingQuerier{rep: model.Report{ConnErr: context.DeadlineExceeded}}
	c := New(next, store, "s", time.Minute, time.Second, quiet())

	c.Query(context.Background(), poly)
	if rep := c.Query(context.Background(), poly); rep.Cached {
		t.Fatal("degraded report must not be cached")
	}
}

func TestCached_HitKeepsLargeIntegerIDs(t *testing.T) {
	store, _ := newStore(t)
	rep := model.Report{
		Tables: 1,
		Results: []model.TableResult{{
			Table: "parks",
			Rows:  []model.Row{{"id": int64(9007199254740993), "geometry": `{"type":"Point","coordinates":[0.5,0.5]}`}},
		}},
	}
	c := New(&countingQuerier{rep: rep}, store, "s", time.Minute, time.Second, quiet())

	miss := c.Query(context.Background(), poly)
	hit := c.Query(context.Background(), poly)
	if !hit.Cached {
		t.Fatal("second query should be a hit")
	}
	a, err := json.Marshal(miss.Results)
	if err != nil {
		t.Fatalf("marshal miss: %v", err)
	}
	b, err := json.Marshal(hit.Results)
	if err != nil {
		t.Fatalf("marshal hit: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("hit=%s want %s", b, a)
	}
}
