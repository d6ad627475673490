package aggregate

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/catalog"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/config"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/executor"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/db"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/geometry"
)

// Runs the real discovery and intersection SQL against PostGIS.
func TestQuery_PostGIS(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping PostGIS test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, config.DatabaseCfg{URL: dsn, MaxConns: 2})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		t.Skipf("postgis unavailable: %v", err)
	}

	schema := "plp_it_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	qs := pgx.Identifier{schema}.Sanitize()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+qs+" CASCADE")
	})

	for _, stmt := range []string{
		"CREATE SCHEMA " + qs,
		// one point inside the polygon and one far away
		`CREATE TABLE ` + qs + `.parks (id bigint, name text, "SHAPE" text, geom text, srid int)`,
		`INSERT INTO ` + qs + `.parks VALUES
			(1, 'Central', 's', '{"type":"Point","coordinates":[0.5,0.5]}', 4326),
			(2, 'Far', 's', '{"type":"Point","coordinates":[5,5]}', 4326)`,
		// only touches the polygon corner
		`CREATE TABLE ` + qs + `.fences (id bigint, "SHAPE" text, geom text, srid int)`,
		`INSERT INTO ` + qs + `.fences VALUES
			(10, 's', '{"type":"LineString","coordinates":[[1,1],[2,2]]}', 4326)`,
		// no presence column: never discovered
		`CREATE TABLE ` + qs + `.roads (id bigint, geom text, srid int)`,
		`INSERT INTO ` + qs + `.roads VALUES (20, '{"type":"Point","coordinates":[0.5,0.5]}', 4326)`,
		// srid is not an integer, so ST_SetSRID cannot resolve
		`CREATE TABLE ` + qs + `.broken (id bigint, "SHAPE" text, geom text, srid text)`,
		`INSERT INTO ` + qs + `.broken VALUES (30, 's', '{"type":"Point","coordinates":[0.5,0.5]}', 'EPSG:4326')`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("setup %q: %v", stmt, err)
		}
	}

	poly, err := geometry.ParsePolygon([]byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`))
	if err != nil {
		t.Fatalf("polygon: %v", err)
	}
	agg := New(db.PgxPool{P: pool},
		catalog.New("SHAPE", schema, quiet()),
		executor.New(quiet(), schema),
		quiet())

	rep := agg.Query(ctx, poly)
	if rep.ConnErr != nil {
		t.Fatalf("conn err: %v", rep.ConnErr)
	}
	if rep.Tables != 3 {
		t.Fatalf("tables=%d want 3 (broken, fences, parks)", rep.Tables)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Table != "broken" {
		t.Fatalf("failures=%+v want [broken]", rep.Failures)
	}

	got := map[string]int{}
	for _, r := range rep.Results {
		got[r.Table] = len(r.Rows)
	}
	if len(got) != 2 || got["parks"] != 1 || got["fences"] != 1 {
		t.Fatalf("results per table=%v want parks:1 fences:1", got)
	}
	if _, ok := got["roads"]; ok {
		t.Fatal("table without presence column was queried")
	}

	for _, r := range rep.Results {
		if r.Table != "parks" {
			continue
		}
		row := r.Rows[0]
		if row["name"] != "Central" {
			t.Fatalf("parks row=%v want Central", row)
		}
		gs, ok := row["geometry"].(string)
		if !ok {
			t.Fatalf("geometry=%T want GeoJSON string", row["geometry"])
		}
		g, err := geometry.ParseGeometry(gs)
		if err != nil {
			t.Fatalf("geometry not GeoJSON: %v", err)
		}
		if p, ok := g.(orb.Point); !ok || p != (orb.Point{0.5, 0.5}) {
			t.Fatalf("geometry=%v want POINT(0.5 0.5)", g)
		}
	}

	again := agg.Query(ctx, poly)
	if len(again.Results) != len(rep.Results) || len(again.Failures) != len(rep.Failures) {
		t.Fatalf("repeat query differs: %+v vs %+v", again, rep)
	}
}
