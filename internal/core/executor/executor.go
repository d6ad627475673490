// Package executor runs the spatial intersection query against one table.
package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/catalog"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/db"
)

var ErrTableNotAllowed = errors.New("table not in discovered allow-list")

type Executor struct {
	logger     *slog.Logger
	schema   string
	startNow func() time.Time // for tests
}

func New(logger *slog.Logger, schema string) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if schema == "" {
		schema = "public"
	}
	return &Executor{logger: logger, schema: schema, startNow: time.Now}
}

// BuildIntersectSQL returns the per-table query. The polygon is bound as $1;
// the table identifier is quoted and must already be allow-listed. Output
// geometries are reprojected to model.TargetSRID.
func BuildIntersectSQL(schema, table string) string {
	srid := model.TargetSRID
	ident := pgx.Identifier{schema, table}.Sanitize()
	reproj := fmt.Sprintf("ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(t.geom::text), t.srid), %d)", srid)
	return fmt.Sprintf(`WITH q AS (SELECT ST_SetSRID(ST_GeomFromGeoJSON($1), %[1]d) AS poly)
SELECT t.*, ST_AsGeoJSON(%[2]s) AS %[3]s
FROM %[4]s AS t, q
WHERE ST_Intersects(%[2]s, q.poly)`, srid, reproj, model.GeometryField, ident)
}

// QueryTable returns every row of table whose geometry intersects poly. A
// table that matches nothing yields a nil slice and no error.
func (e *Executor) QueryTable(ctx context.Context, q db.Querier, allow catalog.Tables, table string, poly model.Polygon) ([]model.Row, error) {
	if !allow.Contains(table) {
		observability.IncTableQuery("rejected")
		return nil, fmt.Errorf("%w: %q", ErrTableNotAllowed, table)
	}

	start := e.startNow()
	rows, err := q.Query(ctx, BuildIntersectSQL(e.schema, table), poly.GeoJSON)
	if err != nil {
		observability.IncTableQuery("error")
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	out, err := collect(rows)
	dur := time.Since(start)
	observability.ObserveUpstreamLatency("postgres", "intersect", dur.Seconds())
	if err != nil {
		observability.IncTableQuery("error")
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	if len(out) == 0 {
		observability.IncTableQuery("empty")
	} else {
		observability.IncTableQuery("matched")
		observability.AddMatchedRows(len(out))
	}
	e.logger.DebugContext(ctx, "table queried", "table", table, "rows", len(out), "duration", dur)
	return out, nil
}

func collect(rows pgx.Rows) ([]model.Row, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []model.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r := make(model.Row, len(fields))
		for i, fd := range fields {
			if i < len(vals) {
				r[fd.Name] = normalize(vals[i])
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize maps driver values onto JSON-friendly ones.
func normalize(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case []byte:
		return hex.EncodeToString(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return normalize(f.Float64)
	case time.Time:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}
