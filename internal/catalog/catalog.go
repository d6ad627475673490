// Package catalog discovers which tables carry the geometry-presence column.
package catalog

import (
	"context"
	"log/slog"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/db"
)

const discoverSQL = `SELECT table_name
FROM information_schema.columns
WHERE column_name = $1 AND table_schema = $2
ORDER BY table_name`

// Tables is the per-request allow-list of discovered table names, in
// catalog order.
type Tables struct {
	names []string
	set   map[string]struct{}
}

func NewTables(names ...string) Tables {
	t := Tables{set: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if _, dup := t.set[n]; dup {
			continue
		}
		t.set[n] = struct{}{}
		t.names = append(t.names, n)
	}
	return t
}

func (t Tables) Contains(name string) bool {
	_, ok := t.set[name]
	return ok
}

func (t Tables) Names() []string { return append([]string(nil), t.names...) }

func (t Tables) Len() int { return len(t.names) }

type Discoverer struct {
	Column string
	Schema string
	Log    *slog.Logger
}

func New(column, schema string, log *slog.Logger) *Discoverer {
	if log == nil {
		log = slog.Default()
	}
	return &Discoverer{Column: column, Schema: schema, Log: log}
}

// Discover lists tables in Schema exposing Column. Any database error is
// logged and yields an empty allow-list.
func (d *Discoverer) Discover(ctx context.Context, q db.Querier) Tables {
	rows, err := q.Query(ctx, discoverSQL, d.Column, d.Schema)
	if err != nil {
		d.fail(ctx, err)
		return NewTables()
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			d.fail(ctx, err)
			return NewTables()
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		d.fail(ctx, err)
		return NewTables()
	}

	observability.IncDiscovery("ok")
	d.Log.DebugContext(ctx, "tables discovered", "count", len(names), "column", d.Column)
	return NewTables(names...)
}

func (d *Discoverer) fail(ctx context.Context, err error) {
	observability.IncDiscovery("error")
	d.Log.ErrorContext(ctx, "table discovery failed", "err", err, "column", d.Column, "schema", d.Schema)
}
