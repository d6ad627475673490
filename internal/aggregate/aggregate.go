// Package aggregate runs the intersection query across every discovered
// table on a single pooled connection and merges the outcomes.
package aggregate

import (
	"context"
	"log/slog"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/catalog"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/db"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/logger"
)

// Interface is what the HTTP layer depends on.
type Interface interface {
	Query(ctx context.Context, poly model.Polygon) model.Report
}

type Discoverer interface {
	Discover(ctx context.Context, q db.Querier) catalog.Tables
}

type TableQuerier interface {
	QueryTable(ctx context.Context, q db.Querier, allow catalog.Tables, table string, poly model.Polygon) ([]model.Row, error)
}

type Aggregator struct {
	pool     db.Pool
	discover Discoverer
	exec     TableQuerier
	log      *slog.Logger
}

func New(pool db.Pool, d Discoverer, e TableQuerier, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{pool: pool, discover: d, exec: e, log: log}
}

// Query acquires one connection, discovers tables and queries each in
// catalog order. A failed acquisition yields an empty report with ConnErr
// set; a failing table is recorded and skipped.
func (a *Aggregator) Query(ctx context.Context, poly model.Polygon) model.Report {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		observability.IncDBAcquireFailure()
		a.log.ErrorContext(ctx, "database connection failed", "err", err)
		return model.Report{ConnErr: err}
	}
	defer conn.Release()

	tables := a.discover.Discover(ctx, conn)
	rep := model.Report{Tables: tables.Len()}

	for _, t := range tables.Names() {
		if err := ctx.Err(); err != nil {
			rep.Failures = append(rep.Failures, model.TableFailure{Table: t, Error: err.Error()})
			continue
		}
		rows, err := a.exec.QueryTable(ctx, conn, tables, t, poly)
		if err != nil {
			a.log.WarnContext(logger.WithTable(ctx, t), "table query failed", "err", err)
			rep.Failures = append(rep.Failures, model.TableFailure{Table: t, Error: err.Error()})
			continue
		}
		if len(rows) == 0 {
			continue
		}
		rep.Results = append(rep.Results, model.TableResult{Table: t, Rows: rows})
	}

	a.log.InfoContext(ctx, "polygon query done",
		"tables", rep.Tables,
		"matched_tables", len(rep.Results),
		"rows", rep.Matched(),
		"failed", len(rep.Failures))
	return rep
}
