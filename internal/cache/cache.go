// Package cache stores complete cross-table query results keyed by the
// canonical polygon and a generation counter that invalidation bumps.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/cache/keys"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetInt(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
}

// Querier matches the aggregator so Cached can wrap it.
type Querier interface {
	Query(ctx context.Context, poly model.Polygon) model.Report
}

type entry struct {
	Tables  int                 `json:"tables"`
	Results []model.TableResult `json:"results"`
}

type Cached struct {
	next      Querier
	store     Store
	scope     string
	ttl       time.Duration
	opTimeout time.Duration
	log       *slog.Logger
}

func New(next Querier, store Store, scope string, ttl, opTimeout time.Duration, log *slog.Logger) *Cached {
	if log == nil {
		log = slog.Default()
	}
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &Cached{next: next, store: store, scope: scope, ttl: ttl, opTimeout: opTimeout, log: log}
}

// Query serves from the cache when possible. Cache errors fall through to
// the database; only complete reports are stored.
func (c *Cached) Query(ctx context.Context, poly model.Polygon) model.Report {
	gen, key, ok := c.key(ctx, poly)
	if ok {
		if rep, hit := c.lookup(ctx, key); hit {
			observability.IncCacheHit()
			return rep
		}
		observability.IncCacheMiss()
	}

	rep := c.next.Query(ctx, poly)
	if !ok {
		return rep
	}
	if !rep.Complete() {
		observability.IncCacheSkip()
		return rep
	}
	c.save(ctx, key, gen, rep)
	return rep
}

// Invalidate bumps the generation so every existing entry becomes
// unreachable and ages out through its TTL.
func (c *Cached) Invalidate(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	gen, err := c.store.Incr(ctx, keys.Generation(c.scope))
	if err != nil {
		observability.IncCacheError("incr")
		return 0, fmt.Errorf("bump cache generation: %w", err)
	}
	return gen, nil
}

func (c *Cached) key(ctx context.Context, poly model.Polygon) (int64, string, bool) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	gen, err := c.store.GetInt(opCtx, keys.Generation(c.scope))
	if err != nil {
		observability.IncCacheError("generation")
		c.log.WarnContext(ctx, "cache generation unavailable; bypassing cache", "err", err)
		return 0, "", false
	}
	return gen, keys.Query(c.scope, gen, poly.GeoJSON), true
}

func (c *Cached) lookup(ctx context.Context, key string) (model.Report, bool) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	b, ok, err := c.store.Get(opCtx, key)
	if err != nil {
		observability.IncCacheError("get")
		c.log.WarnContext(ctx, "cache get failed", "key", key, "err", err)
		return model.Report{}, false
	}
	if !ok {
		return model.Report{}, false
	}
	// UseNumber keeps bigint ids above 2^53 intact
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var e entry
	if err := dec.Decode(&e); err != nil {
		observability.IncCacheError("decode")
		c.log.WarnContext(ctx, "cache entry corrupt", "key", key, "err", err)
		return model.Report{}, false
	}
	return model.Report{Results: e.Results, Tables: e.Tables, Cached: true}, true
}

func (c *Cached) save(ctx context.Context, key string, gen int64, rep model.Report) {
	b, err := json.Marshal(entry{Tables: rep.Tables, Results: rep.Results})
	if err != nil {
		observability.IncCacheError("encode")
		c.log.WarnContext(ctx, "cache encode failed", "err", err)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Set(opCtx, key, b, c.ttl); err != nil {
		observability.IncCacheError("set")
		c.log.WarnContext(ctx, "cache set failed", "key", key, "gen", gen, "err", err)
	}
}
