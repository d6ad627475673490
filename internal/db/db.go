// Package db owns the PostgreSQL connection pool and the narrow query
// interfaces the catalog, executor and aggregator depend on.
package db

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/config"
)

// Querier is the subset of a pgx connection used for read queries.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Conn is one acquired connection. Release must be called exactly once.
type Conn interface {
	Querier
	Release()
}

type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PgxPool adapts *pgxpool.Pool to Pool.
type PgxPool struct {
	P *pgxpool.Pool
}

func (p PgxPool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.P.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p PgxPool) Ping(ctx context.Context) error { return p.P.Ping(ctx) }

// DSN returns DATABASE_URL when set, otherwise a postgres URL built from the
// discrete DB_* settings.
func DSN(c config.DatabaseCfg) string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPool parses the DSN and opens a pool. It does not wait for a
// connection; use Ping for readiness.
func NewPool(ctx context.Context, c config.DatabaseCfg) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(DSN(c))
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = int32(c.MaxConns)
	}
	if c.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = c.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open db pool: %w", err)
	}
	return pool, nil
}
