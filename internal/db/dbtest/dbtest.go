// Package dbtest provides in-memory fakes for the db interfaces.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/db"
)

// Rows is a fake pgx.Rows over a fixed column list.
type Rows struct {
	Cols    []string
	Data    [][]any
	IterErr error

	i      int
	closed bool
}

var _ pgx.Rows = (*Rows)(nil)

func (r *Rows) Close()                        { r.closed = true }
func (r *Rows) Err() error                    { return r.IterErr }
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *Rows) RawValues() [][]byte           { return nil }
func (r *Rows) Conn() *pgx.Conn               { return nil }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.Cols))
	for i, c := range r.Cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *Rows) Next() bool {
	if r.closed || r.i >= len(r.Data) {
		r.closed = true
		return false
	}
	r.i++
	return true
}

func (r *Rows) Values() ([]any, error) {
	if r.i == 0 || r.i > len(r.Data) {
		return nil, errors.New("no current row")
	}
	return r.Data[r.i-1], nil
}

func (r *Rows) Scan(dest ...any) error {
	vals, err := r.Values()
	if err != nil {
		return err
	}
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			s, ok := vals[i].(string)
			if !ok {
				return fmt.Errorf("scan col %d: %T is not string", i, vals[i])
			}
			*p = s
		case *any:
			*p = vals[i]
		default:
			return fmt.Errorf("scan col %d: unsupported dest %T", i, d)
		}
	}
	return nil
}

// Result is what a Conn returns for a query whose SQL contains Match.
type Result struct {
	Match string
	Rows  *Rows
	Err   error
}

// Call records one Query invocation.
type Call struct {
	SQL  string
	Args []any
}

// Conn is a fake db.Conn that answers queries from a script of Results,
// matched by substring in order.
type Conn struct {
	mu       sync.Mutex
	Results  []Result
	Calls    []Call
	Released int
}

var _ db.Conn = (*Conn)(nil)

func (c *Conn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, Call{SQL: sql, Args: args})
	for _, r := range c.Results {
		if strings.Contains(sql, r.Match) {
			if r.Err != nil {
				return nil, r.Err
			}
			// fresh copy so the same script can serve repeated queries
			cp := &Rows{Cols: r.Rows.Cols, Data: r.Rows.Data, IterErr: r.Rows.IterErr}
			return cp, nil
		}
	}
	return nil, fmt.Errorf("dbtest: no scripted result for %q", sql)
}

func (c *Conn) Release() {
	c.mu.Lock()
	c.Released++
	c.mu.Unlock()
}

// Pool hands out the same Conn, or fails with Err.
type Pool struct {
	Conn     *Conn
	Err      error
	Acquired int
}

var _ db.Pool = (*Pool)(nil)

func (p *Pool) Acquire(context.Context) (db.Conn, error) {
	p.Acquired++
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Conn, nil
}
