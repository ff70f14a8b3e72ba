// Package postgres builds the instrumented pgx pool shared by the
// PostgreSQL-backed stores.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSlowQuery is the duration above which successful queries are logged.
const DefaultSlowQuery = 200 * time.Millisecond

// PoolOption customizes NewPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	maxConns  int32
	slowQuery time.Duration
}

// WithMaxConns caps the pool size. Zero keeps the pgx default.
func WithMaxConns(n int32) PoolOption {
	return func(o *poolOptions) { o.maxConns = n }
}

// WithSlowQuery sets the slow query log threshold. Zero logs every query.
func WithSlowQuery(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.slowQuery = d }
}

// NewPool parses url, attaches the otel and logging query tracers and
// verifies connectivity.
func NewPool(ctx context.Context, url string, opts ...PoolOption) (*pgxpool.Pool, error) {
	o := poolOptions{slowQuery: DefaultSlowQuery}
	for _, fn := range opts {
		fn(&o)
	}

	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.maxConns > 0 {
		pc.MaxConns = o.maxConns
	}
	pc.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), o.slowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
