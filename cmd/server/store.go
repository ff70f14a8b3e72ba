package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/carewatch/internal/cfg"
	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/monitor/memstore"
	"github.com/linnemanlabs/carewatch/internal/monitor/pgstore"
	"github.com/linnemanlabs/carewatch/internal/monitor/sqlitestore"
	"github.com/linnemanlabs/carewatch/internal/postgres"
	"github.com/linnemanlabs/carewatch/internal/registry"
)

// store is everything a persistence backend provides.
type store interface {
	monitor.EventStore
	monitor.AlertStore
	registry.Store
}

// openStore picks the backend: postgres when a database url is set, then
// sqlite when a path is set, otherwise memory. The returned close func is
// never nil.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (store, func(), error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, c.DatabaseURL,
			postgres.WithMaxConns(int32(c.DBMaxConns)), //nolint:gosec // bounded by Validate
			postgres.WithSlowQuery(time.Duration(c.SlowQueryMillis)*time.Millisecond),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns)
		return s, pool.Close, nil

	case c.SQLitePath != "":
		s, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				L.Error(context.Background(), err, "sqlite close")
			}
		}, nil

	default:
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
		return memstore.New(), func() {}, nil
	}
}
