// Package postgres builds the shared pgx pool: otelpgx spans, a structured
// query log and a per-query duration observer for metrics.
package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds pool settings.
type Config struct {
	URL       string
	MaxConns  int
	MinConns  int
	SlowQuery time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.URL, "database-url", "", "PostgreSQL connection URL (empty = in-memory backends)")
	fs.IntVar(&c.MaxConns, "database-max-conns", 20, "maximum pool connections (2..500)")
	fs.IntVar(&c.MinConns, "database-min-conns", 2, "connections kept open while idle")
	fs.DurationVar(&c.SlowQuery, "database-slow-query", 100*time.Millisecond, "log queries slower than this; 0 logs every query")
}

// Validate checks pool settings. An empty URL is valid and selects the
// in-memory backends.
func (c *Config) Validate() error {
	if c.URL == "" {
		return nil
	}
	var errs []error
	if c.MaxConns < 2 || c.MaxConns > 500 {
		errs = append(errs, fmt.Errorf("invalid DATABASE_MAX_CONNS %d (must be 2..500)", c.MaxConns))
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		errs = append(errs, fmt.Errorf("invalid DATABASE_MIN_CONNS %d (must be 0..DATABASE_MAX_CONNS)", c.MinConns))
	}
	if c.SlowQuery < 0 {
		errs = append(errs, errors.New("DATABASE_SLOW_QUERY must not be negative"))
	}
	return errors.Join(errs...)
}

// NewPool opens a pool, wires the tracers and checks connectivity.
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = int32(c.MaxConns) //nolint:gosec // bounded by Validate
	}
	if c.MinConns > 0 {
		pc.MinConns = int32(c.MinConns) //nolint:gosec // bounded by Validate
	}
	pc.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName()), c.SlowQuery)

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
