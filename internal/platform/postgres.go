package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool builds a connection pool bounded for a single small
// service: a handful of HTTP handlers and one ticking provisioning loop
// never need more than a few connections at once.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// WithTenantLock runs fn while holding a session-scoped Postgres advisory
// lock keyed on tenantID. Only one invocation across the whole fleet can
// hold the lock for a given tenant at a time, which is what lets the
// provisioning tick handler run as a stateless, concurrently-invoked
// endpoint without racing itself.
//
// If the lock is already held elsewhere, WithTenantLock returns
// (false, nil) without calling fn; the caller should treat that as a
// quiet no-op, not an error.
func WithTenantLock(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) (bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", tenantID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", tenantID)
	}()

	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, nil
}
