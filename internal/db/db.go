// Package db opens and checks the PostgreSQL connection pool shared by the
// boxoffice repositories.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DriverName is the database/sql driver registered by lib/pq.
const DriverName = "postgres"

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int           // default 20
	MaxIdleConns    int           // default 5
	ConnMaxLifetime time.Duration // default 30m
	ConnMaxIdleTime time.Duration // default 5m
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	return c
}

// Open opens a pool for databaseURL and waits until it answers a ping.
func Open(ctx context.Context, databaseURL string, cfg PoolConfig, logger *slog.Logger) (*sql.DB, error) {
	conn, err := sql.Open(DriverName, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	Configure(conn, cfg)

	if err := WaitReady(ctx, conn, 5, time.Second, logger); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Configure applies cfg to an open pool.
func Configure(conn *sql.DB, cfg PoolConfig) {
	cfg = cfg.withDefaults()
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// WaitReady pings conn up to attempts times, doubling the delay between
// tries. Containers often start the API before Postgres accepts connections.
func WaitReady(ctx context.Context, conn *sql.DB, attempts int, delay time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = conn.PingContext(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		logger.WarnContext(ctx, "database not ready, retrying",
			"attempt", i, "max_attempts", attempts, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("database not ready: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("database not ready after %d attempts: %w", attempts, err)
}
