// Package db opens the Postgres pool behind the shared ledger backend and
// applies its schema migrations.
package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chittyos/evidence-ledger/common/config"
	"github.com/chittyos/evidence-ledger/common/logger"
)

const (
	connectTimeout    = 5 * time.Second
	healthTimeout     = 3 * time.Second
	healthCheckPeriod = 30 * time.Second
)

// DB is the ledger's connection pool. Each ledger mutation holds one
// connection for a short transaction around a record row lock, so the
// pool is sized by ingest workers rather than by API traffic.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New opens the pool and checks that the database answers
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	dc := cfg.Database
	if dc.MaxConns < cfg.Ingest.Workers {
		log.Warn("database pool is smaller than the ingest worker count; workers will queue for connections",
			"max_conns", dc.MaxConns,
			"workers", cfg.Ingest.Workers,
		)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("ledger database connected",
		"host", dc.Host,
		"db", dc.Database,
		"max_conns", dc.MaxConns,
		"lock_timeout", dc.LockTimeout,
	)
	return &DB{Pool: pool, log: log}, nil
}

// PoolConfig builds the pool settings for the ledger. Every session runs
// in UTC and carries the lock and statement bounds as server parameters.
func PoolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	dc := cfg.Database
	poolConfig.MaxConns = int32(dc.MaxConns)
	poolConfig.MinConns = int32(dc.MinConns)
	poolConfig.MaxConnLifetime = dc.MaxLifetime
	poolConfig.MaxConnIdleTime = dc.MaxIdleTime
	poolConfig.HealthCheckPeriod = healthCheckPeriod

	params := poolConfig.ConnConfig.RuntimeParams
	params["application_name"] = cfg.Service.Name
	params["timezone"] = "UTC"
	// A writer waiting longer than this on a record lock is stuck, not busy
	if dc.LockTimeout > 0 {
		params["lock_timeout"] = millis(dc.LockTimeout)
	}
	if dc.StatementTimeout > 0 {
		params["statement_timeout"] = millis(dc.StatementTimeout)
		params["idle_in_transaction_session_timeout"] = millis(dc.StatementTimeout)
	}
	return poolConfig, nil
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// Close logs pool pressure for the session and closes every connection
func (db *DB) Close() {
	st := db.Pool.Stat()
	db.log.Info("closing ledger database pool",
		"acquires", st.AcquireCount(),
		"waited_acquires", st.EmptyAcquireCount(),
		"wait_time", st.AcquireDuration(),
	)
	db.Pool.Close()
}

// Health pings the database and fails while every connection is taken,
// since ledger writes are queueing then
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return err
	}
	st := db.Pool.Stat()
	if st.MaxConns() > 0 && st.AcquiredConns() >= st.MaxConns() {
		return fmt.Errorf("database pool exhausted: %d of %d connections in use", st.AcquiredConns(), st.MaxConns())
	}
	return nil
}
