// Package postgres implements the checkout repositories on PostgreSQL.
//
// Every statement runs through DB.run, which retries transient failures and
// reports the ones that survive as apperr.KindTransient.
package postgres

import (
	"context"

	"github.com/go-faster/errors"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/db"
	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/pkg/retry"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	return pool, nil
}

// RunMigrations executes the embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, db.Schema); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

// DB is the shared handle of all repositories.
type DB struct {
	pool  *pgxpool.Pool
	retry retry.Config
}

// New wraps pool. A zero retry config uses retry.DefaultConfig.
func New(pool *pgxpool.Pool, cfg retry.Config) *DB {
	return &DB{pool: pool, retry: cfg}
}

// Pool returns the underlying pool.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Ping checks connectivity; DB satisfies health.Pinger.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, db.retry, fn)
	if retry.IsTransient(err) {
		return apperr.Transient(err)
	}
	return err
}

// inTx runs fn in a transaction, retrying the whole transaction on
// transient failures.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.run(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, db.pool, fn)
	})
}
