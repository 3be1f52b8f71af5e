// Package store owns the PostgreSQL schema and the small set of rows that
// are not event projections: the indexer cursor, the dead-letter table and
// the event log.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Row status lattice. PENDING rows are optimistic writes; the verifier moves
// them to exactly one of the terminal states.
const (
	StatusPending   = "PENDING"
	StatusFinalized = "FINALIZED"
	StatusOrphaned  = "ORPHANED"
)

// TxIndexNull is the SQL sentinel that makes NULL tx_index sort after any
// real index.
const TxIndexNull = int32(1<<31 - 1)

// DBTX is the querying capability shared by the pool and a transaction, so
// projections run identically inside and outside an explicit transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps the shared connection pool.
type Store struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{Pool: pool, logger: logger.Named("store")}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// WithTx runs fn inside one transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
