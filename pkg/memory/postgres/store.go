// Package postgres is the pgvector-backed implementation of
// memory.Store: a pgxpool.Pool wrapped with compile-time interface
// assertions and pgvector type registration on every new connection.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
)

// Store is the concrete pgvector-backed memory.Store.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

var _ memory.Store = (*Store)(nil)

// NewStore opens a pool against dsn, registers pgvector's wire codec on
// every connection, and runs Migrate.
func NewStore(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	s := &Store{pool: pool, dimensions: dimensions}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Stat reports the pool's current size and idle-connection count, for the
// HTTP diagnostics surface.
func (s *Store) Stat() (total, idle int) {
	stat := s.pool.Stat()
	return int(stat.TotalConns()), int(stat.IdleConns())
}

// tx is the Conn implementation returned by Begin; its own Conn() unwraps
// back to the pgx.Tx so querier() can use it uniformly with the pool.
type tx struct {
	pgx.Tx
}

func (t *tx) Conn() memory.Conn { return t }

func (t *tx) Commit(ctx context.Context) error   { return t.Tx.Commit(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.Tx.Rollback(ctx) }

func (s *Store) Begin(ctx context.Context) (memory.Tx, error) {
	pgxTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &tx{Tx: pgxTx}, nil
}

// querier lets every operation method accept a nil Conn (use the pool) or
// a Conn from Begin (participate in that transaction) uniformly, without
// branching on which it was given.
func (s *Store) querier(conn memory.Conn) *pgxQuerier {
	if conn == nil {
		return &pgxQuerier{pool: s.pool}
	}
	if t, ok := conn.(*tx); ok {
		return &pgxQuerier{txn: t.Tx}
	}
	// Unknown Conn implementation: fail loud rather than silently using
	// the pool, since that would escape the caller's transaction.
	panic(fmt.Sprintf("postgres: unrecognized Conn type %T", conn))
}

// pgxQuerier adapts either the pool or a live transaction to one call
// shape so operation methods don't branch on which they were given.
type pgxQuerier struct {
	pool *pgxpool.Pool
	txn  pgx.Tx
}

func (q *pgxQuerier) Exec(ctx context.Context, sql string, args ...interface{}) (interface{ RowsAffected() int64 }, error) {
	if q.txn != nil {
		return q.txn.Exec(ctx, sql, args...)
	}
	return q.pool.Exec(ctx, sql, args...)
}

func (q *pgxQuerier) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if q.txn != nil {
		return q.txn.Query(ctx, sql, args...)
	}
	return q.pool.Query(ctx, sql, args...)
}

func (q *pgxQuerier) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if q.txn != nil {
		return q.txn.QueryRow(ctx, sql, args...)
	}
	return q.pool.QueryRow(ctx, sql, args...)
}
