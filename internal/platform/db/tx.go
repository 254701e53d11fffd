package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executes a function within a transaction using the given isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// LockXact blocks until the transaction-scoped advisory lock for key is held.
// Shared holders run concurrently with each other and wait for an exclusive holder.
func LockXact(ctx context.Context, tx pgx.Tx, key int64, shared bool) error {
	stmt := `SELECT pg_advisory_xact_lock($1)`
	if shared {
		stmt = `SELECT pg_advisory_xact_lock_shared($1)`
	}
	if _, err := tx.Exec(ctx, stmt, key); err != nil {
		return fmt.Errorf("platform/db: advisory lock: %w", err)
	}
	return nil
}
