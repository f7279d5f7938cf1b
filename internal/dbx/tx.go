package dbx

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// codeSerializationFailure and codeDeadlockDetected are the Postgres error
// codes that are safe to retry a transaction on.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// WithTx runs fn inside a transaction at the given isolation level,
// committing on success and rolling back on any error. Serialization
// and deadlock failures are retried with bounded exponential backoff;
// every other error is returned immediately.
func WithTx(ctx context.Context, pool *pgxpool.Pool, isoLevel pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)

	return backoff.Retry(func() error {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("dbx: begin tx: %w", err))
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("dbx: commit tx: %w", err))
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}
