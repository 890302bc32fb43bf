// Package pgstore implements store.Store on PostgreSQL.
//
// Per-row atomicity comes from single-statement upserts or from
// SELECT ... FOR UPDATE inside a transaction. Transactions that fail with a
// serialization failure or deadlock are retried.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/MrEthical07/authflow/store"
)

const (
	maxTxRetries = 3
	txRetryBase  = 5 * time.Millisecond
)

// PgxPool is the subset of *pgxpool.Pool used by the store. It is also
// implemented by pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool PgxPool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing pool.
func New(pool PgxPool) *Store {
	return &Store{pool: pool}
}

// Open connects a new pool for dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// inTx runs fn in a transaction, retrying serialization failures.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	backoff := retry.WithMaxRetries(maxTxRetries, retry.NewExponential(txRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.runTx(ctx, fn)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) runTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

func isRetryable(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && (pg.Code == "40001" || pg.Code == "40P01")
}

// dbErr tags a driver failure with an error code and marks it as
// store.ErrUnavailable. Store sentinels pass through untouched.
func dbErr(code string, err error, kv ...any) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrNoPendingSecret),
		errors.Is(err, store.ErrCooldown):
		return err
	}
	return oops.Code(code).With(kv...).Wrap(fmt.Errorf("%w: %v", store.ErrUnavailable, err))
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func toDigest(b []byte) store.Digest {
	var d store.Digest
	copy(d[:], b)
	return d
}
