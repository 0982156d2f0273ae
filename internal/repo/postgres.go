// Package repo implements the booking core stores on Postgres through pgx.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPoolUnavailable indicates the store was built without a connection pool.
var ErrPoolUnavailable = errors.New("repo: pool unavailable")

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

// Postgres implements ledger.Store, booking.Store, orgbooking.Store and events.Store.
type Postgres struct {
	pool *pgxpool.Pool
	// Now stamps rows written by the store; tests may pin it.
	Now func() time.Time
}

// NewPostgres constructs a store backed by a pgx connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Postgres) ready() error {
	if p == nil || p.pool == nil {
		return ErrPoolUnavailable
	}
	return nil
}

// inTx runs fn in a transaction, committing only when fn returns nil.
func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// constraintViolation reports the constraint behind a unique violation.
func constraintViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeCheckViolation
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
