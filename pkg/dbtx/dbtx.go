// Package dbtx carries a *sql.Tx through a context.Context so that a
// single high-level store operation composed of several repository calls
// can run inside one transaction without every repository method taking a
// tx parameter explicitly. This is the mechanism behind §4.1's "every
// high-level operation that mutates multiple tables MUST run inside a
// single transaction" invariant.
package dbtx

import (
	"context"
	"database/sql"
)

type txContextKey struct{}

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ContextWithTx attaches tx to ctx. Passing a nil tx is a no-op that
// returns ctx unchanged, which keeps call sites simple when a caller
// conditionally opens a transaction.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}

	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the *sql.Tx attached to ctx, or nil if none.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx
}

// GetExecutor returns the transaction attached to ctx if one exists,
// otherwise falls back to db. Repository methods should call this once
// and use the result for every query, so they compose transparently
// whether or not a caller wrapped them in a transaction.
//
//nolint:ireturn
func GetExecutor(ctx context.Context, db Executor) Executor {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return db
}

// WithTx runs fn inside a new transaction on db, committing on success and
// rolling back if fn returns an error or panics.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ContextWithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
