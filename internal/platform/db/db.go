package db

import (
	"context"
	"errors"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrNoRows is returned by Row.Scan when the query selected nothing,
// regardless of the underlying driver.
var ErrNoRows = errors.New("no rows in result set")

// ErrNoTransaction is returned by helpers that must run inside InTx.
var ErrNoTransaction = errors.New("operation requires an open transaction")

// Row is a single result row.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a result cursor. Callers must Close it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Querier is the statement surface shared by pools and open transactions.
// SQL is written in Postgres dialect ($n placeholders); drivers translate.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// DB is a connection pool able to open transactions.
type DB interface {
	Querier
	// InTx runs fn inside one transaction. The transaction is carried in the
	// context passed to fn; repositories pick it up through ConnFromContext.
	// If ctx already carries a transaction, fn joins it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close()
	Driver() string
}

type contextKey string

const txKey contextKey = "db_tx"

func withTx(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, txKey, q)
}

// TxFromContext returns the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) Querier {
	q, _ := ctx.Value(txKey).(Querier)
	return q
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return TxFromContext(ctx) != nil
}

// ConnFromContext returns the transaction carried by ctx, falling back to
// the given pool for reads outside a transaction.
func ConnFromContext(ctx context.Context, fallback Querier) Querier {
	if q := TxFromContext(ctx); q != nil {
		return q
	}
	return fallback
}
