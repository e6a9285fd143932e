package db

import (
	"context"
	"fmt"
)

// Options selects and sizes the storage backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	MaxConns    int32
	MinConns    int32
}

// Open connects to the configured backend.
func Open(ctx context.Context, opts Options) (DB, error) {
	switch opts.Driver {
	case DriverPostgres, "":
		pool, err := NewPool(ctx, opts.DatabaseURL, opts.MaxConns, opts.MinConns)
		if err != nil {
			return nil, err
		}
		return NewPostgres(pool), nil
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
