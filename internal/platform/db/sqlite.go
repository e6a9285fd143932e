package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var (
	placeholderPattern = regexp.MustCompile(`\$(\d+)`)
	rowLockPattern     = regexp.MustCompile(`(?i)\s+FOR\s+(UPDATE|SHARE)(\s+NOWAIT)?`)
)

// rebind rewrites Postgres-dialect SQL for SQLite: $n becomes ?n and row
// lock clauses are dropped, since SQLite write transactions begin IMMEDIATE
// and already hold the database write lock.
func rebind(query string) string {
	query = placeholderPattern.ReplaceAllString(query, "?$1")
	return rowLockPattern.ReplaceAllString(query, "")
}

// SQLiteDSN builds the modernc DSN used for file databases.
func SQLiteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_txlock", "immediate")
	params.Set("_time_format", "sqlite")
	return "file:" + filepath.ToSlash(filepath.Clean(path)) + "?" + params.Encode()
}

// SQLiteDB implements DB on an embedded SQLite file.
type SQLiteDB struct {
	sqlDB *sql.DB
	path  string
}

// OpenSQLite opens (and creates if needed) a SQLite database file.
func OpenSQLite(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &SQLiteDB{sqlDB: sqlDB, path: path}, nil
}

// SQL exposes the underlying handle for tests and migrations.
func (d *SQLiteDB) SQL() *sql.DB { return d.sqlDB }

// Path returns the database file path.
func (d *SQLiteDB) Path() string { return d.path }

func (d *SQLiteDB) Driver() string { return DriverSQLite }

func (d *SQLiteDB) Ping(ctx context.Context) error { return d.sqlDB.PingContext(ctx) }

func (d *SQLiteDB) Close() { _ = d.sqlDB.Close() }

func (d *SQLiteDB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqlQuerier{q: d.sqlDB}.Exec(ctx, query, args...)
}

func (d *SQLiteDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return sqlQuerier{q: d.sqlDB}.Query(ctx, query, args...)
}

func (d *SQLiteDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlQuerier{q: d.sqlDB}.QueryRow(ctx, query, args...)
}

// InTx runs fn in an IMMEDIATE transaction (see SQLiteDSN).
// A panic in fn rolls the transaction back before propagating.
func (d *SQLiteDB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(withTx(ctx, sqlQuerier{q: tx})); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// sqlQueryable abstracts *sql.DB and *sql.Tx.
type sqlQueryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQuerier struct{ q sqlQueryable }

func (s sqlQuerier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s sqlQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := s.q.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows: rows}, nil
}

func (s sqlQuerier) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{row: s.q.QueryRowContext(ctx, rebind(query), args...)}
}

type sqlRow struct{ row *sql.Row }

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

type sqlRows struct{ rows *sql.Rows }

func (r sqlRows) Next() bool             { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqlRows) Close()                 { _ = r.rows.Close() }
func (r sqlRows) Err() error             { return r.rows.Err() }
