package db

import (
	"context"
	"errors"
	"testing"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT id FROM sample WHERE id = $1", "SELECT id FROM sample WHERE id = ?1"},
		{"UPDATE t SET a = $2 WHERE id = $1", "UPDATE t SET a = ?2 WHERE id = ?1"},
		{"SELECT id FROM sample WHERE id = $1 FOR UPDATE", "SELECT id FROM sample WHERE id = ?1"},
		{"SELECT id FROM treatment WHERE id = $10\n\t\tFOR UPDATE NOWAIT", "SELECT id FROM treatment WHERE id = ?10"},
		{"SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		if got := rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnFromContext(t *testing.T) {
	pool := sqlQuerier{}
	ctx := context.Background()

	if InTransaction(ctx) {
		t.Fatal("expected no transaction in empty context")
	}
	if got := ConnFromContext(ctx, pool); got != Querier(pool) {
		t.Error("expected fallback querier outside a transaction")
	}

	tx := pgQuerier{}
	txCtx := withTx(ctx, tx)
	if !InTransaction(txCtx) {
		t.Fatal("expected transaction in context")
	}
	if got := ConnFromContext(txCtx, pool); got != Querier(tx) {
		t.Error("expected transaction querier inside a transaction")
	}
}

// --- SQLite transactions ---

func createCounter(t *testing.T, database *SQLiteDB) {
	t.Helper()
	ctx := context.Background()
	if _, err := database.Exec(ctx, `CREATE TABLE counter (id INTEGER PRIMARY KEY, n INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := database.Exec(ctx, `INSERT INTO counter (id, n) VALUES ($1, $2)`, 1, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func counterValue(t *testing.T, database *SQLiteDB) int {
	t.Helper()
	var n int
	if err := database.QueryRow(context.Background(), `SELECT n FROM counter WHERE id = $1`, 1).Scan(&n); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return n
}

func TestSQLiteInTx_Commit(t *testing.T) {
	database := openTestSQLite(t)
	createCounter(t, database)

	err := database.InTx(context.Background(), func(ctx context.Context) error {
		if !InTransaction(ctx) {
			t.Error("expected transaction in context")
		}
		_, err := TxFromContext(ctx).Exec(ctx, `UPDATE counter SET n = n + 1 WHERE id = $1 FOR UPDATE`, 1)
		return err
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}
	if got := counterValue(t, database); got != 1 {
		t.Errorf("expected counter 1, got %d", got)
	}
}

func TestSQLiteInTx_RollbackOnError(t *testing.T) {
	database := openTestSQLite(t)
	createCounter(t, database)
	boom := errors.New("boom")

	err := database.InTx(context.Background(), func(ctx context.Context) error {
		if _, err := TxFromContext(ctx).Exec(ctx, `UPDATE counter SET n = 42 WHERE id = $1`, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := counterValue(t, database); got != 0 {
		t.Errorf("expected rolled back counter 0, got %d", got)
	}
}

func TestSQLiteInTx_RollbackOnPanic(t *testing.T) {
	database := openTestSQLite(t)
	createCounter(t, database)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = database.InTx(context.Background(), func(ctx context.Context) error {
			if _, err := TxFromContext(ctx).Exec(ctx, `UPDATE counter SET n = 9 WHERE id = $1`, 1); err != nil {
				return err
			}
			panic("handler bug")
		})
	}()

	if got := counterValue(t, database); got != 0 {
		t.Errorf("expected rolled back counter 0, got %d", got)
	}
}

func TestSQLiteInTx_NestedJoinsOuter(t *testing.T) {
	database := openTestSQLite(t)
	createCounter(t, database)
	boom := errors.New("outer failure")

	err := database.InTx(context.Background(), func(ctx context.Context) error {
		outer := TxFromContext(ctx)
		err := database.InTx(ctx, func(inner context.Context) error {
			if TxFromContext(inner) != outer {
				t.Error("expected nested InTx to reuse the outer transaction")
			}
			_, err := TxFromContext(inner).Exec(inner, `UPDATE counter SET n = 7 WHERE id = $1`, 1)
			return err
		})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected outer failure, got %v", err)
	}
	if got := counterValue(t, database); got != 0 {
		t.Errorf("expected nested write to roll back with the outer transaction, got %d", got)
	}
}

func TestSQLiteQueryRow_NoRows(t *testing.T) {
	database := openTestSQLite(t)
	createCounter(t, database)

	var n int
	err := database.QueryRow(context.Background(), `SELECT n FROM counter WHERE id = $1`, 99).Scan(&n)
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

func TestIsUniqueViolation_SQLite(t *testing.T) {
	database := openTestSQLite(t)
	createCounter(t, database)

	_, err := database.Exec(context.Background(), `INSERT INTO counter (id, n) VALUES ($1, $2)`, 1, 5)
	if err == nil {
		t.Fatal("expected primary key violation")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("expected IsUniqueViolation to be true for %v", err)
	}
	if IsTransient(err) {
		t.Error("constraint violation must not be transient")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain error must not be a unique violation")
	}
}

// --- RetryOnce ---

type scriptedDB struct {
	SQLiteDB
	results []error
	calls   int
}

func (s *scriptedDB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.calls++
	if len(s.results) == 0 {
		return fn(ctx)
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func TestRetryOnce(t *testing.T) {
	database := openTestSQLite(t)
	createCounter(t, database)
	dup := func() error {
		_, err := database.Exec(context.Background(), `INSERT INTO counter (id, n) VALUES ($1, $2)`, 1, 1)
		return err
	}()
	if dup == nil {
		t.Fatal("expected duplicate insert error")
	}
	plain := errors.New("not retryable")

	tests := []struct {
		name      string
		results   []error
		wantCalls int
		wantErr   error
	}{
		{"success first try", []error{nil}, 1, nil},
		{"plain error not retried", []error{plain}, 1, plain},
		{"retryable then success", []error{dup, nil}, 2, nil},
		{"retryable twice surfaces second", []error{dup, dup}, 2, dup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &scriptedDB{results: append([]error(nil), tt.results...)}
			retried := 0
			err := RetryOnce(context.Background(), fake, func(error) { retried++ }, func(context.Context) error { return nil })
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if fake.calls != tt.wantCalls {
				t.Errorf("expected %d attempts, got %d", tt.wantCalls, fake.calls)
			}
			if retried != tt.wantCalls-1 {
				t.Errorf("expected onRetry %d times, got %d", tt.wantCalls-1, retried)
			}
		})
	}
}
