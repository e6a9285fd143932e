// Package dbtest opens throwaway SQLite databases carrying the production
// schema for package tests.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/engine/internal/platform/db"
	"github.com/clinicflow/engine/migrations"
)

// Open returns a migrated SQLite database in a temp dir, closed on cleanup.
func Open(t testing.TB) *db.SQLiteDB {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(database.Close)

	files, err := migrations.For(db.DriverSQLite)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if _, err := db.NewMigrator(database, files).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

// Treatment inserts an active treatment and returns its id.
func Treatment(t testing.TB, database db.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	now := time.Now().UTC()
	_, err := database.Exec(context.Background(),
		`INSERT INTO treatment (id, patient_id, status, started_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, uuid.New(), "active", now, now)
	if err != nil {
		t.Fatalf("insert treatment: %v", err)
	}
	return id
}

// Appointment inserts a booked appointment starting at start.
func Appointment(t testing.TB, database db.DB, treatmentID uuid.UUID, start time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := database.Exec(context.Background(),
		`INSERT INTO appointment (id, treatment_id, start_time, status) VALUES ($1, $2, $3, $4)`,
		id, treatmentID, start.UTC(), "booked")
	if err != nil {
		t.Fatalf("insert appointment: %v", err)
	}
	return id
}

// Count returns the number of rows in table matching the optional where
// clause.
func Count(t testing.TB, database db.DB, table, where string, args ...any) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := database.QueryRow(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// Snapshot renders every row of the given tables in rowid order so tests can
// assert that a rejected mutation left storage untouched.
func Snapshot(t testing.TB, database *db.SQLiteDB, tables ...string) string {
	t.Helper()
	var b strings.Builder
	for _, table := range tables {
		rows, err := database.SQL().Query("SELECT * FROM " + table + " ORDER BY rowid")
		if err != nil {
			t.Fatalf("snapshot %s: %v", table, err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			t.Fatalf("snapshot columns %s: %v", table, err)
		}
		fmt.Fprintf(&b, "== %s %v\n", table, cols)
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				t.Fatalf("snapshot scan %s: %v", table, err)
			}
			fmt.Fprintf(&b, "%v\n", values)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			t.Fatalf("snapshot rows %s: %v", table, err)
		}
		rows.Close()
	}
	return b.String()
}

// EngineTables lists the tables the engine writes to.
var EngineTables = []string{"treatment_monitoring_plan", "oocyte_state_history", "audit_log", "sample"}
