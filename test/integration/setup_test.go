//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/domain/monitoring"
	"github.com/clinicflow/engine/internal/domain/sample"
	"github.com/clinicflow/engine/internal/platform/db"
	"github.com/clinicflow/engine/migrations"
)

// database is the migrated Postgres backend shared by every test. Tests
// isolate themselves by creating their own treatments.
var database *db.PostgresDB

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		return 1
	}
	defer cleanup()

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	database = db.NewPostgres(pool)
	defer database.Close()

	files, err := migrations.For(db.DriverPostgres)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load migrations: %v\n", err)
		return 1
	}
	if _, err := db.NewMigrator(database, files).Up(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return m.Run()
}

func newManager() *sample.Manager {
	return sample.NewManager(database, sample.NewRepository(database), audit.NewRecorder(), nil, zerolog.Nop())
}

func newScheduler() *monitoring.Scheduler {
	return monitoring.NewScheduler(database, monitoring.NewRepository(database),
		monitoring.NewAppointmentLookup(database, time.UTC), audit.NewRecorder(), nil, zerolog.Nop())
}
