package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicflow/engine/internal/config"
	"github.com/clinicflow/engine/internal/domain/audit"
	"github.com/clinicflow/engine/internal/platform/blobstore"
	"github.com/clinicflow/engine/internal/platform/db"
	"github.com/clinicflow/engine/migrations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "workflow-engine",
		Short:        "Clinical workflow state engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, _ := cfg.ZerologLevel()
	return logger.Level(level)
}

func openDB(ctx context.Context, cfg *config.Config) (db.DB, error) {
	return db.Open(ctx, db.Options{
		Driver:      cfg.DBDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
}

func newMigrator(database db.DB) (*db.Migrator, error) {
	files, err := migrations.For(database.Driver())
	if err != nil {
		return nil, err
	}
	return db.NewMigrator(database, files), nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow engine API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			autoMigrate, _ := cmd.Flags().GetBool("migrate")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg, autoMigrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			database, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			migrator, err := newMigrator(database)
			if err != nil {
				return err
			}
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) on %s.\n", count, database.Driver())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			database, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			migrator, err := newMigrator(database)
			if err != nil {
				return err
			}
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log maintenance",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Archive audit entries of a time window to the audit bucket as NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := exportWindow(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.ArchiveEnabled() {
				return fmt.Errorf("AUDIT_ARCHIVE_BUCKET is required for audit export")
			}
			logger := newLogger(cfg)

			ctx := cmd.Context()
			database, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
				Bucket:    cfg.AuditArchiveBucket,
				Region:    cfg.AuditArchiveRegion,
				Endpoint:  cfg.AuditArchiveEndpoint,
				PathStyle: cfg.AuditArchivePathStyle,
			})
			if err != nil {
				return err
			}

			result, err := audit.NewExporter(audit.NewRepository(database), store, logger).Export(ctx, from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to s3://%s/%s\n",
				result.Entries, cfg.AuditArchiveBucket, result.Object.Key)
			return nil
		},
	}
	exportCmd.Flags().String("from", "", "Window start, RFC3339 or YYYY-MM-DD (inclusive)")
	exportCmd.Flags().String("to", "", "Window end, RFC3339 or YYYY-MM-DD (exclusive)")
	_ = exportCmd.MarkFlagRequired("from")
	_ = exportCmd.MarkFlagRequired("to")
	cmd.AddCommand(exportCmd)

	return cmd
}

func exportWindow(cmd *cobra.Command) (time.Time, time.Time, error) {
	fromFlag, _ := cmd.Flags().GetString("from")
	toFlag, _ := cmd.Flags().GetString("to")
	from, err := parseInstant(fromFlag)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
	}
	to, err := parseInstant(toFlag)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
	}
	return from, to, nil
}

// parseInstant accepts RFC3339 timestamps and plain dates (midnight UTC).
func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}
