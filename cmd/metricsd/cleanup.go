package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/storage"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/spf13/cobra"
)

var cleanupMaxAge time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete persisted snapshots older than the retention window",
	Long: `Delete persisted metric snapshots older than RETENTION_MAX_AGE (12h by
default) once and exit. The serve command runs the same purge every
RETENTION_INTERVAL.

Example usage:
  metricsd cleanup
  metricsd cleanup --max-age=6h`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0, "Override RETENTION_MAX_AGE")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	retention := cfg.Retention
	if cleanupMaxAge > 0 {
		retention.MaxAge = cleanupMaxAge
	}

	store := storage.NewTimescaleSnapshotStore(db, storage.WriteConfigFromDatabase(cfg.Database))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := storage.NewRetention(store, retention).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d snapshots older than %s\n", deleted, retention.MaxAge)
	return nil
}

// openDatabase connects for one-shot admin commands
func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	if !cfg.Database.Enabled {
		return nil, fmt.Errorf("database is disabled (DB_ENABLED=false)")
	}
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("Database ready for admin command")
	return db, nil
}
