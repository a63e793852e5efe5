package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitored_symbols (
	symbol     TEXT PRIMARY KEY,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS metrics_snapshots (
	id          TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL,
	version     BIGINT NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (symbol, computed_at)
);

CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_computed_at
	ON metrics_snapshots (computed_at DESC);
`

const hypertable = `SELECT create_hypertable('metrics_snapshots', 'computed_at', if_not_exists => TRUE)`

// Open connects to PostgreSQL/TimescaleDB and verifies the connection
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to TimescaleDB",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
		logger.String("database", cfg.Database),
	)
	return db, nil
}

// Migrate creates the tables when missing. Converting the snapshot table to
// a hypertable is attempted but only logged on failure, so plain PostgreSQL
// works too.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, hypertable); err != nil {
		logger.Warn("metrics_snapshots is not a hypertable", logger.ErrorField(err))
	}
	return nil
}
