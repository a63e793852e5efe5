package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// PostgresSymbolStore keeps the monitored_symbols table
type PostgresSymbolStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresSymbolStore creates a symbol store. timeout bounds each query.
func NewPostgresSymbolStore(db *sqlx.DB, timeout time.Duration) *PostgresSymbolStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresSymbolStore{db: db, timeout: timeout}
}

// Upsert inserts a symbol or updates its active flag
func (s *PostgresSymbolStore) Upsert(ctx context.Context, sym models.Symbol) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO monitored_symbols (symbol, is_active, created_at, updated_at)
		VALUES (:symbol, :is_active, :created_at, :updated_at)
		ON CONFLICT (symbol) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.db.NamedExecContext(ctx, query, sym); err != nil {
		return fmt.Errorf("failed to upsert symbol %s: %w", sym.Code, err)
	}
	return nil
}

// SetActive flips the active flag. An absent row is ErrUnknownSymbol.
func (s *PostgresSymbolStore) SetActive(ctx context.Context, code string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_symbols SET is_active = $1, updated_at = NOW() WHERE symbol = $2`,
		active, code,
	)
	if err != nil {
		return fmt.Errorf("failed to update symbol %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &models.UnknownSymbolError{Symbol: code}
	}
	return nil
}

// List returns symbols sorted by code
func (s *PostgresSymbolStore) List(ctx context.Context, isActive *bool) ([]models.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT symbol, is_active, created_at, updated_at FROM monitored_symbols`
	var args []interface{}
	if isActive != nil {
		query += ` WHERE is_active = $1`
		args = append(args, *isActive)
	}
	query += ` ORDER BY symbol ASC`

	var symbols []models.Symbol
	if err := s.db.SelectContext(ctx, &symbols, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	return symbols, nil
}
