package storage

import (
	"context"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// SnapshotStore persists computed metric snapshots
type SnapshotStore interface {
	// Append stores a batch of snapshots. Implementations may write
	// asynchronously.
	Append(ctx context.Context, snapshots []*models.MetricsSnapshot) error

	// Range returns the snapshots of a symbol computed in [from, to],
	// oldest first
	Range(ctx context.Context, symbol string, from, to time.Time) ([]*models.MetricsSnapshot, error)

	// DeleteOlderThan removes snapshots computed before cutoff and returns
	// how many were removed
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Close flushes pending writes and releases resources
	Close() error
}

// SymbolStore persists the monitored symbol set
type SymbolStore interface {
	// Upsert inserts or updates a symbol row
	Upsert(ctx context.Context, sym models.Symbol) error

	// SetActive flips the active flag of an existing symbol
	SetActive(ctx context.Context, code string, active bool) error

	// List returns symbols sorted by code, optionally filtered by active flag
	List(ctx context.Context, isActive *bool) ([]models.Symbol, error)
}
