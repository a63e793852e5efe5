package storage

import (
	"context"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var retentionDeleted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "retention_snapshots_deleted_total",
		Help: "Total number of persisted snapshots removed by retention",
	},
)

// Retention periodically purges persisted snapshots older than MaxAge
type Retention struct {
	store SnapshotStore
	cfg   config.RetentionConfig
	now   func() time.Time
}

// NewRetention creates a retention worker
func NewRetention(store SnapshotStore, cfg config.RetentionConfig) *Retention {
	return &Retention{store: store, cfg: cfg, now: time.Now}
}

// RunOnce deletes everything older than now - MaxAge
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.MaxAge)
	n, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		logger.Error("Retention cleanup failed", logger.ErrorField(err))
		return 0, err
	}
	retentionDeleted.Add(float64(n))
	logger.Info("Retention cleanup completed",
		logger.Int64("deleted", n),
		logger.Time("cutoff", cutoff),
	)
	return n, nil
}

// Run executes RunOnce every Interval until ctx is cancelled
func (r *Retention) Run(ctx context.Context) {
	if r.cfg.Interval <= 0 || r.cfg.MaxAge <= 0 {
		logger.Info("Retention disabled")
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.RunOnce(ctx)
		}
	}
}
