package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	timescaleWriteTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timescale_write_total",
			Help: "Total number of snapshots written to TimescaleDB",
		},
		[]string{"status"}, // "success" or "error"
	)

	timescaleWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timescale_write_errors_total",
			Help: "Total number of write errors to TimescaleDB",
		},
		[]string{"error_type"},
	)

	timescaleWriteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timescale_write_latency_seconds",
			Help:    "Write latency to TimescaleDB in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	timescaleWriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timescale_write_queue_depth",
			Help: "Current depth of the snapshot write queue",
		},
	)
)

// WriteConfig holds configuration for the async write queue
type WriteConfig struct {
	BatchSize  int
	Interval   time.Duration
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// WriteConfigFromDatabase creates a WriteConfig from DatabaseConfig
func WriteConfigFromDatabase(cfg config.DatabaseConfig) WriteConfig {
	return WriteConfig{
		BatchSize:  cfg.WriteBatchSize,
		Interval:   cfg.WriteInterval,
		QueueSize:  cfg.WriteQueueSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}
}

func (w WriteConfig) withDefaults() WriteConfig {
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	if w.QueueSize <= 0 {
		w.QueueSize = 1000
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 1
	}
	return w
}

// TimescaleSnapshotStore persists metric snapshots as JSONB rows in the
// metrics_snapshots hypertable. Appends are queued and written in batches
// by a background goroutine.
type TimescaleSnapshotStore struct {
	db          *sqlx.DB
	writeConfig WriteConfig

	writeQueue chan []*models.MetricsSnapshot
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	running    bool
}

// NewTimescaleSnapshotStore creates a store over an open connection
func NewTimescaleSnapshotStore(db *sqlx.DB, writeConfig WriteConfig) *TimescaleSnapshotStore {
	writeConfig = writeConfig.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &TimescaleSnapshotStore{
		db:          db,
		writeConfig: writeConfig,
		writeQueue:  make(chan []*models.MetricsSnapshot, writeConfig.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the write queue processor
func (t *TimescaleSnapshotStore) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("snapshot store is already running")
	}
	t.running = true
	t.mu.Unlock()

	logger.Info("Starting snapshot write queue processor",
		logger.Int("batch_size", t.writeConfig.BatchSize),
		logger.Duration("interval", t.writeConfig.Interval),
	)

	t.wg.Add(1)
	go t.processWriteQueue()
	return nil
}

// Stop drains the write queue, waits for the processor and closes the
// database connection.
func (t *TimescaleSnapshotStore) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.writeQueue)
	t.mu.Unlock()

	logger.Info("Stopping snapshot write queue processor")
	t.wg.Wait()
	t.cancel()

	if err := t.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	logger.Info("Snapshot store stopped")
	return nil
}

// Close implements SnapshotStore
func (t *TimescaleSnapshotStore) Close() error {
	return t.Stop()
}

// IsRunning returns whether the write processor is running
func (t *TimescaleSnapshotStore) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Append enqueues snapshots for async writing. A full queue is reported as
// ErrPersistenceUnavailable.
func (t *TimescaleSnapshotStore) Append(ctx context.Context, snapshots []*models.MetricsSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return fmt.Errorf("%w: snapshot store is not running", models.ErrPersistenceUnavailable)
	}

	select {
	case t.writeQueue <- snapshots:
		timescaleWriteQueueDepth.Set(float64(len(t.writeQueue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		timescaleWriteErrors.WithLabelValues("queue_full").Inc()
		logger.Warn("Snapshot write queue is full",
			logger.Int("queue_depth", len(t.writeQueue)),
			logger.Int("snapshots", len(snapshots)),
		)
		return fmt.Errorf("%w: write queue is full", models.ErrPersistenceUnavailable)
	}
}

// Range returns persisted snapshots of a symbol within [from, to]
func (t *TimescaleSnapshotStore) Range(ctx context.Context, symbol string, from, to time.Time) ([]*models.MetricsSnapshot, error) {
	query := `
		SELECT payload
		FROM metrics_snapshots
		WHERE symbol = $1 AND computed_at >= $2 AND computed_at <= $3
		ORDER BY computed_at ASC
	`

	rows, err := t.db.QueryxContext(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.MetricsSnapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		var snap models.MetricsSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		snapshots = append(snapshots, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return snapshots, nil
}

// DeleteOlderThan removes snapshots computed before cutoff
func (t *TimescaleSnapshotStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM metrics_snapshots WHERE computed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

func (t *TimescaleSnapshotStore) processWriteQueue() {
	defer t.wg.Done()

	batch := make([]*models.MetricsSnapshot, 0, t.writeConfig.BatchSize)
	ticker := time.NewTicker(t.writeConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case snapshots, ok := <-t.writeQueue:
			if !ok {
				if len(batch) > 0 {
					t.writeSync(context.Background(), batch)
				}
				return
			}

			batch = append(batch, snapshots...)
			timescaleWriteQueueDepth.Set(float64(len(t.writeQueue)))

			if len(batch) >= t.writeConfig.BatchSize {
				t.writeSync(context.Background(), batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				t.writeSync(context.Background(), batch)
				batch = batch[:0]
			}
		}
	}
}

// writeSync writes snapshots with exponential backoff between attempts
func (t *TimescaleSnapshotStore) writeSync(ctx context.Context, snapshots []*models.MetricsSnapshot) {
	startTime := time.Now()

	var err error
	for attempt := 0; attempt < t.writeConfig.MaxRetries; attempt++ {
		err = t.insertSnapshots(ctx, snapshots)
		if err == nil {
			break
		}

		if attempt < t.writeConfig.MaxRetries-1 {
			delay := t.writeConfig.RetryDelay * time.Duration(1<<uint(attempt))
			logger.Warn("Failed to write snapshots, retrying",
				logger.ErrorField(err),
				logger.Int("attempt", attempt+1),
				logger.Int("snapshots", len(snapshots)),
				logger.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-t.ctx.Done():
			}
		}
	}

	timescaleWriteLatency.WithLabelValues("write").Observe(time.Since(startTime).Seconds())

	if err != nil {
		timescaleWriteErrors.WithLabelValues("write_failed").Inc()
		timescaleWriteTotal.WithLabelValues("error").Add(float64(len(snapshots)))
		logger.Error("Failed to write snapshots after retries",
			logger.ErrorField(err),
			logger.Int("snapshots", len(snapshots)),
		)
		return
	}

	timescaleWriteTotal.WithLabelValues("success").Add(float64(len(snapshots)))
	logger.Debug("Wrote snapshots to TimescaleDB",
		logger.Int("count", len(snapshots)),
		logger.Duration("latency", time.Since(startTime)),
	)
}

func (t *TimescaleSnapshotStore) insertSnapshots(ctx context.Context, snapshots []*models.MetricsSnapshot) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics_snapshots (id, symbol, computed_at, version, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, computed_at) DO UPDATE SET
			id = EXCLUDED.id,
			version = EXCLUDED.version,
			payload = EXCLUDED.payload
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			snap.ID,
			snap.Symbol,
			snap.ComputedAt,
			int64(snap.Version),
			payload,
		); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
