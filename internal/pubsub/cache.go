package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	cachePublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_snapshot_publish_total",
			Help: "Total number of snapshots published to Redis",
		},
		[]string{"status"},
	)

	cachePublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "redis_snapshot_publish_latency_seconds",
			Help:    "Latency of one snapshot batch publish to Redis",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)
)

const latestKeyPrefix = "metrics:latest:"

// LatestKey returns the Redis key holding the latest snapshot of a symbol
func LatestKey(symbol string) string {
	return latestKeyPrefix + symbol
}

// SnapshotCache keeps the latest snapshot per symbol under
// metrics:latest:{symbol} and appends every snapshot to a capped stream.
type SnapshotCache struct {
	client       redis.Cmdable
	ttl          time.Duration
	stream       string
	streamMaxLen int64
}

// NewSnapshotCache creates a cache over a Redis client
func NewSnapshotCache(client redis.Cmdable, cfg config.RedisConfig) *SnapshotCache {
	stream := cfg.StreamName
	if stream == "" {
		stream = "metrics.snapshots"
	}
	return &SnapshotCache{
		client:       client,
		ttl:          cfg.LatestTTL,
		stream:       stream,
		streamMaxLen: cfg.StreamMaxLen,
	}
}

// Name identifies the sink in logs and metrics
func (c *SnapshotCache) Name() string {
	return "redis"
}

// Publish writes a batch of snapshots in one pipeline
func (c *SnapshotCache) Publish(ctx context.Context, snapshots []*models.MetricsSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	start := time.Now()

	pipe := c.client.Pipeline()
	for _, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		pipe.Set(ctx, LatestKey(snap.Symbol), string(payload), c.ttl)
		pipe.XAdd(ctx, c.xaddArgs(snap.Symbol, string(payload)))
	}

	_, err := pipe.Exec(ctx)
	cachePublishLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		cachePublishTotal.WithLabelValues("error").Add(float64(len(snapshots)))
		return fmt.Errorf("failed to publish snapshots to Redis: %w", err)
	}
	cachePublishTotal.WithLabelValues("success").Add(float64(len(snapshots)))
	return nil
}

func (c *SnapshotCache) xaddArgs(symbol, payload string) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: c.stream,
		Values: []interface{}{"symbol", symbol, "snapshot", payload},
	}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}
	return args
}

// Latest returns the cached snapshot of a symbol, or nil when absent
func (c *SnapshotCache) Latest(ctx context.Context, symbol string) (*models.MetricsSnapshot, error) {
	data, err := c.client.Get(ctx, LatestKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	var snap models.MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode latest snapshot: %w", err)
	}
	return &snap, nil
}

// ReadStream reads up to count snapshots after lastID, blocking up to block.
// It returns the decoded snapshots and the ID to resume from.
func (c *SnapshotCache) ReadStream(ctx context.Context, lastID string, count int64, block time.Duration) ([]*models.MetricsSnapshot, string, error) {
	if lastID == "" {
		lastID = "$"
	}
	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, fmt.Errorf("failed to read stream %s: %w", c.stream, err)
	}

	var out []*models.MetricsSnapshot
	for _, stream := range streams {
		for _, message := range stream.Messages {
			lastID = message.ID
			raw, ok := message.Values["snapshot"].(string)
			if !ok {
				logger.Warn("Stream entry without snapshot field", logger.String("id", message.ID))
				continue
			}
			var snap models.MetricsSnapshot
			if err := json.Unmarshal([]byte(raw), &snap); err != nil {
				logger.Warn("Failed to decode stream entry",
					logger.String("id", message.ID),
					logger.ErrorField(err),
				)
				continue
			}
			out = append(out, &snap)
		}
	}
	return out, lastID, nil
}

// Tail streams snapshots to handler until ctx is cancelled
func (c *SnapshotCache) Tail(ctx context.Context, handler func(*models.MetricsSnapshot)) error {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		snaps, next, err := c.ReadStream(ctx, lastID, 100, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Error reading snapshot stream", logger.ErrorField(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		lastID = next
		for _, snap := range snaps {
			handler(snap)
		}
	}
}
