package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/storage"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/sony/gobreaker"
)

// Sink receives every published snapshot batch
type Sink interface {
	Name() string
	Publish(ctx context.Context, snapshots []*models.MetricsSnapshot) error
}

// StoreSink adapts a storage.SnapshotStore to a Sink
type StoreSink struct {
	name  string
	store storage.SnapshotStore
}

// NewStoreSink wraps a snapshot store
func NewStoreSink(name string, store storage.SnapshotStore) *StoreSink {
	return &StoreSink{name: name, store: store}
}

func (s *StoreSink) Name() string { return s.name }

func (s *StoreSink) Publish(ctx context.Context, snapshots []*models.MetricsSnapshot) error {
	return s.store.Append(ctx, snapshots)
}

// guardedSink retries a sink with exponential backoff behind a circuit
// breaker
type guardedSink struct {
	sink       Sink
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	retryDelay time.Duration
}

func newGuardedSink(sink Sink, maxRetries int, retryDelay, breakerTimeout time.Duration, trips int) *guardedSink {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if trips < 1 {
		trips = 5
	}
	name := sink.Name()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(trips)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("Sink circuit breaker state changed",
				logger.String("sink", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	}
	return &guardedSink{
		sink:       sink,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// deliver writes a batch and returns a PersistenceUnavailableError once
// every attempt failed or the breaker is open
func (g *guardedSink) deliver(ctx context.Context, batch []*models.MetricsSnapshot) error {
	var err error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		_, err = g.breaker.Execute(func() (interface{}, error) {
			return nil, g.sink.Publish(ctx, batch)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < g.maxRetries-1 {
			delay := g.retryDelay * time.Duration(1<<uint(attempt))
			logger.Debug("Sink write failed, retrying",
				logger.String("sink", g.sink.Name()),
				logger.Int("attempt", attempt+1),
				logger.Duration("delay", delay),
				logger.ErrorField(err),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &models.PersistenceUnavailableError{Sink: g.sink.Name(), Err: ctx.Err()}
			}
		}
	}
	return &models.PersistenceUnavailableError{Sink: g.sink.Name(), Err: err}
}
