package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/freshness"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/registry"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/mohamedkhairy/upbit-metrics/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

func testPublisherConfig() config.PublisherConfig {
	return config.PublisherConfig{
		Interval:       time.Second,
		MinInterval:    10 * time.Millisecond,
		TIWindows:      []int{10, 30},
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		BreakerTimeout: time.Minute,
		BreakerTrips:   2,
	}
}

func seededRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(state.Config{BookDepth: 15, TradeWindowMax: time.Minute, CandleSeriesLen: 30}, time.Second)
	_, err := reg.Add("KRW-BTC")
	require.NoError(t, err)

	cell, err := reg.Lookup("KRW-BTC")
	require.NoError(t, err)
	res := cell.ApplyOrderBook(&models.OrderBookEvent{
		Symbol:    "KRW-BTC",
		Timestamp: t0,
		Sequence:  1,
		Snapshot:  true,
		Bids:      []models.OrderBookLevel{{Price: 100, Size: 3, Side: models.BookSideBid}},
		Asks:      []models.OrderBookLevel{{Price: 101, Size: 1, Side: models.BookSideAsk}},
	})
	require.Equal(t, state.Applied, res)
	return reg
}

func newTestPublisher(reg *registry.Registry, sinks ...Sink) *Publisher {
	p := New(reg, freshness.NewGuard(5*time.Second), testPublisherConfig(), config.EngineConfig{}, nil, sinks...)
	p.now = func() time.Time { return t0.Add(time.Second) }
	return p
}

func TestPublisher_PublishOnce(t *testing.T) {
	reg := seededRegistry(t)
	store := storage.NewMemorySnapshotStore(0)
	p := newTestPublisher(reg, NewStoreSink("memory", store))

	batch := p.PublishOnce(context.Background(), reg.ActiveCodes())
	require.Len(t, batch, 1)

	snap := batch[0]
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "KRW-BTC", snap.Symbol)
	assert.True(t, snap.Spread.Available)
	require.NotNil(t, snap.Spread.SpreadBpsEMA10s)
	assert.InDelta(t, snap.Spread.SpreadBps, *snap.Spread.SpreadBpsEMA10s, 1e-9)
	require.NotNil(t, snap.OrderBookImbalance.ImbalanceEMA30s)
	assert.InDelta(t, 0.75, *snap.OrderBookImbalance.ImbalanceEMA30s, 1e-9)
	assert.Nil(t, snap.Slippage)
	assert.Len(t, snap.TradeImbalance, 2)
	assert.False(t, snap.Freshness[models.ChannelOrderBook].Stale)

	stored, err := store.Range(context.Background(), "KRW-BTC", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, snap.ID, stored[0].ID)

	last, ok := p.LastPublished("KRW-BTC")
	require.True(t, ok)
	assert.Equal(t, snap.ID, last.ID)
}

func TestPublisher_SkipsUnknownSymbols(t *testing.T) {
	reg := seededRegistry(t)
	p := newTestPublisher(reg)

	batch := p.PublishOnce(context.Background(), []string{"KRW-DOGE"})
	assert.Empty(t, batch)
	assert.Empty(t, p.PublishOnce(context.Background(), nil))
}

func TestPublisher_DropsStateOfRemovedSymbols(t *testing.T) {
	reg := seededRegistry(t)
	p := newTestPublisher(reg)
	ctx := context.Background()

	require.Len(t, p.PublishOnce(ctx, []string{"KRW-BTC"}), 1)
	_, ok := p.LastPublished("KRW-BTC")
	require.True(t, ok)
	require.Contains(t, p.smoothers, "KRW-BTC")

	// the periodic cycle prunes symbols missing from the active set
	_, err := reg.Remove("KRW-BTC")
	require.NoError(t, err)
	p.prune(reg.ActiveCodes())
	assert.Empty(t, p.smoothers)
	_, ok = p.LastPublished("KRW-BTC")
	assert.False(t, ok)

	// re-adding inside the grace period yields a new cell and fresh smoothing
	_, err = reg.Add("KRW-BTC")
	require.NoError(t, err)
	cell, err := reg.Lookup("KRW-BTC")
	require.NoError(t, err)
	require.Equal(t, state.Applied, cell.ApplyOrderBook(&models.OrderBookEvent{
		Symbol:    "KRW-BTC",
		Timestamp: t0,
		Sequence:  1,
		Snapshot:  true,
		Bids:      []models.OrderBookLevel{{Price: 100, Size: 1, Side: models.BookSideBid}},
		Asks:      []models.OrderBookLevel{{Price: 101, Size: 1, Side: models.BookSideAsk}},
	}))
	require.Len(t, p.PublishOnce(ctx, []string{"KRW-BTC"}), 1)
	assert.Same(t, cell, p.smoothers["KRW-BTC"].cell)

	// a change notification for a symbol removed since is forgotten
	_, err = reg.Remove("KRW-BTC")
	require.NoError(t, err)
	assert.Empty(t, p.PublishOnce(ctx, []string{"KRW-BTC"}))
	assert.Empty(t, p.smoothers)
	_, ok = p.LastPublished("KRW-BTC")
	assert.False(t, ok)
}

func TestPublisher_FailingSinkDoesNotPropagate(t *testing.T) {
	reg := seededRegistry(t)
	failing := storage.NewMemorySnapshotStore(0)
	failing.FailAppends(errors.New("disk full"))
	healthy := storage.NewMemorySnapshotStore(0)

	p := newTestPublisher(reg, NewStoreSink("failing", failing), NewStoreSink("healthy", healthy))

	batch := p.PublishOnce(context.Background(), reg.ActiveCodes())
	require.Len(t, batch, 1)

	// two failures trip the breaker, the third attempt is rejected by it
	assert.Equal(t, 2, failing.Appends())
	assert.Equal(t, 1, healthy.Appends())

	p.PublishOnce(context.Background(), reg.ActiveCodes())
	assert.Equal(t, 2, failing.Appends(), "open breaker short-circuits the sink")
	assert.Equal(t, 2, healthy.Appends())
}

func TestGuardedSink_ReturnsPersistenceUnavailable(t *testing.T) {
	store := storage.NewMemorySnapshotStore(0)
	store.FailAppends(errors.New("connection reset"))
	g := newGuardedSink(NewStoreSink("pg", store), 2, time.Millisecond, time.Minute, 10)

	err := g.deliver(context.Background(), []*models.MetricsSnapshot{{Symbol: "KRW-BTC"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPersistenceUnavailable)

	var pu *models.PersistenceUnavailableError
	require.ErrorAs(t, err, &pu)
	assert.Equal(t, "pg", pu.Sink)
	assert.Equal(t, 2, store.Appends())
}

func TestGuardedSink_RecoversAfterRetry(t *testing.T) {
	store := storage.NewMemorySnapshotStore(0)
	sink := &flakySink{failures: 1, next: NewStoreSink("pg", store)}
	g := newGuardedSink(sink, 3, time.Millisecond, time.Minute, 10)

	require.NoError(t, g.deliver(context.Background(), []*models.MetricsSnapshot{{Symbol: "KRW-BTC", ComputedAt: t0}}))
	assert.Equal(t, 2, sink.calls)
	assert.Equal(t, 1, store.Appends())
}

func TestPublisher_DebouncesChanges(t *testing.T) {
	reg := seededRegistry(t)
	store := storage.NewMemorySnapshotStore(0)
	changes := make(chan string, 8)

	cfg := testPublisherConfig()
	cfg.Interval = time.Hour
	p := New(reg, freshness.NewGuard(5*time.Second), cfg, config.EngineConfig{}, changes, NewStoreSink("memory", store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	assert.Error(t, p.Start(ctx))

	for i := 0; i < 5; i++ {
		changes <- "KRW-BTC"
	}

	assert.Eventually(t, func() bool { return store.Appends() >= 1 }, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.LessOrEqual(t, store.Appends(), 2)
}

func TestSmoother_TracksEMA(t *testing.T) {
	sm := newSmoother(nil)

	first := &models.MetricsSnapshot{ComputedAt: t0}
	first.Spread.Available = true
	first.Spread.SpreadBps = 10
	first.OrderBookImbalance.Available = true
	first.OrderBookImbalance.Imbalance = 0.2
	sm.apply(first)
	require.NotNil(t, first.Spread.SpreadBpsP95_5m)
	assert.Equal(t, 10.0, *first.Spread.SpreadBpsEMA10s)
	assert.Equal(t, 10.0, *first.Spread.SpreadBpsP95_5m)

	second := &models.MetricsSnapshot{ComputedAt: t0.Add(10 * time.Second)}
	second.Spread.Available = true
	second.Spread.SpreadBps = 20
	second.OrderBookImbalance.Available = true
	second.OrderBookImbalance.Imbalance = 0.8
	sm.apply(second)

	ema := *second.Spread.SpreadBpsEMA10s
	assert.Greater(t, ema, 10.0)
	assert.Less(t, ema, 20.0)
	assert.Greater(t, *second.OrderBookImbalance.ImbalanceEMA5s, *second.OrderBookImbalance.ImbalanceEMA30s)

	unavailable := &models.MetricsSnapshot{ComputedAt: t0.Add(11 * time.Second)}
	sm.apply(unavailable)
	assert.Nil(t, unavailable.Spread.SpreadBpsEMA10s)
	assert.Nil(t, unavailable.OrderBookImbalance.ImbalanceEMA5s)
}

type flakySink struct {
	failures int
	calls    int
	next     Sink
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Publish(ctx context.Context, snapshots []*models.MetricsSnapshot) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return f.next.Publish(ctx, snapshots)
}
