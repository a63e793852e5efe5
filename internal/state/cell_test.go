package state

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		BookDepth:             5,
		TradeWindowMax:        60 * time.Second,
		TradeWindowMaxEntries: 1000,
		CandleSeriesLen:       3,
	}
}

func bid(p, s float64) models.OrderBookLevel {
	return models.OrderBookLevel{Price: p, Size: s, Side: models.BookSideBid}
}

func ask(p, s float64) models.OrderBookLevel {
	return models.OrderBookLevel{Price: p, Size: s, Side: models.BookSideAsk}
}

func bookSnapshot(seq int64, bids, asks []models.OrderBookLevel) *models.OrderBookEvent {
	return &models.OrderBookEvent{
		Symbol:    "KRW-BTC",
		Timestamp: t0.Add(time.Duration(seq) * time.Millisecond),
		Sequence:  seq,
		Snapshot:  true,
		Bids:      bids,
		Asks:      asks,
	}
}

func trade(seq int64, at time.Time, side models.Side, size float64) *models.TradeEvent {
	return &models.TradeEvent{
		Symbol:    "KRW-BTC",
		Timestamp: at,
		Price:     100,
		Size:      size,
		Side:      side,
		Sequence:  seq,
	}
}

func TestCell_ApplyOrderBookSnapshot(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)

	res := cell.ApplyOrderBook(bookSnapshot(1,
		[]models.OrderBookLevel{bid(99, 1), bid(100, 2), bid(98, 3)},
		[]models.OrderBookLevel{ask(102, 1), ask(101, 3)},
	))
	require.Equal(t, Applied, res)

	snap := cell.Snapshot()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, []float64{100, 99, 98}, prices(snap.Book.Bids))
	assert.Equal(t, []float64{101, 102}, prices(snap.Book.Asks))
	assert.Equal(t, int64(1), snap.Book.Sequence)
}

func TestCell_ApplyOrderBookDelta(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	cell.ApplyOrderBook(bookSnapshot(1,
		[]models.OrderBookLevel{bid(100, 2), bid(99, 1)},
		[]models.OrderBookLevel{ask(101, 3), ask(102, 1)},
	))

	delta := bookSnapshot(2, []models.OrderBookLevel{bid(100, 0), bid(99.5, 4)}, []models.OrderBookLevel{ask(101, 1)})
	delta.Snapshot = false
	require.Equal(t, Applied, cell.ApplyOrderBook(delta))

	snap := cell.Snapshot()
	assert.Equal(t, []float64{99.5, 99}, prices(snap.Book.Bids))
	best, ok := snap.Book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 1.0, best.Size)
}

func TestCell_BookBoundedToDepth(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)

	var bids, asks []models.OrderBookLevel
	for i := 0; i < 10; i++ {
		bids = append(bids, bid(100-float64(i), 1))
		asks = append(asks, ask(101+float64(i), 1))
	}
	cell.ApplyOrderBook(bookSnapshot(1, bids, asks))

	snap := cell.Snapshot()
	assert.Len(t, snap.Book.Bids, 5)
	assert.Len(t, snap.Book.Asks, 5)
	assert.Equal(t, 96.0, snap.Book.Bids[4].Price)
	assert.Equal(t, 105.0, snap.Book.Asks[4].Price)
}

func TestCell_RejectsCrossedBook(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	cell.ApplyOrderBook(bookSnapshot(1, []models.OrderBookLevel{bid(100, 1)}, []models.OrderBookLevel{ask(101, 1)}))
	before := cell.Snapshot()

	res := cell.ApplyOrderBook(bookSnapshot(2, []models.OrderBookLevel{bid(102, 1)}, []models.OrderBookLevel{ask(101, 1)}))
	assert.Equal(t, DroppedCrossed, res)
	assert.Same(t, before, cell.Snapshot())

	// Locked book (bid == ask) is also rejected
	res = cell.ApplyOrderBook(bookSnapshot(3, []models.OrderBookLevel{bid(101, 1)}, []models.OrderBookLevel{ask(101, 1)}))
	assert.Equal(t, DroppedCrossed, res)
}

func TestCell_BestBidNeverAboveBestAsk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cell := NewCell("KRW-BTC", testConfig(), nil)

	for seq := int64(1); seq <= 2000; seq++ {
		var bids, asks []models.OrderBookLevel
		for i := 0; i < 1+rng.Intn(4); i++ {
			bids = append(bids, bid(float64(90+rng.Intn(20)), float64(rng.Intn(3))))
			asks = append(asks, ask(float64(90+rng.Intn(20)), float64(rng.Intn(3))))
		}
		ev := bookSnapshot(seq, bids, asks)
		ev.Snapshot = rng.Intn(3) == 0
		cell.ApplyOrderBook(ev)

		snap := cell.Snapshot()
		bb, okBid := snap.Book.BestBid()
		ba, okAsk := snap.Book.BestAsk()
		if okBid && okAsk {
			require.Less(t, bb.Price, ba.Price, "crossed at seq %d", seq)
		}
	}
}

func TestCell_DuplicateSequenceLeavesStateUnchanged(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	ev := bookSnapshot(5, []models.OrderBookLevel{bid(100, 1)}, []models.OrderBookLevel{ask(101, 1)})
	require.Equal(t, Applied, cell.ApplyOrderBook(ev))
	before := cell.Snapshot()

	assert.Equal(t, DroppedStale, cell.ApplyOrderBook(ev))
	older := bookSnapshot(4, []models.OrderBookLevel{bid(90, 1)}, []models.OrderBookLevel{ask(91, 1)})
	assert.Equal(t, DroppedStale, cell.ApplyOrderBook(older))
	assert.Same(t, before, cell.Snapshot())

	tr := trade(10, t0, models.SideBuy, 1)
	require.Equal(t, Applied, cell.ApplyTrade(tr))
	afterTrade := cell.Snapshot()
	assert.Equal(t, DroppedStale, cell.ApplyTrade(tr))
	assert.Same(t, afterTrade, cell.Snapshot())
	assert.Len(t, cell.Snapshot().Trades, 1)
}

func TestCell_TradeWindowEviction(t *testing.T) {
	cfg := testConfig()
	cell := NewCell("KRW-BTC", cfg, nil)

	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		require.Equal(t, Applied, cell.ApplyTrade(trade(int64(i+1), at, models.SideBuy, 1)))

		snap := cell.Snapshot()
		oldest := snap.Trades[0].Timestamp
		assert.False(t, oldest.Before(at.Add(-cfg.TradeWindowMax)), "trade older than window retained")
	}
	assert.Len(t, cell.Snapshot().Trades, 61)
}

func TestCell_TradeWindowMaxEntries(t *testing.T) {
	cfg := testConfig()
	cfg.TradeWindowMaxEntries = 10
	cell := NewCell("KRW-BTC", cfg, nil)

	for i := 0; i < 25; i++ {
		cell.ApplyTrade(trade(int64(i+1), t0, models.SideSell, 1))
	}
	snap := cell.Snapshot()
	require.Len(t, snap.Trades, 10)
	assert.Equal(t, int64(16), snap.Trades[0].Sequence)
}

func TestCell_TradeTimestampRegressionDropped(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	cell.ApplyTrade(trade(1, t0.Add(time.Second), models.SideBuy, 1))

	assert.Equal(t, DroppedStale, cell.ApplyTrade(trade(2, t0, models.SideBuy, 1)))
	assert.Equal(t, DroppedInvalid, cell.ApplyTrade(trade(3, t0.Add(2*time.Second), "", 1)))
}

func TestCell_OldSnapshotsAreImmutable(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	cell.ApplyTrade(trade(1, t0, models.SideBuy, 1))
	cell.ApplyTrade(trade(2, t0.Add(time.Second), models.SideSell, 2))
	old := cell.Snapshot()
	oldTrades := append([]models.TradeEvent(nil), old.Trades...)

	for i := 3; i < 50; i++ {
		cell.ApplyTrade(trade(int64(i), t0.Add(time.Duration(i)*time.Second), models.SideBuy, float64(i)))
	}

	assert.Equal(t, oldTrades, old.Trades)
	assert.Greater(t, cell.Snapshot().Version, old.Version)
}

func TestCell_ApplyCandle(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	bar := func(seq int64, minute int, closePrice float64) *models.CandleBar {
		open := t0.Add(time.Duration(minute) * time.Minute)
		return &models.CandleBar{
			Symbol: "KRW-BTC", Interval: time.Minute, OpenTime: open,
			Open: 100, High: 110, Low: 90, Close: closePrice,
			Timestamp: open.Add(time.Duration(seq) * time.Millisecond), Sequence: seq,
		}
	}

	require.Equal(t, Applied, cell.ApplyCandle(bar(1, 0, 100)))
	require.Equal(t, Applied, cell.ApplyCandle(bar(2, 0, 101)))
	assert.Len(t, cell.Snapshot().Candles, 1)
	assert.Equal(t, 101.0, cell.Snapshot().Candles[0].Close)

	first := cell.Snapshot()
	for i := 1; i <= 4; i++ {
		require.Equal(t, Applied, cell.ApplyCandle(bar(int64(100+i), i, 100+float64(i))))
	}
	snap := cell.Snapshot()
	require.Len(t, snap.Candles, 3)
	assert.Equal(t, t0.Add(2*time.Minute), snap.Candles[0].OpenTime)
	assert.Equal(t, 101.0, first.Candles[0].Close)

	// A bar older than the last one is stale even with a newer sequence
	assert.Equal(t, DroppedStale, cell.ApplyCandle(bar(500, 1, 99)))
}

func TestCell_ApplyTicker(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	ev := &models.TickerEvent{Symbol: "KRW-BTC", Timestamp: t0, TradePrice: 100, AccTradePrice24h: 5e9, Sequence: 1}
	require.Equal(t, Applied, cell.ApplyTicker(ev))

	ev.AccTradePrice24h = 1
	assert.Equal(t, 5e9, cell.Snapshot().Ticker.AccTradePrice24h, "snapshot must not alias the event")
	assert.Equal(t, DroppedStale, cell.ApplyTicker(ev))
}

func TestCell_Notify(t *testing.T) {
	notify := make(chan string, 1)
	cell := NewCell("KRW-BTC", testConfig(), notify)

	cell.ApplyTrade(trade(1, t0, models.SideBuy, 1))
	cell.ApplyTrade(trade(2, t0, models.SideBuy, 1))

	assert.Equal(t, "KRW-BTC", <-notify)
	assert.Len(t, notify, 0)
}

func TestCell_SnapshotTimestampsNeverRegress(t *testing.T) {
	cell := NewCell("KRW-BTC", testConfig(), nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		var prev *Snapshot
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := cell.Snapshot()
			if prev != nil {
				for _, ch := range models.Channels {
					if snap.LastUpdate(ch).Before(prev.LastUpdate(ch)) {
						t.Errorf("%s timestamp regressed", ch)
						return
					}
				}
				if snap.Version < prev.Version {
					t.Errorf("version regressed")
					return
				}
			}
			prev = snap
		}
	}()

	rng := rand.New(rand.NewSource(3))
	for i := 1; i <= 5000; i++ {
		at := t0.Add(time.Duration(rng.Intn(i+1)) * time.Millisecond)
		if i%2 == 0 {
			cell.ApplyTrade(trade(int64(rng.Intn(i+1)), at, models.SideBuy, 1))
		} else {
			ev := bookSnapshot(int64(rng.Intn(i+1)), []models.OrderBookLevel{bid(100, 1)}, []models.OrderBookLevel{ask(101, 1)})
			ev.Timestamp = at
			cell.ApplyOrderBook(ev)
		}
	}
	close(stop)
	wg.Wait()
}

func prices(levels []models.OrderBookLevel) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i] = l.Price
	}
	return out
}
