package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func level(side models.BookSide, price, size float64) models.OrderBookLevel {
	return models.OrderBookLevel{Price: price, Size: size, Side: side}
}

func book(bids, asks []models.OrderBookLevel) state.BookView {
	return state.BookView{Bids: bids, Asks: asks, UpdatedAt: t0}
}

func TestSpread(t *testing.T) {
	b := book(
		[]models.OrderBookLevel{level(models.BookSideBid, 99, 1)},
		[]models.OrderBookLevel{level(models.BookSideAsk, 101, 1)},
	)

	m, err := Spread(b)
	require.NoError(t, err)
	assert.True(t, m.Available)
	assert.Equal(t, 2.0, m.Spread)
	assert.Equal(t, 100.0, m.MidPrice)
	assert.InDelta(t, 200.0, m.SpreadBps, 1e-9)
	assert.Equal(t, t0, m.AsOf)
}

func TestSpread_EmptyBook(t *testing.T) {
	m, err := Spread(state.BookView{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
	assert.False(t, m.Available)
	assert.NotEmpty(t, m.Reason)

	oneSided := book([]models.OrderBookLevel{level(models.BookSideBid, 99, 1)}, nil)
	_, err = Spread(oneSided)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestImbalance(t *testing.T) {
	b := book(
		[]models.OrderBookLevel{level(models.BookSideBid, 100, 2)},
		[]models.OrderBookLevel{level(models.BookSideAsk, 101, 3)},
	)

	m, err := Imbalance(b, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, m.Imbalance, 1e-12)
	assert.Equal(t, 2.0, m.BidVolume)
	assert.Equal(t, 3.0, m.AskVolume)
	assert.Equal(t, 1, m.Levels)
}

func TestImbalance_TopLevelsOnly(t *testing.T) {
	b := book(
		[]models.OrderBookLevel{
			level(models.BookSideBid, 100, 1),
			level(models.BookSideBid, 99, 100),
		},
		[]models.OrderBookLevel{
			level(models.BookSideAsk, 101, 1),
			level(models.BookSideAsk, 102, 1),
		},
	)

	top, err := Imbalance(b, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, top.Imbalance, 1e-12)

	all, err := Imbalance(b, 0)
	require.NoError(t, err)
	assert.Greater(t, all.Imbalance, top.Imbalance)
	assert.GreaterOrEqual(t, all.Imbalance, 0.0)
	assert.LessOrEqual(t, all.Imbalance, 1.0)
}

func TestImbalance_EmptyBook(t *testing.T) {
	_, err := Imbalance(state.BookView{}, 0)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func slippageBook() state.BookView {
	return book(
		[]models.OrderBookLevel{
			level(models.BookSideBid, 99, 1),
			level(models.BookSideBid, 98, 2),
		},
		[]models.OrderBookLevel{
			level(models.BookSideAsk, 100, 1),
			level(models.BookSideAsk, 101, 2),
			level(models.BookSideAsk, 102, 5),
		},
	)
}

func TestSlippage_WithinFirstLevel(t *testing.T) {
	m, err := Slippage(slippageBook(), 100, models.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.SlippageBps)
	assert.Equal(t, 100.0, m.VWAP)
	assert.Equal(t, 1, m.LevelsConsumed)
	assert.False(t, m.PartialFill)
}

func TestSlippage_WalksLevels(t *testing.T) {
	m, err := Slippage(slippageBook(), 302, models.SideBuy)
	require.NoError(t, err)

	// 1 @ 100 + 2 @ 101 = 302 KRW for 3 units
	assert.InDelta(t, 302.0/3.0, m.VWAP, 1e-9)
	assert.InDelta(t, (302.0/3.0-100)/100*10000, m.SlippageBps, 1e-6)
	assert.Equal(t, 2, m.LevelsConsumed)
	assert.Equal(t, 100.0, m.BestPrice)
}

func TestSlippage_Sell(t *testing.T) {
	m, err := Slippage(slippageBook(), 99+98, models.SideSell)
	require.NoError(t, err)

	// 1 @ 99 + (98/98) @ 98
	assert.InDelta(t, 197.0/2.0, m.VWAP, 1e-9)
	assert.InDelta(t, (99-197.0/2.0)/99*10000, m.SlippageBps, 1e-6)
	assert.GreaterOrEqual(t, m.SlippageBps, 0.0)
}

func TestSlippage_PartialFill(t *testing.T) {
	m, err := Slippage(slippageBook(), 10000, models.SideBuy)
	require.NoError(t, err)
	assert.True(t, m.PartialFill)
	assert.InDelta(t, 812.0, m.FilledKRW, 1e-9)
	assert.InDelta(t, 9188.0, m.UnfilledKRW, 1e-9)
	assert.Equal(t, 3, m.LevelsConsumed)
}

func TestSlippage_RejectsNonFiniteOrderSize(t *testing.T) {
	for _, size := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0, -5} {
		assert.NotPanics(t, func() {
			m, err := Slippage(slippageBook(), size, models.SideBuy)
			assert.ErrorIs(t, err, models.ErrInvalidRequest)
			assert.False(t, m.Available)
		}, "%v", size)
	}
}

func TestSlippage_MonotonicInOrderSize(t *testing.T) {
	b := slippageBook()
	prev := -1.0
	for size := 10.0; size <= 1000; size += 10 {
		m, err := Slippage(b, size, models.SideBuy)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, m.SlippageBps+1e-9, prev, "size %v", size)
		prev = m.SlippageBps
	}
}

func TestSlippage_Rejections(t *testing.T) {
	_, err := Slippage(slippageBook(), 0, models.SideBuy)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = Slippage(slippageBook(), 100, models.Side("HOLD"))
	assert.ErrorIs(t, err, models.ErrInvalidSide)

	_, err = Slippage(state.BookView{}, 100, models.SideBuy)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func trade(offset time.Duration, side models.Side, size float64) models.TradeEvent {
	return models.TradeEvent{
		Symbol: "KRW-BTC", Timestamp: t0.Add(offset), Price: 100, Size: size, Side: side,
	}
}

func TestTradeImbalance(t *testing.T) {
	var trades []models.TradeEvent
	for i := 0; i < 10; i++ {
		side := models.SideBuy
		if i >= 6 {
			side = models.SideSell
		}
		trades = append(trades, trade(time.Duration(i)*5*time.Second, side, 1))
	}
	now := t0.Add(50 * time.Second)

	m := TradeImbalance(trades, now, 60)
	assert.InDelta(t, 0.6, m.TI, 1e-12)
	assert.Equal(t, 2.0, m.CVD)
	assert.Equal(t, 10, m.TradeCount)
	assert.False(t, m.NoData)
	assert.True(t, m.Available)
}

func TestTradeImbalance_WindowBounds(t *testing.T) {
	trades := []models.TradeEvent{
		trade(0, models.SideSell, 5),
		trade(50*time.Second, models.SideBuy, 1),
		trade(70*time.Second, models.SideBuy, 1),
	}
	now := t0.Add(60 * time.Second)

	m := TradeImbalance(trades, now, 10)
	assert.Equal(t, 1, m.TradeCount)
	assert.Equal(t, 1.0, m.TI)

	m = TradeImbalance(trades, now, 60)
	assert.Equal(t, 2, m.TradeCount)
	assert.InDelta(t, 1.0/6.0, m.TI, 1e-12)
}

func TestTradeImbalance_NoTrades(t *testing.T) {
	m := TradeImbalance(nil, t0, 30)
	assert.Equal(t, 0.5, m.TI)
	assert.True(t, m.NoData)
	assert.Equal(t, 0, m.TradeCount)
}

func TestTradeImbalances_DedupesWindows(t *testing.T) {
	out := TradeImbalances(nil, t0, []int{30, 60, 30, 0})
	require.Len(t, out, 2)
	assert.Equal(t, 30, out[0].WindowSec)
	assert.Equal(t, 60, out[1].WindowSec)
}

func bars(closes ...float64) []models.CandleBar {
	out := make([]models.CandleBar, len(closes))
	for i, c := range closes {
		open := t0.Add(time.Duration(i) * time.Minute)
		out[i] = models.CandleBar{
			Symbol: "KRW-BTC", Interval: time.Minute, OpenTime: open,
			Open: c, High: c * 1.01, Low: c * 0.99, Close: c,
			Volume: 1, Timestamp: open.Add(59 * time.Second),
		}
	}
	return out
}

func TestVolatility(t *testing.T) {
	m, err := Volatility(bars(100, 110, 100), 1)
	require.NoError(t, err)
	assert.True(t, m.Available)
	assert.Equal(t, 3, m.Bars)

	r := math.Log(1.1)
	assert.InDelta(t, r*math.Sqrt2, m.Volatility, 1e-12)
	require.NotNil(t, m.Vol15m)
	assert.InDelta(t, m.Volatility, *m.Vol15m, 1e-12)
	assert.InDelta(t, 0.02, m.Range1m, 1e-9)
	assert.Nil(t, m.Range1mMean15m)
}

func TestVolatility_Annualization(t *testing.T) {
	base, err := Volatility(bars(100, 110, 100), 1)
	require.NoError(t, err)
	scaled, err := Volatility(bars(100, 110, 100), 10)
	require.NoError(t, err)
	assert.InDelta(t, base.Volatility*10, scaled.Volatility, 1e-12)
}

func TestVolatility_SingleReturnIsZero(t *testing.T) {
	m, err := Volatility(bars(100, 105), 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Volatility)
	assert.Nil(t, m.Vol15m)
}

func TestVolatility_InsufficientBars(t *testing.T) {
	m, err := Volatility(bars(100), 1)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
	assert.False(t, m.Available)
	assert.Equal(t, 1, m.Bars)
}

func TestVolatility_RangeMean(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i%3)
	}
	m, err := Volatility(bars(closes...), 1)
	require.NoError(t, err)
	require.NotNil(t, m.Range1mMean15m)
	assert.InDelta(t, 0.02, *m.Range1mMean15m, 1e-9)
	require.NotNil(t, m.Vol30m)
	require.NotNil(t, m.Vol15m)
}

func TestLiquidity(t *testing.T) {
	_, err := Liquidity(nil)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	m, err := Liquidity(&models.TickerEvent{Timestamp: t0, AccTradePrice24h: 5e11, AccTradeVolume24h: 4000})
	require.NoError(t, err)
	assert.Equal(t, 5e11, m.AccTradePrice24h)
	assert.Equal(t, t0, m.AsOf)
}

func TestCompute_EmptySnapshot(t *testing.T) {
	snap := &state.Snapshot{Symbol: "KRW-BTC", Version: 0}
	out := Compute(snap, Params{Now: t0, TIWindows: []int{30, 60}, OrderSizeKRW: 1e6})

	assert.Equal(t, "KRW-BTC", out.Symbol)
	assert.False(t, out.Spread.Available)
	assert.False(t, out.OrderBookImbalance.Available)
	require.NotNil(t, out.Slippage)
	assert.False(t, out.Slippage.Available)
	assert.Equal(t, models.SideBuy, out.Slippage.Side)
	require.Len(t, out.TradeImbalance, 2)
	assert.True(t, out.TradeImbalance[0].NoData)
	assert.False(t, out.Volatility.Available)
	assert.False(t, out.Liquidity.Available)
}

func TestCompute_WithoutOrderSizeSkipsSlippage(t *testing.T) {
	snap := &state.Snapshot{Symbol: "KRW-BTC", Book: slippageBook()}
	out := Compute(snap, Params{Now: t0})
	assert.Nil(t, out.Slippage)
	assert.True(t, out.Spread.Available)

	values := Values(out)
	assert.Contains(t, values, "spread_bps")
	assert.Contains(t, values, "imbalance")
	assert.NotContains(t, values, "slippage_bps")
	assert.NotContains(t, values, "volatility")
}

func TestValues_TradeImbalanceKeys(t *testing.T) {
	ms := &models.MetricsSnapshot{
		TradeImbalance: []models.TradeImbalanceMetric{
			{WindowSec: 10, TI: 0.7},
			{WindowSec: 30, TI: 0.5, NoData: true},
		},
	}
	values := Values(ms)
	assert.Equal(t, 0.7, values[TIKey(10)])
	assert.NotContains(t, values, TIKey(30))
}
