package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/data"
	"github.com/mohamedkhairy/upbit-metrics/internal/registry"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bookFrame = `{"type":"orderbook","code":"KRW-BTC","timestamp":1704067200123,
		"orderbook_units":[{"ask_price":50010000,"bid_price":50000000,"ask_size":1.5,"bid_size":2}]}`
	tradeFrame = `{"type":"trade","code":"KRW-BTC","timestamp":1704067200500,"trade_price":50005000,
		"trade_volume":0.01,"ask_bid":"BID","sequential_id":10}`
	staleTradeFrame = `{"type":"trade","code":"KRW-BTC","timestamp":1704067200400,"trade_price":50005000,
		"trade_volume":0.01,"ask_bid":"ASK","sequential_id":9}`
	otherSymbolFrame = `{"type":"ticker","code":"KRW-ETH","timestamp":1704067201000,"acc_trade_price_24h":10}`
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(state.Config{BookDepth: 15, TradeWindowMax: 5 * time.Minute, CandleSeriesLen: 30}, time.Second)
	_, err := reg.Add("KRW-BTC")
	require.NoError(t, err)
	return reg
}

func TestPipeline_Process(t *testing.T) {
	reg := newTestRegistry(t)
	p := NewPipeline(data.NewReplayProvider(nil, 0, false), data.NewUpbitNormalizer(), reg)

	p.Process([]byte(bookFrame))
	p.Process([]byte(tradeFrame))
	p.Process([]byte(staleTradeFrame))
	p.Process([]byte(`{"type":"trade","code":"KRW-BTC"}`))
	p.Process([]byte(`not json`))
	p.Process([]byte(otherSymbolFrame))

	s := p.Stats()
	assert.Equal(t, int64(6), s.Frames)
	assert.Equal(t, int64(2), s.Applied)
	assert.Equal(t, int64(1), s.Dropped)
	assert.Equal(t, int64(2), s.Malformed)
	assert.Equal(t, int64(1), s.Unrouted)

	cell, err := reg.Lookup("KRW-BTC")
	require.NoError(t, err)
	snap := cell.Snapshot()
	require.Len(t, snap.Trades, 1)
	assert.Equal(t, int64(10), snap.TradeSequence)
	assert.Equal(t, 50000000.0, snap.Book.Bids[0].Price)
}

func TestPipeline_StartStop(t *testing.T) {
	reg := newTestRegistry(t)
	frames := [][]byte{[]byte(bookFrame), []byte(`{"type":`), []byte(tradeFrame), []byte(otherSymbolFrame)}
	provider := data.NewReplayProvider(frames, 0, false)
	p := NewPipeline(provider, data.NewUpbitNormalizer(), reg)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx, []string{"KRW-BTC"}))
	assert.Error(t, p.Start(ctx, []string{"KRW-BTC"}))

	// the KRW-ETH ticker is filtered out by the provider subscription
	assert.Eventually(t, func() bool {
		return p.Stats().Frames == 3
	}, 2*time.Second, 10*time.Millisecond)

	s := p.Stats()
	assert.Equal(t, int64(2), s.Applied)
	assert.Equal(t, int64(1), s.Malformed)
	assert.Zero(t, s.Unrouted)

	require.NoError(t, p.Stop())
	assert.False(t, provider.IsConnected())
	require.NoError(t, p.Stop())
}
