package models

import "time"

// MetricStatus is embedded in every metric result
type MetricStatus struct {
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	Stale     bool      `json:"stale"`
	AsOf      time.Time `json:"as_of"`
}

// Unavailable marks the metric as not computable from the current state
func (s *MetricStatus) Unavailable(err error) {
	s.Available = false
	if err != nil {
		s.Reason = err.Error()
	}
}

// SpreadMetric is the top-of-book spread
type SpreadMetric struct {
	MetricStatus
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Spread    float64 `json:"spread"`
	SpreadBps float64 `json:"spread_bps"`
	MidPrice  float64 `json:"mid_price"`

	SpreadBpsEMA10s *float64 `json:"spread_bps_ema_10s,omitempty"`
	SpreadBpsP95_5m *float64 `json:"spread_bps_p95_5m,omitempty"`
}

// ImbalanceMetric is the resting-size imbalance over the top levels
type ImbalanceMetric struct {
	MetricStatus
	Imbalance float64 `json:"imbalance"`
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
	Levels    int     `json:"levels"`

	ImbalanceEMA5s  *float64 `json:"imbalance_ema_5s,omitempty"`
	ImbalanceEMA30s *float64 `json:"imbalance_ema_30s,omitempty"`
}

// SlippageMetric is the expected slippage of a hypothetical market order
type SlippageMetric struct {
	MetricStatus
	OrderSizeKRW   float64 `json:"order_size_krw"`
	Side           Side    `json:"side"`
	SlippageBps    float64 `json:"slippage_bps"`
	VWAP           float64 `json:"vwap"`
	BestPrice      float64 `json:"best_price"`
	PartialFill    bool    `json:"partial_fill"`
	FilledKRW      float64 `json:"filled_krw"`
	UnfilledKRW    float64 `json:"unfilled_krw"`
	LevelsConsumed int     `json:"levels_consumed"`
}

// TradeImbalanceMetric is the buy share of traded volume over one window
type TradeImbalanceMetric struct {
	MetricStatus
	WindowSec  int     `json:"window_sec"`
	TI         float64 `json:"ti"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	CVD        float64 `json:"cvd"`
	TradeCount int     `json:"trade_count"`
	NoData     bool    `json:"no_data"`
}

// VolatilityMetric summarises candle-based volatility
type VolatilityMetric struct {
	MetricStatus
	Volatility     float64  `json:"volatility"`
	Vol15m         *float64 `json:"volatility_15m,omitempty"`
	Vol30m         *float64 `json:"volatility_30m,omitempty"`
	Range1m        float64  `json:"range_1m"`
	Range1mMean15m *float64 `json:"range_1m_mean_15m,omitempty"`
	Bars           int      `json:"bars"`
}

// LiquidityMetric is the 24h traded value from the ticker
type LiquidityMetric struct {
	MetricStatus
	AccTradePrice24h  float64 `json:"acc_trade_price_24h"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
}

// SourceFreshness is the recency of one input channel
type SourceFreshness struct {
	LastUpdate *time.Time `json:"last_update,omitempty"`
	AgeMs      int64      `json:"age_ms"`
	Stale      bool       `json:"stale"`
}

// MetricsSnapshot is a computed bundle for one symbol at one instant
type MetricsSnapshot struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	ComputedAt time.Time `json:"computed_at"`
	Version    uint64    `json:"version"`

	Spread             SpreadMetric           `json:"spread"`
	OrderBookImbalance ImbalanceMetric        `json:"orderbook_imbalance"`
	Slippage           *SlippageMetric        `json:"slippage,omitempty"`
	TradeImbalance     []TradeImbalanceMetric `json:"trade_imbalance"`
	Volatility         VolatilityMetric       `json:"volatility"`
	Liquidity          LiquidityMetric        `json:"liquidity"`

	Freshness   map[Channel]SourceFreshness `json:"freshness"`
	FreshnessMs int64                       `json:"freshness_ms"`
	StalenessMs int64                       `json:"staleness_ms"`
	IsFresh     bool                        `json:"is_fresh"`

	// Error is set instead of metrics when a symbol in a multi-symbol
	// request could not be served
	Error string `json:"error,omitempty"`
}

// TradeImbalanceFor returns the entry for a window length
func (m *MetricsSnapshot) TradeImbalanceFor(windowSec int) (TradeImbalanceMetric, bool) {
	for _, ti := range m.TradeImbalance {
		if ti.WindowSec == windowSec {
			return ti, true
		}
	}
	return TradeImbalanceMetric{}, false
}

// StatSummary aggregates a metric over a look-back
type StatSummary struct {
	Last  float64 `json:"last"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P95   float64 `json:"p95"`
	Count int     `json:"count"`
}

// WindowSummary aggregates trade imbalance for one window
type WindowSummary struct {
	WindowSec int     `json:"window_sec"`
	Last      float64 `json:"last"`
	Mean      float64 `json:"mean"`
	Count     int     `json:"count"`
	Source    string  `json:"source"` // "persisted" or "live"
}

// MetricsSummary is the answer to a look-back summary query
type MetricsSummary struct {
	Symbol      string    `json:"symbol"`
	LookbackSec int       `json:"lookback_sec"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Samples     int       `json:"samples"`

	SpreadBps       *StatSummary      `json:"spread_bps,omitempty"`
	Imbalance       *StatSummary      `json:"imbalance,omitempty"`
	ImbalanceEMA30s *float64          `json:"imbalance_ema_30s,omitempty"`
	TradeImbalance  []WindowSummary   `json:"trade_imbalance"`
	Slippage        *SlippageMetric   `json:"slippage,omitempty"`
	Volatility      *VolatilityMetric `json:"volatility,omitempty"`
	Liquidity       *LiquidityMetric  `json:"liquidity,omitempty"`
}
