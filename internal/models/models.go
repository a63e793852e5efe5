package models

import (
	"regexp"
	"strings"
	"time"
)

// Channel identifies an inbound stream type
type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelTrade     Channel = "trade"
	ChannelCandle    Channel = "candle"
	ChannelTicker    Channel = "ticker"
)

// Channels lists every channel in a stable order
var Channels = []Channel{ChannelOrderBook, ChannelTrade, ChannelCandle, ChannelTicker}

// BookSide is the side of an order book level
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// Side is a trade aggressor side or an order side for slippage
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide parses BUY/SELL case-insensitively
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", ErrInvalidSide
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}-[A-Z0-9]{1,15}$`)

// NormalizeSymbol upper-cases and validates a market code such as KRW-BTC
func NormalizeSymbol(s string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if !symbolPattern.MatchString(code) {
		return "", ErrInvalidSymbol
	}
	return code, nil
}

// Symbol is a monitored market
type Symbol struct {
	Code      string    `json:"symbol" db:"symbol"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event is implemented by the four canonical inbound event types
type Event interface {
	EventSymbol() string
	EventChannel() Channel
	EventSequence() int64
	EventTime() time.Time
}

// OrderBookLevel is a single price level
type OrderBookLevel struct {
	Price float64  `json:"price"`
	Size  float64  `json:"size"`
	Side  BookSide `json:"side"`
}

// OrderBookEvent is a full book snapshot or an incremental delta.
// In a delta a level with Size 0 removes the price.
type OrderBookEvent struct {
	Symbol    string           `json:"symbol"`
	Timestamp time.Time        `json:"timestamp"`
	Sequence  int64            `json:"sequence"`
	Snapshot  bool             `json:"snapshot"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

func (e *OrderBookEvent) EventSymbol() string   { return e.Symbol }
func (e *OrderBookEvent) EventChannel() Channel { return ChannelOrderBook }
func (e *OrderBookEvent) EventSequence() int64  { return e.Sequence }
func (e *OrderBookEvent) EventTime() time.Time  { return e.Timestamp }

// TradeEvent is a single trade print
type TradeEvent struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      Side      `json:"side"` // aggressor
	TradeID   string    `json:"trade_id"`
	Sequence  int64     `json:"sequence"`
}

func (e *TradeEvent) EventSymbol() string   { return e.Symbol }
func (e *TradeEvent) EventChannel() Channel { return ChannelTrade }
func (e *TradeEvent) EventSequence() int64  { return e.Sequence }
func (e *TradeEvent) EventTime() time.Time  { return e.Timestamp }

// Validate validates a TradeEvent
func (e *TradeEvent) Validate() error {
	if e.Symbol == "" {
		return ErrInvalidSymbol
	}
	if e.Price <= 0 {
		return ErrInvalidPrice
	}
	if e.Size < 0 {
		return ErrInvalidSize
	}
	if e.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	if e.Side != SideBuy && e.Side != SideSell {
		return ErrInvalidSide
	}
	return nil
}

// CandleBar is an OHLCV bar. OpenTime identifies the bar; updates for the
// same OpenTime replace the in-progress bar.
type CandleBar struct {
	Symbol    string        `json:"symbol"`
	Interval  time.Duration `json:"interval"`
	OpenTime  time.Time     `json:"open_time"`
	Open      float64       `json:"open"`
	High      float64       `json:"high"`
	Low       float64       `json:"low"`
	Close     float64       `json:"close"`
	Volume    float64       `json:"volume"`
	Timestamp time.Time     `json:"timestamp"`
	Sequence  int64         `json:"sequence"`
}

func (e *CandleBar) EventSymbol() string   { return e.Symbol }
func (e *CandleBar) EventChannel() Channel { return ChannelCandle }
func (e *CandleBar) EventSequence() int64  { return e.Sequence }
func (e *CandleBar) EventTime() time.Time  { return e.Timestamp }

// Validate validates a CandleBar
func (e *CandleBar) Validate() error {
	if e.Symbol == "" {
		return ErrInvalidSymbol
	}
	if e.OpenTime.IsZero() || e.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	if e.Open <= 0 || e.Close <= 0 || e.High < e.Low {
		return ErrInvalidPrice
	}
	if e.Volume < 0 {
		return ErrInvalidSize
	}
	return nil
}

// TickerEvent carries the rolling 24h ticker summary
type TickerEvent struct {
	Symbol            string    `json:"symbol"`
	Timestamp         time.Time `json:"timestamp"`
	TradePrice        float64   `json:"trade_price"`
	AccTradePrice24h  float64   `json:"acc_trade_price_24h"`
	AccTradeVolume24h float64   `json:"acc_trade_volume_24h"`
	Sequence          int64     `json:"sequence"`
}

func (e *TickerEvent) EventSymbol() string   { return e.Symbol }
func (e *TickerEvent) EventChannel() Channel { return ChannelTicker }
func (e *TickerEvent) EventSequence() int64  { return e.Sequence }
func (e *TickerEvent) EventTime() time.Time  { return e.Timestamp }
