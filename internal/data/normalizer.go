package data

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/shopspring/decimal"
)

// Upbit message type values
const (
	upbitTypeOrderBook = "orderbook"
	upbitTypeTrade     = "trade"
	upbitTypeTicker    = "ticker"
	upbitTypeCandle1m  = "candle.1m"

	candleTimeLayout = "2006-01-02T15:04:05"
)

// Normalizer turns raw provider frames into canonical events
type Normalizer interface {
	// Normalize converts one frame. channel may be empty, in which case it
	// is detected from the frame.
	Normalize(channel models.Channel, raw []byte) (models.Event, error)

	// GetProviderName returns the name of the provider this normalizer handles
	GetProviderName() string
}

// UpbitNormalizer parses Upbit DEFAULT-format WebSocket messages. It holds
// no state.
type UpbitNormalizer struct{}

// NewUpbitNormalizer creates an Upbit normalizer
func NewUpbitNormalizer() *UpbitNormalizer {
	return &UpbitNormalizer{}
}

// GetProviderName returns the provider name
func (n *UpbitNormalizer) GetProviderName() string {
	return "upbit"
}

// ChannelForType maps an Upbit "type" value to a channel
func ChannelForType(upbitType string) (models.Channel, bool) {
	switch upbitType {
	case upbitTypeOrderBook:
		return models.ChannelOrderBook, true
	case upbitTypeTrade:
		return models.ChannelTrade, true
	case upbitTypeTicker:
		return models.ChannelTicker, true
	case upbitTypeCandle1m:
		return models.ChannelCandle, true
	}
	return "", false
}

type upbitHeader struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Timestamp *int64 `json:"timestamp"`
}

type upbitOrderBookUnit struct {
	AskPrice *decimal.Decimal `json:"ask_price"`
	BidPrice *decimal.Decimal `json:"bid_price"`
	AskSize  *decimal.Decimal `json:"ask_size"`
	BidSize  *decimal.Decimal `json:"bid_size"`
}

type upbitOrderBook struct {
	upbitHeader
	Units []upbitOrderBookUnit `json:"orderbook_units"`
}

type upbitTrade struct {
	upbitHeader
	TradeTimestamp *int64           `json:"trade_timestamp"`
	TradePrice     *decimal.Decimal `json:"trade_price"`
	TradeVolume    *decimal.Decimal `json:"trade_volume"`
	AskBid         string           `json:"ask_bid"`
	SequentialID   *int64           `json:"sequential_id"`
}

type upbitTicker struct {
	upbitHeader
	TradePrice        *decimal.Decimal `json:"trade_price"`
	AccTradePrice24h  *decimal.Decimal `json:"acc_trade_price_24h"`
	AccTradeVolume24h *decimal.Decimal `json:"acc_trade_volume_24h"`
}

type upbitCandle struct {
	upbitHeader
	CandleTimeUTC string           `json:"candle_date_time_utc"`
	Open          *decimal.Decimal `json:"opening_price"`
	High          *decimal.Decimal `json:"high_price"`
	Low           *decimal.Decimal `json:"low_price"`
	Close         *decimal.Decimal `json:"trade_price"`
	Volume        *decimal.Decimal `json:"candle_acc_trade_volume"`
}

// Normalize converts a raw Upbit message to exactly one event or a
// *models.MalformedEventError
func (n *UpbitNormalizer) Normalize(channel models.Channel, raw []byte) (models.Event, error) {
	if len(raw) == 0 {
		return nil, models.Malformed(channel, "empty message")
	}

	var hdr upbitHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, models.Malformed(channel, "invalid json: %v", err)
	}

	detected, ok := ChannelForType(hdr.Type)
	switch {
	case channel == "" && !ok:
		return nil, models.Malformed("", "unsupported message type %q", hdr.Type)
	case channel == "":
		channel = detected
	case hdr.Type != "" && (!ok || detected != channel):
		return nil, models.Malformed(channel, "message type %q does not match channel", hdr.Type)
	}

	switch channel {
	case models.ChannelOrderBook:
		return n.orderBook(raw)
	case models.ChannelTrade:
		return n.trade(raw)
	case models.ChannelTicker:
		return n.ticker(raw)
	case models.ChannelCandle:
		return n.candle(raw)
	}
	return nil, models.Malformed(channel, "unsupported channel")
}

func (h upbitHeader) validate(ch models.Channel) (string, time.Time, error) {
	code := strings.ToUpper(strings.TrimSpace(h.Code))
	if code == "" {
		return "", time.Time{}, models.Malformed(ch, "missing code")
	}
	if h.Timestamp == nil || *h.Timestamp <= 0 {
		return "", time.Time{}, models.Malformed(ch, "missing timestamp")
	}
	return code, time.UnixMilli(*h.Timestamp).UTC(), nil
}

func (n *UpbitNormalizer) orderBook(raw []byte) (models.Event, error) {
	ch := models.ChannelOrderBook
	var msg upbitOrderBook
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, models.Malformed(ch, "invalid json: %v", err)
	}
	code, ts, err := msg.validate(ch)
	if err != nil {
		return nil, err
	}
	if len(msg.Units) == 0 {
		return nil, models.Malformed(ch, "missing orderbook_units")
	}

	ev := &models.OrderBookEvent{
		Symbol:    code,
		Timestamp: ts,
		Sequence:  *msg.Timestamp,
		Snapshot:  true,
		Bids:      make([]models.OrderBookLevel, 0, len(msg.Units)),
		Asks:      make([]models.OrderBookLevel, 0, len(msg.Units)),
	}

	var lastAsk, lastBid decimal.Decimal
	for i, u := range msg.Units {
		if u.AskPrice == nil || u.BidPrice == nil || u.AskSize == nil || u.BidSize == nil {
			return nil, models.Malformed(ch, "unit %d: missing field", i)
		}
		if !u.AskPrice.IsPositive() || !u.BidPrice.IsPositive() {
			return nil, models.Malformed(ch, "unit %d: non-positive price", i)
		}
		if u.AskSize.IsNegative() || u.BidSize.IsNegative() {
			return nil, models.Malformed(ch, "unit %d: negative size", i)
		}
		if i > 0 {
			if !u.AskPrice.GreaterThan(lastAsk) {
				return nil, models.Malformed(ch, "unit %d: ask prices not ascending", i)
			}
			if !u.BidPrice.LessThan(lastBid) {
				return nil, models.Malformed(ch, "unit %d: bid prices not descending", i)
			}
		}
		lastAsk, lastBid = *u.AskPrice, *u.BidPrice

		ev.Asks = append(ev.Asks, models.OrderBookLevel{
			Price: u.AskPrice.InexactFloat64(),
			Size:  u.AskSize.InexactFloat64(),
			Side:  models.BookSideAsk,
		})
		ev.Bids = append(ev.Bids, models.OrderBookLevel{
			Price: u.BidPrice.InexactFloat64(),
			Size:  u.BidSize.InexactFloat64(),
			Side:  models.BookSideBid,
		})
	}
	return ev, nil
}

func (n *UpbitNormalizer) trade(raw []byte) (models.Event, error) {
	ch := models.ChannelTrade
	var msg upbitTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, models.Malformed(ch, "invalid json: %v", err)
	}
	code, ts, err := msg.validate(ch)
	if err != nil {
		return nil, err
	}
	if msg.TradeTimestamp != nil && *msg.TradeTimestamp > 0 {
		ts = time.UnixMilli(*msg.TradeTimestamp).UTC()
	}
	if msg.TradePrice == nil || !msg.TradePrice.IsPositive() {
		return nil, models.Malformed(ch, "missing or non-positive trade_price")
	}
	if msg.TradeVolume == nil || !msg.TradeVolume.IsPositive() {
		return nil, models.Malformed(ch, "missing or non-positive trade_volume")
	}
	if msg.SequentialID == nil {
		return nil, models.Malformed(ch, "missing sequential_id")
	}

	var side models.Side
	switch strings.ToUpper(msg.AskBid) {
	case "BID":
		side = models.SideBuy
	case "ASK":
		side = models.SideSell
	default:
		return nil, models.Malformed(ch, "invalid ask_bid %q", msg.AskBid)
	}

	return &models.TradeEvent{
		Symbol:    code,
		Timestamp: ts,
		Price:     msg.TradePrice.InexactFloat64(),
		Size:      msg.TradeVolume.InexactFloat64(),
		Side:      side,
		TradeID:   strconv.FormatInt(*msg.SequentialID, 10),
		Sequence:  *msg.SequentialID,
	}, nil
}

func (n *UpbitNormalizer) ticker(raw []byte) (models.Event, error) {
	ch := models.ChannelTicker
	var msg upbitTicker
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, models.Malformed(ch, "invalid json: %v", err)
	}
	code, ts, err := msg.validate(ch)
	if err != nil {
		return nil, err
	}
	if msg.AccTradePrice24h == nil || msg.AccTradePrice24h.IsNegative() {
		return nil, models.Malformed(ch, "missing or negative acc_trade_price_24h")
	}

	ev := &models.TickerEvent{
		Symbol:           code,
		Timestamp:        ts,
		AccTradePrice24h: msg.AccTradePrice24h.InexactFloat64(),
		Sequence:         *msg.Timestamp,
	}
	if msg.TradePrice != nil {
		if msg.TradePrice.IsNegative() {
			return nil, models.Malformed(ch, "negative trade_price")
		}
		ev.TradePrice = msg.TradePrice.InexactFloat64()
	}
	if msg.AccTradeVolume24h != nil {
		if msg.AccTradeVolume24h.IsNegative() {
			return nil, models.Malformed(ch, "negative acc_trade_volume_24h")
		}
		ev.AccTradeVolume24h = msg.AccTradeVolume24h.InexactFloat64()
	}
	return ev, nil
}

func (n *UpbitNormalizer) candle(raw []byte) (models.Event, error) {
	ch := models.ChannelCandle
	var msg upbitCandle
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, models.Malformed(ch, "invalid json: %v", err)
	}
	code, ts, err := msg.validate(ch)
	if err != nil {
		return nil, err
	}
	openTime, err := time.Parse(candleTimeLayout, msg.CandleTimeUTC)
	if err != nil {
		return nil, models.Malformed(ch, "invalid candle_date_time_utc %q", msg.CandleTimeUTC)
	}
	for name, v := range map[string]*decimal.Decimal{
		"opening_price": msg.Open,
		"high_price":    msg.High,
		"low_price":     msg.Low,
		"trade_price":   msg.Close,
	} {
		if v == nil || !v.IsPositive() {
			return nil, models.Malformed(ch, "missing or non-positive %s", name)
		}
	}
	if msg.High.LessThan(*msg.Low) {
		return nil, models.Malformed(ch, "high below low")
	}

	bar := &models.CandleBar{
		Symbol:    code,
		Interval:  time.Minute,
		OpenTime:  openTime.UTC(),
		Open:      msg.Open.InexactFloat64(),
		High:      msg.High.InexactFloat64(),
		Low:       msg.Low.InexactFloat64(),
		Close:     msg.Close.InexactFloat64(),
		Timestamp: ts,
		Sequence:  *msg.Timestamp,
	}
	if msg.Volume != nil {
		if msg.Volume.IsNegative() {
			return nil, models.Malformed(ch, "negative candle_acc_trade_volume")
		}
		bar.Volume = msg.Volume.InexactFloat64()
	}
	return bar, nil
}
