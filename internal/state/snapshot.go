package state

import (
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// BookView is the bounded top-of-book held by a snapshot.
// Bids are sorted by price descending, asks ascending.
type BookView struct {
	Bids      []models.OrderBookLevel
	Asks      []models.OrderBookLevel
	Sequence  int64
	UpdatedAt time.Time
}

// BestBid returns the highest bid
func (b BookView) BestBid() (models.OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return models.OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask
func (b BookView) BestAsk() (models.OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return models.OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// Snapshot is an immutable point-in-time view of one cell. Callers must not
// modify any slice reachable from it.
type Snapshot struct {
	Symbol  string
	Version uint64

	Book BookView

	// Trades are ordered oldest first
	Trades          []models.TradeEvent
	TradeSequence   int64
	TradesUpdatedAt time.Time

	// Candles are ordered by open time, oldest first
	Candles          []models.CandleBar
	CandleSequence   int64
	CandlesUpdatedAt time.Time

	Ticker          *models.TickerEvent
	TickerSequence  int64
	TickerUpdatedAt time.Time
}

// LastUpdate returns the timestamp of the last applied event of a channel.
// The zero time means nothing has been applied yet.
func (s *Snapshot) LastUpdate(ch models.Channel) time.Time {
	switch ch {
	case models.ChannelOrderBook:
		return s.Book.UpdatedAt
	case models.ChannelTrade:
		return s.TradesUpdatedAt
	case models.ChannelCandle:
		return s.CandlesUpdatedAt
	case models.ChannelTicker:
		return s.TickerUpdatedAt
	}
	return time.Time{}
}

// SourceTimes returns LastUpdate for every channel
func (s *Snapshot) SourceTimes() map[models.Channel]time.Time {
	times := make(map[models.Channel]time.Time, len(models.Channels))
	for _, ch := range models.Channels {
		times[ch] = s.LastUpdate(ch)
	}
	return times
}

// AsOf returns the latest event timestamp across all channels
func (s *Snapshot) AsOf() time.Time {
	var latest time.Time
	for _, ch := range models.Channels {
		if t := s.LastUpdate(ch); t.After(latest) {
			latest = t
		}
	}
	return latest
}
