package metrics

import (
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
)

// Spread computes the top-of-book spread, spread in basis points of mid and
// the mid price.
func Spread(book state.BookView) (models.SpreadMetric, error) {
	m := models.SpreadMetric{MetricStatus: models.MetricStatus{AsOf: book.UpdatedAt}}

	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		err := models.InsufficientData(MetricSpread, "order book side empty")
		m.Unavailable(err)
		return m, err
	}

	mid := (ask.Price + bid.Price) / 2
	m.Available = true
	m.BestBid = bid.Price
	m.BestAsk = ask.Price
	m.Spread = ask.Price - bid.Price
	m.MidPrice = mid
	if mid > 0 {
		m.SpreadBps = m.Spread / mid * 10000
	}
	return m, nil
}

// Imbalance computes Σbid / (Σbid + Σask) over the top levels of each side.
// levels <= 0 uses the whole bounded book.
func Imbalance(book state.BookView, levels int) (models.ImbalanceMetric, error) {
	m := models.ImbalanceMetric{MetricStatus: models.MetricStatus{AsOf: book.UpdatedAt}}

	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		err := models.InsufficientData(MetricImbalance, "order book empty")
		m.Unavailable(err)
		return m, err
	}

	bids := topLevels(book.Bids, levels)
	asks := topLevels(book.Asks, levels)
	for _, l := range bids {
		m.BidVolume += l.Size
	}
	for _, l := range asks {
		m.AskVolume += l.Size
	}
	m.Levels = len(bids)
	if len(asks) > m.Levels {
		m.Levels = len(asks)
	}

	total := m.BidVolume + m.AskVolume
	if total <= 0 {
		err := models.InsufficientData(MetricImbalance, "zero resting size")
		m.Unavailable(err)
		return m, err
	}
	m.Available = true
	m.Imbalance = m.BidVolume / total
	return m, nil
}

func topLevels(levels []models.OrderBookLevel, n int) []models.OrderBookLevel {
	if n <= 0 || n >= len(levels) {
		return levels
	}
	return levels[:n]
}
