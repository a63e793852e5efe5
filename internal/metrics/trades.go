package metrics

import (
	"sort"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// TradeImbalance computes the buy share of traded size over [now-window, now].
// trades must be ordered oldest first. A window without trades reports
// ti = 0.5 with NoData set.
func TradeImbalance(trades []models.TradeEvent, now time.Time, windowSec int) models.TradeImbalanceMetric {
	m := models.TradeImbalanceMetric{
		MetricStatus: models.MetricStatus{Available: true},
		WindowSec:    windowSec,
	}

	from := now.Add(-time.Duration(windowSec) * time.Second)
	start := sort.Search(len(trades), func(i int) bool {
		return !trades[i].Timestamp.Before(from)
	})

	for i := start; i < len(trades); i++ {
		t := trades[i]
		if t.Timestamp.After(now) {
			break
		}
		switch t.Side {
		case models.SideBuy:
			m.BuyVolume += t.Size
		case models.SideSell:
			m.SellVolume += t.Size
		}
		m.TradeCount++
		m.AsOf = t.Timestamp
	}

	total := m.BuyVolume + m.SellVolume
	m.CVD = m.BuyVolume - m.SellVolume
	if total <= 0 {
		m.TI = 0.5
		m.NoData = true
		return m
	}
	m.TI = m.BuyVolume / total
	return m
}

// TradeImbalances computes TradeImbalance for each distinct window, in the
// order given.
func TradeImbalances(trades []models.TradeEvent, now time.Time, windows []int) []models.TradeImbalanceMetric {
	out := make([]models.TradeImbalanceMetric, 0, len(windows))
	seen := make(map[int]bool, len(windows))
	for _, w := range windows {
		if w <= 0 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, TradeImbalance(trades, now, w))
	}
	return out
}
