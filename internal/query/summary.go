package query

import (
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/metrics"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/pkg/indicator"
)

const (
	sourcePersisted = "persisted"
	sourceLive      = "live"
)

// summarize builds the persisted part of a summary. snapshots are ordered
// oldest first.
func summarize(symbol string, lookbackSec int, from, to time.Time, snapshots []*models.MetricsSnapshot) *models.MetricsSummary {
	out := &models.MetricsSummary{
		Symbol:      symbol,
		LookbackSec: lookbackSec,
		From:        from,
		To:          to,
		Samples:     len(snapshots),
	}

	var spreads, imbalances []float64
	for _, snap := range snapshots {
		if snap.Spread.Available {
			spreads = append(spreads, snap.Spread.SpreadBps)
		}
		if snap.OrderBookImbalance.Available {
			imbalances = append(imbalances, snap.OrderBookImbalance.Imbalance)
			if snap.OrderBookImbalance.ImbalanceEMA30s != nil {
				ema := *snap.OrderBookImbalance.ImbalanceEMA30s
				out.ImbalanceEMA30s = &ema
			}
		}
	}
	out.SpreadBps = statSummary(spreads)
	out.Imbalance = statSummary(imbalances)
	return out
}

func statSummary(values []float64) *models.StatSummary {
	if len(values) == 0 {
		return nil
	}
	mean, _ := indicator.Mean(values)
	lo, hi, _ := indicator.MinMax(values)
	p95, _ := indicator.Percentile(values, 95)
	return &models.StatSummary{
		Last:  values[len(values)-1],
		Mean:  mean,
		Min:   lo,
		Max:   hi,
		P95:   p95,
		Count: len(values),
	}
}

// tradeImbalanceSummary reports last/mean TI per window from persisted
// snapshots. Windows the publisher does not persist, or that had no trades
// in the look-back, fall back to the live value.
func tradeImbalanceSummary(snapshots []*models.MetricsSnapshot, trades []models.TradeEvent, now time.Time, windows []int) []models.WindowSummary {
	seen := make(map[int]struct{}, len(windows))
	out := make([]models.WindowSummary, 0, len(windows))
	for _, w := range windows {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}

		var values []float64
		for _, snap := range snapshots {
			ti, ok := snap.TradeImbalanceFor(w)
			if !ok || ti.NoData {
				continue
			}
			values = append(values, ti.TI)
		}

		if len(values) > 0 {
			mean, _ := indicator.Mean(values)
			out = append(out, models.WindowSummary{
				WindowSec: w,
				Last:      values[len(values)-1],
				Mean:      mean,
				Count:     len(values),
				Source:    sourcePersisted,
			})
			continue
		}

		live := metrics.TradeImbalance(trades, now, w)
		ws := models.WindowSummary{WindowSec: w, Last: live.TI, Mean: live.TI, Source: sourceLive}
		if !live.NoData {
			ws.Count = 1
		}
		out = append(out, ws)
	}
	return out
}
