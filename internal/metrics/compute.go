package metrics

import (
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
)

// Compute evaluates every metric against one immutable cell snapshot.
// A metric that cannot be computed is returned with Available=false and the
// reason; Compute itself never fails. Freshness is left to the caller.
func Compute(snap *state.Snapshot, p Params) *models.MetricsSnapshot {
	out := &models.MetricsSnapshot{
		Symbol:     snap.Symbol,
		ComputedAt: p.Now,
		Version:    snap.Version,
	}

	out.Spread, _ = Spread(snap.Book)
	out.OrderBookImbalance, _ = Imbalance(snap.Book, p.ImbalanceLevels)

	if p.OrderSizeKRW > 0 {
		side := p.Side
		if side == "" {
			side = models.SideBuy
		}
		slip, _ := Slippage(snap.Book, p.OrderSizeKRW, side)
		out.Slippage = &slip
	}

	out.TradeImbalance = TradeImbalances(snap.Trades, p.Now, p.TIWindows)
	out.Volatility, _ = Volatility(snap.Candles, p.Annualization)
	out.Liquidity, _ = Liquidity(snap.Ticker)
	return out
}
