package metrics

import (
	"fmt"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// TIKey returns the flattened name of the trade imbalance for a window
func TIKey(windowSec int) string {
	return fmt.Sprintf("ti_%ds", windowSec)
}

// Values flattens the available scalar metrics of a snapshot into a
// name -> value map. Unavailable metrics are omitted.
func Values(ms *models.MetricsSnapshot) map[string]float64 {
	values := make(map[string]float64, 16)
	if ms == nil {
		return values
	}

	if ms.Spread.Available {
		values["spread"] = ms.Spread.Spread
		values["spread_bps"] = ms.Spread.SpreadBps
		values["mid_price"] = ms.Spread.MidPrice
		if ms.Spread.SpreadBpsEMA10s != nil {
			values["spread_bps_ema_10s"] = *ms.Spread.SpreadBpsEMA10s
		}
		if ms.Spread.SpreadBpsP95_5m != nil {
			values["spread_bps_p95_5m"] = *ms.Spread.SpreadBpsP95_5m
		}
	}

	if ms.OrderBookImbalance.Available {
		values["imbalance"] = ms.OrderBookImbalance.Imbalance
		if ms.OrderBookImbalance.ImbalanceEMA5s != nil {
			values["imbalance_ema_5s"] = *ms.OrderBookImbalance.ImbalanceEMA5s
		}
		if ms.OrderBookImbalance.ImbalanceEMA30s != nil {
			values["imbalance_ema_30s"] = *ms.OrderBookImbalance.ImbalanceEMA30s
		}
	}

	if ms.Slippage != nil && ms.Slippage.Available {
		values["slippage_bps"] = ms.Slippage.SlippageBps
	}

	for _, ti := range ms.TradeImbalance {
		if ti.NoData {
			continue
		}
		values[TIKey(ti.WindowSec)] = ti.TI
	}

	if ms.Volatility.Available {
		values["volatility"] = ms.Volatility.Volatility
		values["range_1m"] = ms.Volatility.Range1m
	}

	if ms.Liquidity.Available {
		values["acc_trade_price_24h"] = ms.Liquidity.AccTradePrice24h
	}
	return values
}
