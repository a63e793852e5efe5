package metrics

import (
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// Metric names used in InsufficientData reasons and flattened value maps
const (
	MetricSpread         = "spread"
	MetricImbalance      = "orderbook_imbalance"
	MetricSlippage       = "slippage"
	MetricTradeImbalance = "trade_imbalance"
	MetricVolatility     = "volatility"
	MetricLiquidity      = "liquidity"
)

// Params controls one Compute call
type Params struct {
	Now time.Time

	// OrderSizeKRW > 0 enables the slippage metric
	OrderSizeKRW float64
	Side         models.Side

	TIWindows []int

	// ImbalanceLevels <= 0 uses every level of the book
	ImbalanceLevels int

	// Annualization multiplies volatility; 0 is treated as 1
	Annualization float64
}

// ParamsFromEngine returns Params carrying the engine defaults
func ParamsFromEngine(cfg config.EngineConfig, now time.Time) Params {
	return Params{
		Now:             now,
		Side:            models.SideBuy,
		TIWindows:       append([]int(nil), cfg.DefaultTIWindows...),
		ImbalanceLevels: cfg.ImbalanceLevels,
		Annualization:   cfg.VolatilityAnnualization,
	}
}
