package metrics

import (
	"math"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/shopspring/decimal"
)

var bpsFactor = decimal.NewFromInt(10000)

// Slippage walks the opposite side of the book with a market order of
// orderSizeKRW notional. BUY consumes asks, SELL consumes bids.
//
// A level is consumed fully while its notional fits the remaining order;
// the remainder is converted to quantity at the price of the first level it
// does not fit. When the book runs out the result is a partial fill.
func Slippage(book state.BookView, orderSizeKRW float64, side models.Side) (models.SlippageMetric, error) {
	m := models.SlippageMetric{
		MetricStatus: models.MetricStatus{AsOf: book.UpdatedAt},
		OrderSizeKRW: orderSizeKRW,
		Side:         side,
	}

	if !(orderSizeKRW > 0) || math.IsInf(orderSizeKRW, 0) {
		err := models.InvalidRequest("order size must be a positive finite number, got %v", orderSizeKRW)
		m.Unavailable(err)
		return m, err
	}

	var levels []models.OrderBookLevel
	switch side {
	case models.SideBuy:
		levels = book.Asks
	case models.SideSell:
		levels = book.Bids
	default:
		m.Unavailable(models.ErrInvalidSide)
		return m, models.ErrInvalidSide
	}
	if len(levels) == 0 {
		err := models.InsufficientData(MetricSlippage, "no liquidity on "+string(side)+" side")
		m.Unavailable(err)
		return m, err
	}

	order := decimal.NewFromFloat(orderSizeKRW)
	remaining := order
	cost := decimal.Zero
	qty := decimal.Zero
	var best decimal.Decimal

	for _, level := range levels {
		if !remaining.IsPositive() {
			break
		}
		price := decimal.NewFromFloat(level.Price)
		size := decimal.NewFromFloat(level.Size)
		if !price.IsPositive() || !size.IsPositive() {
			continue
		}
		if m.LevelsConsumed == 0 {
			best = price
		}
		m.LevelsConsumed++

		notional := price.Mul(size)
		if notional.LessThanOrEqual(remaining) {
			cost = cost.Add(notional)
			qty = qty.Add(size)
			remaining = remaining.Sub(notional)
			continue
		}
		cost = cost.Add(remaining)
		qty = qty.Add(remaining.Div(price))
		remaining = decimal.Zero
	}

	if !qty.IsPositive() {
		err := models.InsufficientData(MetricSlippage, "no fillable size")
		m.Unavailable(err)
		return m, err
	}

	vwap := best
	if m.LevelsConsumed > 1 {
		vwap = cost.Div(qty)
	}

	var bps decimal.Decimal
	if side == models.SideBuy {
		bps = vwap.Sub(best).Div(best).Mul(bpsFactor)
	} else {
		bps = best.Sub(vwap).Div(best).Mul(bpsFactor)
	}
	if bps.IsNegative() {
		bps = decimal.Zero
	}

	m.Available = true
	m.BestPrice = best.InexactFloat64()
	m.VWAP = vwap.InexactFloat64()
	m.SlippageBps = bps.InexactFloat64()
	m.FilledKRW = cost.InexactFloat64()
	if remaining.IsPositive() {
		m.PartialFill = true
		m.UnfilledKRW = remaining.InexactFloat64()
	}
	return m, nil
}
