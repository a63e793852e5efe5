package metrics

import (
	"math"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/pkg/indicator"
)

const (
	shortVolReturns = 15
	longVolReturns  = 30
	rangeMeanBars   = 15
)

// Volatility computes the sample standard deviation of close-to-close log
// returns scaled by annualization, plus the relative range of the latest bar
// and its 15-bar mean. Fewer than two bars is insufficient.
func Volatility(candles []models.CandleBar, annualization float64) (models.VolatilityMetric, error) {
	m := models.VolatilityMetric{Bars: len(candles)}
	if len(candles) > 0 {
		m.AsOf = candles[len(candles)-1].Timestamp
	}
	if len(candles) < 2 {
		err := models.InsufficientData(MetricVolatility, "need at least 2 bars")
		m.Unavailable(err)
		return m, err
	}
	if annualization <= 0 {
		annualization = 1
	}

	returns := LogReturns(candles)
	if len(returns) == 0 {
		err := models.InsufficientData(MetricVolatility, "no valid close prices")
		m.Unavailable(err)
		return m, err
	}

	std, _ := indicator.SampleStdDev(returns)
	m.Available = true
	m.Volatility = std * annualization

	if len(returns) >= 2 {
		m.Vol15m = tailStdDev(returns, shortVolReturns, annualization)
		m.Vol30m = tailStdDev(returns, longVolReturns, annualization)
	}

	series := indicator.NewSeries(candles)
	if r, ok := indicator.LastRange(series); ok {
		m.Range1m = r
	}
	if mean, ok := indicator.RangeMean(series, rangeMeanBars); ok {
		m.Range1mMean15m = &mean
	}
	return m, nil
}

// LogReturns returns ln(close[i]/close[i-1]) for consecutive bars with
// positive closes.
func LogReturns(candles []models.CandleBar) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].Close, candles[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

func tailStdDev(returns []float64, n int, scale float64) *float64 {
	if len(returns) > n {
		returns = returns[len(returns)-n:]
	}
	std, ok := indicator.SampleStdDev(returns)
	if !ok {
		return nil
	}
	v := std * scale
	return &v
}

// Liquidity reports the 24h traded value from the latest ticker
func Liquidity(ticker *models.TickerEvent) (models.LiquidityMetric, error) {
	if ticker == nil {
		m := models.LiquidityMetric{}
		err := models.InsufficientData(MetricLiquidity, "no ticker received")
		m.Unavailable(err)
		return m, err
	}
	return models.LiquidityMetric{
		MetricStatus:      models.MetricStatus{Available: true, AsOf: ticker.Timestamp},
		AccTradePrice24h:  ticker.AccTradePrice24h,
		AccTradeVolume24h: ticker.AccTradeVolume24h,
	}, nil
}
