package indicator

import (
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/sdcoffey/big"
	"github.com/sdcoffey/techan"
)

// rangeIndicator yields (high - low) / open for each candle of a series
type rangeIndicator struct {
	series *techan.TimeSeries
}

// NewRangeIndicator returns a techan indicator of the relative bar range
func NewRangeIndicator(series *techan.TimeSeries) techan.Indicator {
	return rangeIndicator{series: series}
}

func (r rangeIndicator) Calculate(index int) big.Decimal {
	candle := r.series.Candles[index]
	if candle.OpenPrice.IsZero() {
		return big.ZERO
	}
	return candle.MaxPrice.Sub(candle.MinPrice).Div(candle.OpenPrice)
}

// NewSeries converts candle bars into a techan time series. Bars must be
// ordered by open time.
func NewSeries(bars []models.CandleBar) *techan.TimeSeries {
	series := techan.NewTimeSeries()
	for _, bar := range bars {
		interval := bar.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		candle := techan.NewCandle(techan.NewTimePeriod(bar.OpenTime, interval))
		candle.OpenPrice = big.NewDecimal(bar.Open)
		candle.MaxPrice = big.NewDecimal(bar.High)
		candle.MinPrice = big.NewDecimal(bar.Low)
		candle.ClosePrice = big.NewDecimal(bar.Close)
		candle.Volume = big.NewDecimal(bar.Volume)
		series.AddCandle(candle)
	}
	return series
}

// LastRange returns the relative range of the newest bar
func LastRange(series *techan.TimeSeries) (float64, bool) {
	last := series.LastIndex()
	if last < 0 {
		return 0, false
	}
	return NewRangeIndicator(series).Calculate(last).Float(), true
}

// RangeMean returns the simple moving average of the relative bar range over
// the newest window bars. ok is false when fewer than window bars exist.
func RangeMean(series *techan.TimeSeries, window int) (float64, bool) {
	last := series.LastIndex()
	if window <= 0 || last+1 < window {
		return 0, false
	}
	sma := techan.NewSimpleMovingAverage(NewRangeIndicator(series), window)
	return sma.Calculate(last).Float(), true
}
