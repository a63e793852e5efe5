package indicator

import (
	"fmt"
	"math"
	"time"
)

// EMA is an exponential moving average over irregularly spaced samples.
// The smoothing factor depends on the elapsed time between samples:
//
//	alpha = 1 - exp(-dt / tau)
//
// so a sample arriving after one time constant moves the average ~63% of
// the way towards it.
type EMA struct {
	name  string
	tau   time.Duration
	value float64
	last  time.Time
	ready bool
	count int
}

// NewEMA creates an EMA with time constant tau
func NewEMA(name string, tau time.Duration) (*EMA, error) {
	if tau <= 0 {
		return nil, fmt.Errorf("EMA time constant must be positive, got %s", tau)
	}
	return &EMA{name: name, tau: tau}, nil
}

// Name returns the indicator name (e.g. "spread_bps_ema_10s")
func (e *EMA) Name() string {
	return e.name
}

// Update folds in a sample observed at t and returns the new average.
// Samples older than the previous one are ignored.
func (e *EMA) Update(t time.Time, x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return e.value
	}
	if !e.ready {
		e.value = x
		e.last = t
		e.ready = true
		e.count++
		return e.value
	}
	dt := t.Sub(e.last)
	if dt < 0 {
		return e.value
	}
	alpha := 1 - math.Exp(-float64(dt)/float64(e.tau))
	e.value += alpha * (x - e.value)
	e.last = t
	e.count++
	return e.value
}

// Value returns the current average
func (e *EMA) Value() (float64, bool) {
	return e.value, e.ready
}

// Reset clears the EMA state
func (e *EMA) Reset() {
	e.value = 0
	e.last = time.Time{}
	e.ready = false
	e.count = 0
}

// IsReady returns true once a sample has been seen
func (e *EMA) IsReady() bool {
	return e.ready
}

// SamplesProcessed returns the number of samples folded in
func (e *EMA) SamplesProcessed() int {
	return e.count
}
