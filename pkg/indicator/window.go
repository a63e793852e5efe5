package indicator

import (
	"time"
)

type sample struct {
	at    time.Time
	value float64
}

// RollingWindow keeps samples no older than span relative to the newest one
type RollingWindow struct {
	span    time.Duration
	samples []sample
}

// NewRollingWindow creates a window covering span
func NewRollingWindow(span time.Duration) *RollingWindow {
	return &RollingWindow{span: span}
}

// Add appends a sample and evicts expired ones. Out-of-order samples are
// dropped.
func (w *RollingWindow) Add(at time.Time, value float64) {
	if n := len(w.samples); n > 0 && at.Before(w.samples[n-1].at) {
		return
	}
	w.samples = append(w.samples, sample{at: at, value: value})

	cutoff := at.Add(-w.span)
	drop := 0
	for drop < len(w.samples) && w.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
}

// Values returns a copy of the retained values, oldest first
func (w *RollingWindow) Values() []float64 {
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.value
	}
	return out
}

// Len returns the number of retained samples
func (w *RollingWindow) Len() int {
	return len(w.samples)
}

// Percentile returns the p-th percentile (0..100) of the retained values
func (w *RollingWindow) Percentile(p float64) (float64, bool) {
	return Percentile(w.Values(), p)
}

// Mean returns the mean of the retained values
func (w *RollingWindow) Mean() (float64, bool) {
	return Mean(w.Values())
}
