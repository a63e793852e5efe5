package publisher

import (
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/mohamedkhairy/upbit-metrics/pkg/indicator"
)

// smoother carries the EMA and percentile state of one symbol. It is only
// touched by the publisher goroutine.
type smoother struct {
	cell *state.Cell

	spreadEMA10s *indicator.EMA
	spreadP95    *indicator.RollingWindow
	imbEMA5s     *indicator.EMA
	imbEMA30s    *indicator.EMA
}

func newSmoother(cell *state.Cell) *smoother {
	spreadEMA, _ := indicator.NewEMA("spread_bps_ema_10s", 10*time.Second)
	imb5, _ := indicator.NewEMA("imbalance_ema_5s", 5*time.Second)
	imb30, _ := indicator.NewEMA("imbalance_ema_30s", 30*time.Second)
	return &smoother{
		cell:         cell,
		spreadEMA10s: spreadEMA,
		spreadP95:    indicator.NewRollingWindow(5 * time.Minute),
		imbEMA5s:     imb5,
		imbEMA30s:    imb30,
	}
}

// apply folds the snapshot into the smoothing state and fills the smoothed
// fields of available metrics
func (s *smoother) apply(ms *models.MetricsSnapshot) {
	at := ms.ComputedAt

	if ms.Spread.Available {
		ema := s.spreadEMA10s.Update(at, ms.Spread.SpreadBps)
		ms.Spread.SpreadBpsEMA10s = &ema

		s.spreadP95.Add(at, ms.Spread.SpreadBps)
		if p95, ok := s.spreadP95.Percentile(95); ok {
			ms.Spread.SpreadBpsP95_5m = &p95
		}
	}

	if ms.OrderBookImbalance.Available {
		e5 := s.imbEMA5s.Update(at, ms.OrderBookImbalance.Imbalance)
		e30 := s.imbEMA30s.Update(at, ms.OrderBookImbalance.Imbalance)
		ms.OrderBookImbalance.ImbalanceEMA5s = &e5
		ms.OrderBookImbalance.ImbalanceEMA30s = &e30
	}
}
