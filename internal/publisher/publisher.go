package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/freshness"
	"github.com/mohamedkhairy/upbit-metrics/internal/metrics"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_snapshots_total",
			Help: "Total number of snapshots handed to sinks",
		},
		[]string{"sink", "status"},
	)

	persistenceUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_persistence_unavailable_total",
			Help: "Batches dropped after a sink exhausted its retries",
		},
		[]string{"sink"},
	)

	publishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "publisher_cycle_latency_seconds",
			Help:    "Time to compute and deliver one publish cycle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "publisher_sink_breaker_state",
			Help: "Circuit breaker state per sink (0 closed, 1 half-open, 2 open)",
		},
		[]string{"sink"},
	)
)

// CellSource is the part of the symbol registry the publisher reads
type CellSource interface {
	ActiveCodes() []string
	Lookup(code string) (*state.Cell, error)
}

// Publisher periodically computes non-parameterized metrics for every
// active symbol, smooths them and hands the batch to its sinks. Cells
// signal changes on the channel passed to New; bursts are coalesced per
// symbol and flushed at most every MinInterval.
type Publisher struct {
	cells   CellSource
	guard   *freshness.Guard
	cfg     config.PublisherConfig
	engine  config.EngineConfig
	sinks   []*guardedSink
	changes <-chan string
	now     func() time.Time

	smoothers map[string]*smoother

	mu     sync.RWMutex
	latest map[string]*models.MetricsSnapshot

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a publisher. changes may be nil.
func New(cells CellSource, guard *freshness.Guard, cfg config.PublisherConfig, engine config.EngineConfig, changes <-chan string, sinks ...Sink) *Publisher {
	p := &Publisher{
		cells:     cells,
		guard:     guard,
		cfg:       cfg,
		engine:    engine,
		changes:   changes,
		now:       time.Now,
		smoothers: make(map[string]*smoother),
		latest:    make(map[string]*models.MetricsSnapshot),
	}
	for _, s := range sinks {
		p.sinks = append(p.sinks, newGuardedSink(s, cfg.MaxRetries, cfg.RetryDelay, cfg.BreakerTimeout, cfg.BreakerTrips))
	}
	return p
}

// Start runs the publish loop in its own goroutine
func (p *Publisher) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return fmt.Errorf("publisher is already running")
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	logger.Info("Starting snapshot publisher",
		logger.Duration("interval", p.cfg.Interval),
		logger.Duration("min_interval", p.cfg.MinInterval),
		logger.Int("sinks", len(p.sinks)),
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle
func (p *Publisher) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.runMu.Unlock()

	p.wg.Wait()
	logger.Info("Snapshot publisher stopped")
}

// LastPublished returns the most recent snapshot published for a symbol
func (p *Publisher) LastPublished(symbol string) (*models.MetricsSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.latest[symbol]
	return snap, ok
}

func (p *Publisher) run(ctx context.Context) {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := make(map[string]struct{})
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			active := p.cells.ActiveCodes()
			p.prune(active)
			p.PublishOnce(ctx, active)
			clear(pending)
			debounce = nil

		case code, ok := <-p.changes:
			if !ok {
				p.changes = nil
				continue
			}
			pending[code] = struct{}{}
			if debounce == nil {
				debounce = time.After(p.cfg.MinInterval)
			}

		case <-debounce:
			codes := make([]string, 0, len(pending))
			for code := range pending {
				codes = append(codes, code)
			}
			clear(pending)
			debounce = nil
			p.PublishOnce(ctx, codes)
		}
	}
}

// PublishOnce computes and delivers one batch for the given symbols.
// Sink failures are logged and counted, never returned.
func (p *Publisher) PublishOnce(ctx context.Context, codes []string) []*models.MetricsSnapshot {
	if len(codes) == 0 {
		return nil
	}
	start := time.Now()
	now := p.now()

	batch := make([]*models.MetricsSnapshot, 0, len(codes))
	for _, code := range codes {
		cell, err := p.cells.Lookup(code)
		if err != nil {
			// removed since the codes were collected
			p.forget(code)
			continue
		}
		batch = append(batch, p.compute(cell, now))
	}
	if len(batch) == 0 {
		return nil
	}

	p.mu.Lock()
	for _, snap := range batch {
		p.latest[snap.Symbol] = snap
	}
	p.mu.Unlock()

	for _, sink := range p.sinks {
		name := sink.sink.Name()
		if err := sink.deliver(ctx, batch); err != nil {
			persistenceUnavailable.WithLabelValues(name).Inc()
			publishedTotal.WithLabelValues(name, "error").Add(float64(len(batch)))
			logger.Warn("Snapshot sink unavailable",
				logger.String("sink", name),
				logger.Int("snapshots", len(batch)),
				logger.ErrorField(err),
			)
			continue
		}
		publishedTotal.WithLabelValues(name, "success").Add(float64(len(batch)))
	}

	publishLatency.Observe(time.Since(start).Seconds())
	return batch
}

// prune drops smoothing state and last-published snapshots of symbols that
// are no longer active
func (p *Publisher) prune(active []string) {
	keep := make(map[string]struct{}, len(active))
	for _, code := range active {
		keep[code] = struct{}{}
	}
	for code := range p.smoothers {
		if _, ok := keep[code]; !ok {
			delete(p.smoothers, code)
		}
	}

	p.mu.Lock()
	for code := range p.latest {
		if _, ok := keep[code]; !ok {
			delete(p.latest, code)
		}
	}
	p.mu.Unlock()
}

func (p *Publisher) forget(code string) {
	delete(p.smoothers, code)
	p.mu.Lock()
	delete(p.latest, code)
	p.mu.Unlock()
}

func (p *Publisher) compute(cell *state.Cell, now time.Time) *models.MetricsSnapshot {
	snap := cell.Snapshot()
	params := metrics.Params{
		Now:             now,
		TIWindows:       p.cfg.TIWindows,
		ImbalanceLevels: p.engine.ImbalanceLevels,
		Annualization:   p.engine.VolatilityAnnualization,
	}
	ms := metrics.Compute(snap, params)
	ms.ID = uuid.NewString()
	p.guard.Annotate(ms, snap.SourceTimes(), now, nil)

	// a re-added symbol gets a new cell and starts smoothing from scratch
	sm, ok := p.smoothers[snap.Symbol]
	if !ok || sm.cell != cell {
		sm = newSmoother(cell)
		p.smoothers[snap.Symbol] = sm
	}
	sm.apply(ms)
	return ms
}
