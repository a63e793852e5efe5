package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mohamedkhairy/upbit-metrics/internal/data"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_frames_total",
			Help: "Frames processed by the ingest pipeline",
		},
		[]string{"channel", "result"},
	)

	malformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_malformed_total",
			Help: "Frames rejected by the normalizer",
		},
		[]string{"channel"},
	)
)

// Router applies a normalized event to the symbol's state
type Router interface {
	Route(ev models.Event) (state.ApplyResult, bool)
}

// Stats are cumulative pipeline counters
type Stats struct {
	Frames    int64
	Applied   int64
	Dropped   int64
	Malformed int64
	Unrouted  int64
}

// Pipeline reads raw frames from a provider, normalizes them and routes the
// resulting events into the registry. A malformed frame is counted and
// skipped; it never stops the pipeline.
type Pipeline struct {
	provider   data.Provider
	normalizer data.Normalizer
	router     Router

	frames    atomic.Int64
	applied   atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
	unrouted  atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPipeline creates a pipeline
func NewPipeline(provider data.Provider, normalizer data.Normalizer, router Router) *Pipeline {
	return &Pipeline{
		provider:   provider,
		normalizer: normalizer,
		router:     router,
	}
}

// Start connects the provider, subscribes to symbols and starts the loop
func (p *Pipeline) Start(ctx context.Context, symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("ingest pipeline is already running")
	}

	if err := p.provider.Connect(ctx); err != nil && !errors.Is(err, data.ErrProviderAlreadyConnected) {
		return fmt.Errorf("failed to connect provider: %w", err)
	}
	frames, err := p.provider.Subscribe(ctx, symbols)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.run(ctx, frames)

	logger.Info("Ingest pipeline started",
		logger.String("provider", p.provider.GetName()),
		logger.Int("symbols", len(symbols)),
	)
	return nil
}

// Stop stops the loop and closes the provider
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	err := p.provider.Close()
	p.wg.Wait()

	s := p.Stats()
	logger.Info("Ingest pipeline stopped",
		logger.Int64("frames", s.Frames),
		logger.Int64("applied", s.Applied),
		logger.Int64("malformed", s.Malformed),
	)
	return err
}

// Stats returns the pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:    p.frames.Load(),
		Applied:   p.applied.Load(),
		Dropped:   p.dropped.Load(),
		Malformed: p.malformed.Load(),
		Unrouted:  p.unrouted.Load(),
	}
}

func (p *Pipeline) run(ctx context.Context, frames <-chan []byte) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				logger.Warn("Provider frame channel closed")
				return
			}
			p.Process(frame)
		}
	}
}

// Process handles a single raw frame
func (p *Pipeline) Process(frame []byte) {
	p.frames.Add(1)

	ev, err := p.normalizer.Normalize("", frame)
	if err != nil {
		p.malformed.Add(1)
		channel := "unknown"
		var me *models.MalformedEventError
		if errors.As(err, &me) && me.Channel != "" {
			channel = string(me.Channel)
		}
		malformedTotal.WithLabelValues(channel).Inc()
		logger.Warn("Dropping malformed frame",
			logger.String("channel", channel),
			logger.ErrorField(err),
		)
		return
	}

	channel := string(ev.EventChannel())
	result, routed := p.router.Route(ev)
	switch {
	case !routed:
		p.unrouted.Add(1)
		framesTotal.WithLabelValues(channel, "unknown_symbol").Inc()
		logger.Debug("Dropping event for unmonitored symbol", logger.Symbol(ev.EventSymbol()))
	case result == state.Applied:
		p.applied.Add(1)
		framesTotal.WithLabelValues(channel, result.String()).Inc()
	default:
		p.dropped.Add(1)
		framesTotal.WithLabelValues(channel, result.String()).Inc()
	}
}
