package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/freshness"
	"github.com/mohamedkhairy/upbit-metrics/internal/metrics"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/mohamedkhairy/upbit-metrics/internal/storage"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "query_requests_total",
		Help: "Facade requests by operation and outcome",
	},
	[]string{"operation", "status"},
)

// Registry is the part of the symbol registry the facade needs
type Registry interface {
	Add(code string) (models.Symbol, error)
	Remove(code string) (models.Symbol, error)
	List(isActive *bool) []models.Symbol
	ActiveCodes() []string
	Lookup(code string) (*state.Cell, error)
}

// Subscriber is told about the new active set after symbols change
type Subscriber interface {
	Resubscribe(codes []string) error
}

// SmoothingSource supplies the last published snapshot of a symbol so live
// responses can carry the publisher's EMA and percentile fields
type SmoothingSource interface {
	LastPublished(symbol string) (*models.MetricsSnapshot, bool)
}

// LatestRequest parameterizes LatestMetrics. Nil or empty fields fall back
// to the engine defaults.
type LatestRequest struct {
	Symbols      []string
	OrderSizeKRW *float64
	Side         string
	TIWindows    []int
	FreshnessMs  *int64
}

// SummaryRequest parameterizes MetricsSummary
type SummaryRequest struct {
	Symbol       string
	LookbackSec  int
	OrderSizeKRW *float64
	Side         string
	TIWindows    []int
}

// Facade answers metric and symbol queries against live state and the
// snapshot store
type Facade struct {
	registry   Registry
	guard      *freshness.Guard
	engine     config.EngineConfig
	symbols    storage.SymbolStore
	snapshots  storage.SnapshotStore
	subscriber Subscriber
	smoothing  SmoothingSource
	now        func() time.Time
}

// Option customises a Facade
type Option func(*Facade)

// WithSymbolStore persists symbol additions and removals
func WithSymbolStore(s storage.SymbolStore) Option {
	return func(f *Facade) { f.symbols = s }
}

// WithSnapshotStore enables summaries over persisted snapshots
func WithSnapshotStore(s storage.SnapshotStore) Option {
	return func(f *Facade) { f.snapshots = s }
}

// WithSubscriber resubscribes the inbound stream after symbol changes
func WithSubscriber(s Subscriber) Option {
	return func(f *Facade) { f.subscriber = s }
}

// WithSmoothing copies smoothed fields from published snapshots
func WithSmoothing(s SmoothingSource) Option {
	return func(f *Facade) { f.smoothing = s }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// New creates a facade
func New(registry Registry, guard *freshness.Guard, engine config.EngineConfig, opts ...Option) *Facade {
	f := &Facade{
		registry: registry,
		guard:    guard,
		engine:   engine,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// LatestMetrics computes a fresh bundle for every requested symbol. Unknown
// symbols get an entry carrying only Error; structurally invalid requests
// fail as a whole with ErrInvalidRequest.
func (f *Facade) LatestMetrics(ctx context.Context, req LatestRequest) (map[string]*models.MetricsSnapshot, error) {
	codes, err := normalizeSymbols(req.Symbols)
	if err != nil {
		queriesTotal.WithLabelValues("latest", "invalid").Inc()
		return nil, err
	}
	params, err := f.params(req.OrderSizeKRW, req.Side, req.TIWindows)
	if err != nil {
		queriesTotal.WithLabelValues("latest", "invalid").Inc()
		return nil, err
	}
	if req.FreshnessMs != nil && (*req.FreshnessMs <= 0 || *req.FreshnessMs > freshness.MaxThresholdMs) {
		queriesTotal.WithLabelValues("latest", "invalid").Inc()
		return nil, models.InvalidRequest("freshness_ms must be within (0, %d], got %d", freshness.MaxThresholdMs, *req.FreshnessMs)
	}

	out := make(map[string]*models.MetricsSnapshot, len(codes))
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cell, err := f.registry.Lookup(code)
		if err != nil {
			out[code] = &models.MetricsSnapshot{Symbol: code, Error: err.Error()}
			continue
		}
		out[code] = f.live(cell.Snapshot(), params, req.FreshnessMs)
	}
	queriesTotal.WithLabelValues("latest", "success").Inc()
	return out, nil
}

// MetricsSummary aggregates persisted snapshots of one symbol over
// [now-lookback, now] and adds live slippage, volatility and liquidity
func (f *Facade) MetricsSummary(ctx context.Context, req SummaryRequest) (*models.MetricsSummary, error) {
	if req.LookbackSec <= 0 {
		queriesTotal.WithLabelValues("summary", "invalid").Inc()
		return nil, models.InvalidRequest("lookback_sec must be positive, got %d", req.LookbackSec)
	}
	code, err := models.NormalizeSymbol(req.Symbol)
	if err != nil {
		queriesTotal.WithLabelValues("summary", "unknown").Inc()
		return nil, &models.UnknownSymbolError{Symbol: req.Symbol}
	}
	params, err := f.params(req.OrderSizeKRW, req.Side, req.TIWindows)
	if err != nil {
		queriesTotal.WithLabelValues("summary", "invalid").Inc()
		return nil, err
	}
	cell, err := f.registry.Lookup(code)
	if err != nil {
		queriesTotal.WithLabelValues("summary", "unknown").Inc()
		return nil, err
	}

	to := params.Now
	from := to.Add(-time.Duration(req.LookbackSec) * time.Second)

	var persisted []*models.MetricsSnapshot
	if f.snapshots != nil {
		persisted, err = f.snapshots.Range(ctx, code, from, to)
		if err != nil {
			queriesTotal.WithLabelValues("summary", "error").Inc()
			return nil, &models.PersistenceUnavailableError{Sink: "snapshots", Err: err}
		}
	}

	snap := cell.Snapshot()
	summary := summarize(code, req.LookbackSec, from, to, persisted)
	summary.TradeImbalance = tradeImbalanceSummary(persisted, snap.Trades, params.Now, params.TIWindows)

	slip, _ := metrics.Slippage(snap.Book, params.OrderSizeKRW, params.Side)
	summary.Slippage = &slip
	vol, _ := metrics.Volatility(snap.Candles, params.Annualization)
	summary.Volatility = &vol
	liq, _ := metrics.Liquidity(snap.Ticker)
	summary.Liquidity = &liq

	queriesTotal.WithLabelValues("summary", "success").Inc()
	return summary, nil
}

// MonitoredSymbols lists symbols from the symbol store, falling back to the
// in-memory registry when no store is configured
func (f *Facade) MonitoredSymbols(ctx context.Context, isActive *bool) ([]models.Symbol, error) {
	if f.symbols == nil {
		return f.registry.List(isActive), nil
	}
	symbols, err := f.symbols.List(ctx, isActive)
	if err != nil {
		logger.Warn("Symbol store unavailable, listing registry",
			logger.ErrorField(err),
		)
		return f.registry.List(isActive), nil
	}
	return symbols, nil
}

// AddSymbol starts monitoring a symbol
func (f *Facade) AddSymbol(ctx context.Context, code string) (models.Symbol, error) {
	sym, err := f.registry.Add(code)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSymbol) {
			return models.Symbol{}, models.InvalidRequest("invalid symbol %q", code)
		}
		return models.Symbol{}, err
	}
	if f.symbols != nil {
		if err := f.symbols.Upsert(ctx, sym); err != nil {
			logger.Warn("Failed to persist added symbol",
				logger.Symbol(sym.Code),
				logger.ErrorField(err),
			)
		}
	}
	f.resubscribe()
	return sym, nil
}

// RemoveSymbol stops monitoring a symbol. The row is kept with
// is_active=false.
func (f *Facade) RemoveSymbol(ctx context.Context, code string) (models.Symbol, error) {
	sym, err := f.registry.Remove(code)
	if err != nil {
		return models.Symbol{}, err
	}
	if f.symbols != nil {
		if err := f.symbols.SetActive(ctx, sym.Code, false); err != nil {
			logger.Warn("Failed to persist removed symbol",
				logger.Symbol(sym.Code),
				logger.ErrorField(err),
			)
		}
	}
	f.resubscribe()
	return sym, nil
}

func (f *Facade) resubscribe() {
	if f.subscriber == nil {
		return
	}
	if err := f.subscriber.Resubscribe(f.registry.ActiveCodes()); err != nil {
		logger.Warn("Failed to resubscribe market stream", logger.ErrorField(err))
	}
}

// live computes one bundle from a cell snapshot
func (f *Facade) live(snap *state.Snapshot, params metrics.Params, freshnessMs *int64) *models.MetricsSnapshot {
	ms := metrics.Compute(snap, params)
	ms.ID = uuid.NewString()
	f.guard.Annotate(ms, snap.SourceTimes(), params.Now, freshnessMs)

	if f.smoothing != nil {
		if last, ok := f.smoothing.LastPublished(snap.Symbol); ok {
			copySmoothed(ms, last)
		}
	}
	return ms
}

func copySmoothed(dst, src *models.MetricsSnapshot) {
	if dst.Spread.Available {
		dst.Spread.SpreadBpsEMA10s = src.Spread.SpreadBpsEMA10s
		dst.Spread.SpreadBpsP95_5m = src.Spread.SpreadBpsP95_5m
	}
	if dst.OrderBookImbalance.Available {
		dst.OrderBookImbalance.ImbalanceEMA5s = src.OrderBookImbalance.ImbalanceEMA5s
		dst.OrderBookImbalance.ImbalanceEMA30s = src.OrderBookImbalance.ImbalanceEMA30s
	}
}

// params validates caller parameters and applies engine defaults
func (f *Facade) params(orderSize *float64, side string, windows []int) (metrics.Params, error) {
	p := metrics.ParamsFromEngine(f.engine, f.now())

	p.OrderSizeKRW = f.engine.DefaultOrderSizeKRW
	if orderSize != nil {
		if !(*orderSize > 0) || math.IsInf(*orderSize, 0) {
			return p, models.InvalidRequest("order_size_krw must be a positive finite number, got %v", *orderSize)
		}
		p.OrderSizeKRW = *orderSize
	}

	if side != "" {
		parsed, err := models.ParseSide(side)
		if err != nil {
			return p, fmt.Errorf("%w: %w %q", models.ErrInvalidRequest, err, side)
		}
		p.Side = parsed
	}

	if len(windows) > 0 {
		maxWindow := f.engine.MaxTIWindow()
		for _, w := range windows {
			if w <= 0 || (maxWindow > 0 && w > maxWindow) {
				return p, models.InvalidRequest("ti window %ds must be within (0, %d]", w, maxWindow)
			}
		}
		p.TIWindows = append([]int(nil), windows...)
	}
	return p, nil
}

// normalizeSymbols validates and dedupes symbols, keeping request order.
// Codes that do not parse are kept verbatim and later reported as unknown.
func normalizeSymbols(symbols []string) ([]string, error) {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		code, err := models.NormalizeSymbol(s)
		if err != nil {
			code = strings.TrimSpace(s)
		}
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	if len(out) == 0 {
		return nil, models.InvalidRequest("at least one symbol is required")
	}
	return out, nil
}
