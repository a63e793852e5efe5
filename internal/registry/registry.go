package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSymbols = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_active_symbols",
			Help: "Number of actively monitored symbols",
		},
	)

	routedDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_events_dropped_total",
			Help: "Events dropped at routing",
		},
		[]string{"reason"},
	)
)

// entry is immutable once published in a table
type entry struct {
	symbol      models.Symbol
	cell        *state.Cell
	deactivated time.Time
}

type table map[string]*entry

// Registry is the set of monitored symbols. Reads go through an atomically
// swapped immutable table; mu serializes Add, Remove, and Sweep only.
type Registry struct {
	cellConfig state.Config
	grace      time.Duration
	notify     chan<- string
	now        func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[table]
	dropped atomic.Int64
}

// Option customises a Registry
type Option func(*Registry)

// WithNotify sets the channel cells signal on after each applied event
func WithNotify(ch chan<- string) Option {
	return func(r *Registry) { r.notify = ch }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry. grace is how long a removed symbol's cell
// stays reachable to in-flight readers before Sweep discards it.
func New(cellConfig state.Config, grace time.Duration, opts ...Option) *Registry {
	r := &Registry{
		cellConfig: cellConfig,
		grace:      grace,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := table{}
	r.current.Store(&empty)
	return r
}

// Add activates monitoring for a symbol. It is idempotent for an active
// symbol and returns the symbol's record.
func (r *Registry) Add(code string) (models.Symbol, error) {
	code, err := models.NormalizeSymbol(code)
	if err != nil {
		return models.Symbol{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.current.Load()
	if e, ok := cur[code]; ok && e.symbol.IsActive {
		return e.symbol, nil
	}

	now := r.now()
	sym := models.Symbol{Code: code, IsActive: true, CreatedAt: now, UpdatedAt: now}
	if e, ok := cur[code]; ok {
		sym.CreatedAt = e.symbol.CreatedAt
	}

	next := cur.clone()
	next[code] = &entry{symbol: sym, cell: state.NewCell(code, r.cellConfig, r.notify)}
	r.current.Store(&next)
	activeSymbols.Set(float64(next.activeCount()))

	logger.Info("Symbol added", logger.Symbol(code))
	return sym, nil
}

// Restore registers a symbol loaded from the symbol table, keeping its
// original timestamps. Inactive symbols are listed but get no cell.
func (r *Registry) Restore(sym models.Symbol) error {
	code, err := models.NormalizeSymbol(sym.Code)
	if err != nil {
		return err
	}
	sym.Code = code

	r.mu.Lock()
	defer r.mu.Unlock()

	next := (*r.current.Load()).clone()
	e := &entry{symbol: sym}
	if sym.IsActive {
		e.cell = state.NewCell(code, r.cellConfig, r.notify)
	} else {
		e.deactivated = sym.UpdatedAt
	}
	next[code] = e
	r.current.Store(&next)
	activeSymbols.Set(float64(next.activeCount()))
	return nil
}

// Remove deactivates a symbol. Its cell stays readable for the grace period.
func (r *Registry) Remove(code string) (models.Symbol, error) {
	normalized, err := models.NormalizeSymbol(code)
	if err != nil {
		return models.Symbol{}, &models.UnknownSymbolError{Symbol: code}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.current.Load()
	e, ok := cur[normalized]
	if !ok {
		return models.Symbol{}, &models.UnknownSymbolError{Symbol: normalized}
	}
	if !e.symbol.IsActive {
		return e.symbol, nil
	}

	now := r.now()
	sym := e.symbol
	sym.IsActive = false
	sym.UpdatedAt = now

	next := cur.clone()
	next[normalized] = &entry{symbol: sym, cell: e.cell, deactivated: now}
	r.current.Store(&next)
	activeSymbols.Set(float64(next.activeCount()))

	logger.Info("Symbol removed", logger.Symbol(normalized), logger.Duration("grace", r.grace))
	return sym, nil
}

// Sweep discards cells of symbols deactivated longer than the grace period
// and returns how many were released.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.current.Load()
	now := r.now()
	released := 0
	var next table
	for code, e := range cur {
		if e.symbol.IsActive || e.cell == nil || now.Sub(e.deactivated) < r.grace {
			continue
		}
		if next == nil {
			next = cur.clone()
		}
		next[code] = &entry{symbol: e.symbol, deactivated: e.deactivated}
		released++
	}
	if next != nil {
		r.current.Store(&next)
	}
	return released
}

// List returns symbols sorted by code, filtered by activity when isActive
// is set.
func (r *Registry) List(isActive *bool) []models.Symbol {
	cur := *r.current.Load()
	out := make([]models.Symbol, 0, len(cur))
	for _, e := range cur {
		if isActive != nil && e.symbol.IsActive != *isActive {
			continue
		}
		out = append(out, e.symbol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ActiveCodes returns the codes of active symbols, sorted
func (r *Registry) ActiveCodes() []string {
	active := true
	symbols := r.List(&active)
	codes := make([]string, len(symbols))
	for i, s := range symbols {
		codes[i] = s.Code
	}
	return codes
}

// Lookup returns the cell of an active symbol, or UnknownSymbolError
func (r *Registry) Lookup(code string) (*state.Cell, error) {
	e, ok := (*r.current.Load())[code]
	if !ok || !e.symbol.IsActive || e.cell == nil {
		return nil, &models.UnknownSymbolError{Symbol: code}
	}
	return e.cell, nil
}

// Route applies an event to its symbol's cell. Events for unknown or
// inactive symbols are counted and dropped.
func (r *Registry) Route(ev models.Event) (state.ApplyResult, bool) {
	cell, err := r.Lookup(ev.EventSymbol())
	if err != nil {
		r.dropped.Add(1)
		routedDropped.WithLabelValues("unknown_symbol").Inc()
		return state.DroppedInvalid, false
	}
	return cell.Apply(ev), true
}

// DroppedUnknown returns how many events were dropped for unknown symbols
func (r *Registry) DroppedUnknown() int64 {
	return r.dropped.Load()
}

func (t table) clone() table {
	next := make(table, len(t)+1)
	for k, v := range t {
		next[k] = v
	}
	return next
}

func (t table) activeCount() int {
	n := 0
	for _, e := range t {
		if e.symbol.IsActive {
			n++
		}
	}
	return n
}
