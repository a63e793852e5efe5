package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engine_events_total",
		Help: "Events offered to state cells by channel and result",
	},
	[]string{"channel", "result"},
)

// ApplyResult is the outcome of applying one event
type ApplyResult int

const (
	Applied ApplyResult = iota
	DroppedStale
	DroppedCrossed
	DroppedInvalid
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case DroppedStale:
		return "dropped_stale"
	case DroppedCrossed:
		return "dropped_crossed"
	case DroppedInvalid:
		return "dropped_invalid"
	default:
		return "unknown"
	}
}

// Config bounds the rolling windows of a cell
type Config struct {
	BookDepth             int
	TradeWindowMax        time.Duration
	TradeWindowMaxEntries int
	CandleSeriesLen       int
}

// ConfigFromEngine builds a cell Config from the engine configuration
func ConfigFromEngine(cfg config.EngineConfig) Config {
	return Config{
		BookDepth:             cfg.OrderbookLevels,
		TradeWindowMax:        cfg.TradeWindowMax,
		TradeWindowMaxEntries: cfg.TradeWindowMaxEntries,
		CandleSeriesLen:       cfg.CandleSeriesLen,
	}
}

// Cell holds the rolling state of one symbol. Apply methods are serialized by
// a writer mutex; readers load the current immutable Snapshot without
// locking.
type Cell struct {
	symbol  string
	cfg     Config
	notify  chan<- string
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewCell creates an empty cell. notify may be nil; when set, the symbol is
// sent on it without blocking after every applied event.
func NewCell(symbol string, cfg Config, notify chan<- string) *Cell {
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 15
	}
	if cfg.CandleSeriesLen <= 0 {
		cfg.CandleSeriesLen = 30
	}
	c := &Cell{symbol: symbol, cfg: cfg, notify: notify}
	c.current.Store(&Snapshot{Symbol: symbol})
	return c
}

// Symbol returns the cell's market code
func (c *Cell) Symbol() string {
	return c.symbol
}

// Snapshot returns the latest published snapshot
func (c *Cell) Snapshot() *Snapshot {
	return c.current.Load()
}

// Apply dispatches a canonical event to the matching Apply method
func (c *Cell) Apply(ev models.Event) ApplyResult {
	switch e := ev.(type) {
	case *models.OrderBookEvent:
		return c.ApplyOrderBook(e)
	case *models.TradeEvent:
		return c.ApplyTrade(e)
	case *models.CandleBar:
		return c.ApplyCandle(e)
	case *models.TickerEvent:
		return c.ApplyTicker(e)
	default:
		return DroppedInvalid
	}
}

// ApplyOrderBook applies a book snapshot or delta. Events that would leave
// the book crossed are rejected.
func (c *Cell) ApplyOrderBook(ev *models.OrderBookEvent) ApplyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if ev.Sequence <= cur.Book.Sequence || ev.Timestamp.Before(cur.Book.UpdatedAt) {
		return c.count(models.ChannelOrderBook, DroppedStale)
	}

	var bids, asks []models.OrderBookLevel
	if ev.Snapshot {
		bids = mergeLevels(nil, ev.Bids, models.BookSideBid, c.cfg.BookDepth)
		asks = mergeLevels(nil, ev.Asks, models.BookSideAsk, c.cfg.BookDepth)
	} else {
		bids = mergeLevels(cur.Book.Bids, ev.Bids, models.BookSideBid, c.cfg.BookDepth)
		asks = mergeLevels(cur.Book.Asks, ev.Asks, models.BookSideAsk, c.cfg.BookDepth)
	}

	if len(bids) > 0 && len(asks) > 0 && bids[0].Price >= asks[0].Price {
		logger.Warn("Rejected crossed order book",
			logger.Symbol(c.symbol),
			logger.Int64("sequence", ev.Sequence),
			logger.Float64("best_bid", bids[0].Price),
			logger.Float64("best_ask", asks[0].Price),
		)
		return c.count(models.ChannelOrderBook, DroppedCrossed)
	}

	next := *cur
	next.Book = BookView{
		Bids:      bids,
		Asks:      asks,
		Sequence:  ev.Sequence,
		UpdatedAt: ev.Timestamp,
	}
	c.publish(&next)
	return c.count(models.ChannelOrderBook, Applied)
}

// ApplyTrade appends a trade and evicts entries older than the window bound
// measured from the newest trade.
func (c *Cell) ApplyTrade(ev *models.TradeEvent) ApplyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if ev.Sequence <= cur.TradeSequence || ev.Timestamp.Before(cur.TradesUpdatedAt) {
		return c.count(models.ChannelTrade, DroppedStale)
	}
	if err := ev.Validate(); err != nil {
		return c.count(models.ChannelTrade, DroppedInvalid)
	}

	// Appending never rewrites indexes below len(cur.Trades), so snapshots
	// already handed to readers keep seeing the same elements.
	trades := append(cur.Trades, *ev)

	if c.cfg.TradeWindowMax > 0 {
		cutoff := ev.Timestamp.Add(-c.cfg.TradeWindowMax)
		first := sort.Search(len(trades), func(i int) bool {
			return !trades[i].Timestamp.Before(cutoff)
		})
		trades = trades[first:]
	}
	if c.cfg.TradeWindowMaxEntries > 0 && len(trades) > c.cfg.TradeWindowMaxEntries {
		trades = trades[len(trades)-c.cfg.TradeWindowMaxEntries:]
	}

	next := *cur
	next.Trades = trades
	next.TradeSequence = ev.Sequence
	next.TradesUpdatedAt = ev.Timestamp
	c.publish(&next)
	return c.count(models.ChannelTrade, Applied)
}

// ApplyCandle appends a bar, or replaces the last bar when the open time
// matches (in-progress candle update).
func (c *Cell) ApplyCandle(ev *models.CandleBar) ApplyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if ev.Sequence <= cur.CandleSequence || ev.Timestamp.Before(cur.CandlesUpdatedAt) {
		return c.count(models.ChannelCandle, DroppedStale)
	}
	if err := ev.Validate(); err != nil {
		return c.count(models.ChannelCandle, DroppedInvalid)
	}

	n := len(cur.Candles)
	if n > 0 && ev.OpenTime.Before(cur.Candles[n-1].OpenTime) {
		return c.count(models.ChannelCandle, DroppedStale)
	}

	candles := make([]models.CandleBar, 0, c.cfg.CandleSeriesLen+1)
	candles = append(candles, cur.Candles...)
	if n > 0 && ev.OpenTime.Equal(candles[n-1].OpenTime) {
		candles[n-1] = *ev
	} else {
		candles = append(candles, *ev)
	}
	if len(candles) > c.cfg.CandleSeriesLen {
		candles = candles[len(candles)-c.cfg.CandleSeriesLen:]
	}

	next := *cur
	next.Candles = candles
	next.CandleSequence = ev.Sequence
	next.CandlesUpdatedAt = ev.Timestamp
	c.publish(&next)
	return c.count(models.ChannelCandle, Applied)
}

// ApplyTicker replaces the ticker state
func (c *Cell) ApplyTicker(ev *models.TickerEvent) ApplyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if ev.Sequence <= cur.TickerSequence || ev.Timestamp.Before(cur.TickerUpdatedAt) {
		return c.count(models.ChannelTicker, DroppedStale)
	}
	if ev.AccTradePrice24h < 0 || ev.AccTradeVolume24h < 0 {
		return c.count(models.ChannelTicker, DroppedInvalid)
	}

	ticker := *ev
	next := *cur
	next.Ticker = &ticker
	next.TickerSequence = ev.Sequence
	next.TickerUpdatedAt = ev.Timestamp
	c.publish(&next)
	return c.count(models.ChannelTicker, Applied)
}

// publish must be called with mu held
func (c *Cell) publish(next *Snapshot) {
	next.Version++
	c.current.Store(next)

	if c.notify != nil {
		select {
		case c.notify <- c.symbol:
		default:
		}
	}
}

func (c *Cell) count(ch models.Channel, r ApplyResult) ApplyResult {
	eventsTotal.WithLabelValues(string(ch), r.String()).Inc()
	return r
}

// mergeLevels applies updates on top of base and returns a new sorted side
// bounded to depth. A level with size 0 removes its price.
func mergeLevels(base, updates []models.OrderBookLevel, side models.BookSide, depth int) []models.OrderBookLevel {
	sizes := make(map[float64]float64, len(base)+len(updates))
	for _, l := range base {
		sizes[l.Price] = l.Size
	}
	for _, l := range updates {
		if l.Price <= 0 {
			continue
		}
		if l.Size <= 0 {
			delete(sizes, l.Price)
			continue
		}
		sizes[l.Price] = l.Size
	}

	levels := make([]models.OrderBookLevel, 0, len(sizes))
	for price, size := range sizes {
		levels = append(levels, models.OrderBookLevel{Price: price, Size: size, Side: side})
	}
	if side == models.BookSideBid {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	} else {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	}
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}
