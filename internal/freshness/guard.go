package freshness

import (
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// Result is the recency of every input channel of a symbol
type Result struct {
	Threshold   time.Duration
	Sources     map[models.Channel]models.SourceFreshness
	StalenessMs int64
	IsFresh     bool
}

// Stale reports whether a channel is stale
func (r Result) Stale(ch models.Channel) bool {
	src, ok := r.Sources[ch]
	return !ok || src.Stale
}

// Guard classifies channel data as fresh or stale against a threshold.
// It never blocks and never hides metrics.
type Guard struct {
	defaultThreshold time.Duration
}

// NewGuard creates a Guard. defaultThreshold applies when a request carries
// no freshness bound of its own.
func NewGuard(defaultThreshold time.Duration) *Guard {
	if defaultThreshold <= 0 {
		defaultThreshold = 5 * time.Second
	}
	return &Guard{defaultThreshold: defaultThreshold}
}

// DefaultThreshold returns the threshold used when none is requested
func (g *Guard) DefaultThreshold() time.Duration {
	return g.defaultThreshold
}

// MaxThresholdMs bounds caller-supplied thresholds. Larger values are clamped.
const MaxThresholdMs int64 = 24 * 60 * 60 * 1000

// Evaluate classifies each channel. A channel is stale when
// now - lastUpdate exceeds the threshold or when it never received data.
// StalenessMs is the largest age among channels that have data; IsFresh
// requires at least one such channel and StalenessMs within the threshold.
func (g *Guard) Evaluate(times map[models.Channel]time.Time, now time.Time, freshnessMs *int64) Result {
	threshold := g.defaultThreshold
	if freshnessMs != nil && *freshnessMs > 0 {
		ms := *freshnessMs
		if ms > MaxThresholdMs {
			ms = MaxThresholdMs
		}
		threshold = time.Duration(ms) * time.Millisecond
	}

	res := Result{
		Threshold: threshold,
		Sources:   make(map[models.Channel]models.SourceFreshness, len(models.Channels)),
	}
	seen := false
	for _, ch := range models.Channels {
		last := times[ch]
		if last.IsZero() {
			res.Sources[ch] = models.SourceFreshness{Stale: true, AgeMs: -1}
			continue
		}
		age := now.Sub(last)
		if age < 0 {
			age = 0
		}
		ageMs := age.Milliseconds()
		ts := last
		res.Sources[ch] = models.SourceFreshness{
			LastUpdate: &ts,
			AgeMs:      ageMs,
			Stale:      age > threshold,
		}
		seen = true
		if ageMs > res.StalenessMs {
			res.StalenessMs = ageMs
		}
	}
	res.IsFresh = seen && time.Duration(res.StalenessMs)*time.Millisecond <= threshold
	return res
}

// Annotate evaluates freshness and stamps the result onto a computed
// snapshot: per-channel freshness, the stale flag of every metric and the
// symbol-level staleness_ms / is_fresh.
func (g *Guard) Annotate(ms *models.MetricsSnapshot, times map[models.Channel]time.Time, now time.Time, freshnessMs *int64) Result {
	res := g.Evaluate(times, now, freshnessMs)

	ms.Freshness = res.Sources
	ms.FreshnessMs = res.Threshold.Milliseconds()
	ms.StalenessMs = res.StalenessMs
	ms.IsFresh = res.IsFresh

	bookStale := res.Stale(models.ChannelOrderBook)
	ms.Spread.Stale = bookStale
	ms.OrderBookImbalance.Stale = bookStale
	if ms.Slippage != nil {
		ms.Slippage.Stale = bookStale
	}

	tradeStale := res.Stale(models.ChannelTrade)
	for i := range ms.TradeImbalance {
		ms.TradeImbalance[i].Stale = tradeStale
	}

	ms.Volatility.Stale = res.Stale(models.ChannelCandle)
	ms.Liquidity.Stale = res.Stale(models.ChannelTicker)
	return res
}
