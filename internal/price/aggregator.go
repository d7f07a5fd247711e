// Package price provides the latest-price view of the USDT/BRL and USD/BRL
// markets with freshness information.
//
// Three sources feed the aggregator, each with its own supervisor and
// reconnection policy:
//
//   - Stream:  live USDT/BRL websocket feed (primary for the crypto rate)
//   - Scraper: commercial USD/BRL page title refreshed by an embedded page
//   - REST:    on-demand fallback lookups for either symbol
//
// Reads are purely in-memory and never block. Every accepted sample is
// emitted to the bronze sink fire-and-forget; samples outside the symbol's
// plausibility band are rejected and counted.
package price

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

// TickSink receives accepted samples for the bronze tier. Implementations
// must never block the caller.
type TickSink interface {
	EmitPriceTick(sample types.PriceSample)
}

// FailureReporter is the error-service capability the supervisors use.
type FailureReporter interface {
	RecordFailure(source string, kind types.ErrorKind, cause error)
	RecordSuccess(source string)
}

type sampleKey struct {
	source types.PricingSource
	symbol types.Symbol
}

// Aggregator keeps the latest sample per (source, symbol).
type Aggregator struct {
	cfg    config.PricesConfig
	sink   TickSink
	logger *slog.Logger

	mu     sync.RWMutex
	latest map[sampleKey]types.PriceSample

	rejected atomic.Int64 // samples outside the plausibility band
}

// NewAggregator creates an aggregator. sink may be nil (bronze disabled).
func NewAggregator(cfg config.PricesConfig, sink TickSink, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "prices"),
		latest: make(map[sampleKey]types.PriceSample),
	}
}

// Accept stores a sample if it passes the sanity filter and is newer than
// the current sample for its (source, symbol). Accepted samples are emitted
// to the bronze sink.
func (a *Aggregator) Accept(sample types.PriceSample) bool {
	if !a.plausible(sample.Price) {
		a.rejected.Add(1)
		a.logger.Warn("rejected implausible sample",
			"source", sample.Source,
			"symbol", sample.Symbol,
			"price", sample.Price,
		)
		return false
	}

	key := sampleKey{sample.Source, sample.Symbol}

	a.mu.Lock()
	if cur, ok := a.latest[key]; ok && !sample.CapturedAt.After(cur.CapturedAt) {
		a.mu.Unlock()
		return false
	}
	a.latest[key] = sample
	a.mu.Unlock()

	if a.sink != nil {
		a.sink.EmitPriceTick(sample)
	}
	return true
}

// GetPrice returns the latest price for a (source, symbol), with its age and
// staleness flag. ok=false means the source never produced a sample for the
// symbol. The read never blocks.
func (a *Aggregator) GetPrice(source types.PricingSource, symbol types.Symbol) (types.PriceView, bool) {
	a.mu.RLock()
	sample, ok := a.latest[sampleKey{source, symbol}]
	a.mu.RUnlock()
	if !ok {
		return types.PriceView{}, false
	}

	age := time.Since(sample.CapturedAt)
	return types.PriceView{
		Price: sample.Price,
		Age:   age,
		Stale: age > a.staleThreshold(source),
	}, true
}

// Resolve returns the freshest usable price for a pricing source, falling
// back to the REST sample for the same symbol when the primary is absent or
// stale. ok=false only if no source ever produced a sample.
func (a *Aggregator) Resolve(source types.PricingSource) (types.PriceView, bool) {
	symbol := SymbolFor(source)

	primary, ok := a.GetPrice(source, symbol)
	if ok && !primary.Stale {
		return primary, true
	}

	fallback, fbOK := a.GetPrice(types.SourceREST, symbol)
	if fbOK && !fallback.Stale {
		return fallback, true
	}

	// Both stale or missing: prefer whichever exists, primary first.
	if ok {
		return primary, true
	}
	if fbOK {
		return fallback, true
	}
	return types.PriceView{}, false
}

// LastSampleAt returns when a source last produced a sample for its symbol.
// Used by supervisors' watchdogs.
func (a *Aggregator) LastSampleAt(source types.PricingSource) (time.Time, bool) {
	a.mu.RLock()
	sample, ok := a.latest[sampleKey{source, SymbolFor(source)}]
	a.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return sample.CapturedAt, true
}

// Rejected returns how many samples the sanity filter dropped.
func (a *Aggregator) Rejected() int64 { return a.rejected.Load() }

// Snapshot returns the latest sample for every (source, symbol), for the
// dashboard's prices endpoint.
func (a *Aggregator) Snapshot() []types.PriceSample {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.PriceSample, 0, len(a.latest))
	for _, s := range a.latest {
		out = append(out, s)
	}
	return out
}

func (a *Aggregator) plausible(price decimal.Decimal) bool {
	min := decimal.NewFromFloat(a.cfg.MinPlausible)
	max := decimal.NewFromFloat(a.cfg.MaxPlausible)
	return price.GreaterThanOrEqual(min) && price.LessThanOrEqual(max)
}

func (a *Aggregator) staleThreshold(source types.PricingSource) time.Duration {
	if source == types.SourceCommercial || source == types.SourceTradingView {
		if a.cfg.Scraper.StaleAfter > 0 {
			return a.cfg.Scraper.StaleAfter
		}
	}
	return a.cfg.StaleAfter
}

// SymbolFor maps a pricing source to the symbol it quotes.
func SymbolFor(source types.PricingSource) types.Symbol {
	switch source {
	case types.SourceCommercial, types.SourceTradingView:
		return types.SymbolUSDBRL
	default:
		return types.SymbolUSDTBRL
	}
}
