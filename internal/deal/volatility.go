// volatility.go is the volatility-aware repricer: price aggregator ticks are
// checked against open quoted deals, and deals whose base rate has drifted
// past the group's threshold are refreshed (up to the group's cap) or
// escalated to the operator.
package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/pricing"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/pkg/types"
)

// tickCheckMinGap throttles drift scans: ticks arrive many times a second,
// open quoted deals change on a human timescale.
const tickCheckMinGap = time.Second

// EmitPriceTick receives accepted aggregator samples; the engine is wired as
// one of the aggregator's sinks. Never blocks the price path: the drift scan
// runs on its own goroutine.
func (e *Engine) EmitPriceTick(sample types.PriceSample) {
	e.volMu.Lock()
	if e.lastVolCheck == nil {
		e.lastVolCheck = map[types.PricingSource]time.Time{}
	}
	if time.Since(e.lastVolCheck[sample.Source]) < tickCheckMinGap {
		e.volMu.Unlock()
		return
	}
	e.lastVolCheck[sample.Source] = time.Now()
	e.volMu.Unlock()

	go e.scanDrift(sample)
}

func (e *Engine) scanDrift(sample types.PriceSample) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deals, err := e.store.ListActiveDeals(ctx, "")
	if err != nil {
		e.logger.Error("drift scan: list deals", "error", err)
		return
	}

	for _, d := range deals {
		if d.State != types.DealQuoted {
			continue
		}
		if canonicalSource(d.PricingSource) != sample.Source {
			continue
		}

		cfg, err := e.store.GetGroupConfig(ctx, d.GroupID)
		if err != nil || !cfg.Volatility.Enabled {
			continue
		}

		drift := pricing.DriftBps(d.BaseRate, sample.Price)
		if drift.LessThan(decimal.NewFromInt(int64(cfg.Volatility.ThresholdBps))) {
			continue
		}

		if _, err := e.repriceOrEscalate(ctx, d.ID, sample.Price, cfg.Volatility.MaxReprices); err != nil {
			e.logger.Error("volatility reprice failed", "deal", d.ID, "error", err)
		}
	}
}

// canonicalSource maps a deal's configured pricing source to the source the
// aggregator emits ticks under. tradingview rule rows are fed by the
// commercial scraper.
func canonicalSource(s types.PricingSource) types.PricingSource {
	if s == types.SourceTradingView {
		return types.SourceCommercial
	}
	return s
}

// Reprice refreshes a quoted deal's rate from the current market, on
// operator request. Counts against the group's reprice cap.
func (e *Engine) Reprice(ctx context.Context, dealID string) (Result, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Reason: types.ReasonNotFound}, nil
		}
		return Result{}, err
	}

	view, found := e.prices.Resolve(d.PricingSource)
	if !found || view.Stale {
		return Result{}, fmt.Errorf("no fresh price for source %s", d.PricingSource)
	}

	cfg, err := e.store.GetGroupConfig(ctx, d.GroupID)
	if err != nil {
		return Result{}, err
	}
	return e.repriceOrEscalate(ctx, dealID, view.Price, cfg.Volatility.MaxReprices)
}

// repriceOrEscalate performs one reprice under the pair lock, escalating to
// the operator when the deal has exhausted its reprice budget.
func (e *Engine) repriceOrEscalate(ctx context.Context, dealID string, mid decimal.Decimal, maxReprices int) (Result, error) {
	return e.withDeal(ctx, dealID, func(d types.Deal) (Result, error) {
		if d.State != types.DealQuoted {
			return Result{Deal: d, Reason: types.ReasonNotQuotable}, nil
		}

		if maxReprices <= 0 {
			maxReprices = 3
		}
		if d.RepriceCount >= maxReprices {
			return e.escalate(ctx, d, mid)
		}

		snap := pricing.Snapshot{
			SpreadMode: d.SpreadMode,
			SellSpread: d.SellSpread,
			BuySpread:  d.BuySpread,
		}
		quoted, err := pricing.ClientRate(mid, snap, d.Side)
		if err != nil {
			return Result{}, fmt.Errorf("compute rate: %w", err)
		}

		d.BaseRate = mid
		d.QuotedRate = quoted
		d.RepriceCount++
		if err := e.store.TransitionDeal(ctx, d, types.DealQuoted); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.reread(ctx, dealID)
			}
			return Result{}, err
		}

		e.emit(d, types.DealQuoted, types.DealQuoted, "repriced", mid)
		e.logger.Info("deal repriced",
			"deal", d.ID, "rate", d.QuotedRate, "count", d.RepriceCount,
		)
		e.sendGroup(ctx, d.GroupID,
			fmt.Sprintf("💱 Cotação atualizada: %s", pricing.FormatRateBR(d.QuotedRate)))
		return Result{Deal: d, Reason: types.ReasonOK}, nil
	})
}

// escalate marks the deal await-operator and notifies the control channel.
// Idempotent: a deal already held is left untouched.
func (e *Engine) escalate(ctx context.Context, d types.Deal, mid decimal.Decimal) (Result, error) {
	if d.Metadata[metaAwaitOperator] == "true" {
		return Result{Deal: d, Reason: types.ReasonEscalated}, nil
	}

	if d.Metadata == nil {
		d.Metadata = map[string]string{}
	}
	d.Metadata[metaAwaitOperator] = "true"
	d.Metadata["escalated_mid"] = mid.String()
	if err := e.store.TransitionDeal(ctx, d, types.DealQuoted); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return e.reread(ctx, d.ID)
		}
		return Result{}, err
	}

	e.emit(d, types.DealQuoted, types.DealQuoted, "escalated", mid)
	e.logger.Warn("deal escalated to operator",
		"deal", d.ID, "group", d.GroupID, "reprices", d.RepriceCount,
	)
	e.notifyOperator(fmt.Sprintf(
		"⚠️ Deal %s: %d reprecificações esgotadas, mercado em %s. Aguardando operador.",
		shortID(d.ID), d.RepriceCount, pricing.FormatRateBR(mid),
	))
	return Result{Deal: d, Reason: types.ReasonEscalated}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
