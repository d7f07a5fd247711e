// Package rules resolves the effective pricing policy for a group at a
// given instant.
//
// The base policy is the group's config. When one or more time rules are
// active, the highest-priority one (earliest-created on a tie) overrides the
// pricing source, spread mode and spreads. The resolved snapshot is copied
// onto the deal at quote time so later rule changes never reprice an
// existing deal.
package rules

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

// RuleSource provides the persisted rule rows for a group.
type RuleSource interface {
	RulesForGroup(ctx context.Context, groupJID string) ([]types.TimeRule, error)
}

// Resolved is the effective pricing policy for one quote.
type Resolved struct {
	PricingSource types.PricingSource
	SpreadMode    types.SpreadMode
	SellSpread    decimal.Decimal
	BuySpread     decimal.Decimal
	RuleID        *int64 // nil when no rule was active
	RuleName      string
}

// Resolver merges group config with active time rules.
type Resolver struct {
	source RuleSource
	now    func() time.Time
}

// NewResolver creates a Resolver. nowFn defaults to time.Now.
func NewResolver(source RuleSource, nowFn func() time.Time) *Resolver {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Resolver{source: source, now: nowFn}
}

// Resolve returns the effective policy for the group at the current instant.
// A store failure falls back to the group config so quoting degrades rather
// than erroring.
func (r *Resolver) Resolve(ctx context.Context, cfg types.GroupConfig) (Resolved, error) {
	base := Resolved{
		PricingSource: types.SourceBinance,
		SpreadMode:    cfg.SpreadMode,
		SellSpread:    cfg.SellSpread,
		BuySpread:     cfg.BuySpread,
	}

	ruleList, err := r.source.RulesForGroup(ctx, cfg.GroupID)
	if err != nil {
		return base, err
	}

	rule, ok := ActiveRule(ruleList, r.now())
	if !ok {
		return base, nil
	}

	id := rule.ID
	return Resolved{
		PricingSource: rule.PricingSource,
		SpreadMode:    rule.SpreadMode,
		SellSpread:    rule.SellSpread,
		BuySpread:     rule.BuySpread,
		RuleID:        &id,
		RuleName:      rule.Name,
	}, nil
}

// ActiveRule picks the winning rule at instant t: active, window contains t,
// highest priority, then earliest CreatedAt.
func ActiveRule(ruleList []types.TimeRule, t time.Time) (types.TimeRule, bool) {
	var best types.TimeRule
	found := false
	for _, rule := range ruleList {
		if !rule.IsActive || !rule.Window.Contains(t) {
			continue
		}
		if !found ||
			rule.Priority > best.Priority ||
			(rule.Priority == best.Priority && rule.CreatedAt.Before(best.CreatedAt)) {
			best = rule
			found = true
		}
	}
	return best, found
}
