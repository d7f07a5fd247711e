package rules

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

type staticSource struct {
	rules []types.TimeRule
	err   error
}

func (s staticSource) RulesForGroup(context.Context, string) ([]types.TimeRule, error) {
	return s.rules, s.err
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// tuesday10h is a fixed Tuesday 10:00 local time.
var tuesday10h = time.Date(2026, 8, 18, 10, 0, 0, 0, time.Local)

func businessHoursRule(id int64, priority int, created time.Time) types.TimeRule {
	return types.TimeRule{
		ID:            id,
		GroupID:       "g1@g.us",
		Name:          "business hours",
		PricingSource: types.SourceCommercial,
		SpreadMode:    types.SpreadBps,
		SellSpread:    dec("80"),
		BuySpread:     dec("80"),
		Priority:      priority,
		Window: types.RuleWindow{
			Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			StartMin: 9 * 60,
			EndMin:   18 * 60,
		},
		IsActive:  true,
		CreatedAt: created,
	}
}

func testConfig() types.GroupConfig {
	return types.GroupConfig{
		GroupID:    "g1@g.us",
		SpreadMode: types.SpreadBps,
		SellSpread: dec("50"),
		BuySpread:  dec("50"),
	}
}

func TestResolveNoActiveRuleUsesConfig(t *testing.T) {
	t.Parallel()

	// Saturday: the weekday window does not apply.
	saturday := time.Date(2026, 8, 22, 10, 0, 0, 0, time.Local)
	r := NewResolver(staticSource{rules: []types.TimeRule{businessHoursRule(1, 10, time.Now())}},
		func() time.Time { return saturday })

	got, err := r.Resolve(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.RuleID != nil {
		t.Errorf("rule id = %v, want nil", *got.RuleID)
	}
	if !got.SellSpread.Equal(dec("50")) {
		t.Errorf("sell spread = %s, want config 50", got.SellSpread)
	}
	if got.PricingSource != types.SourceBinance {
		t.Errorf("source = %s, want binance default", got.PricingSource)
	}
}

func TestResolveActiveRuleOverrides(t *testing.T) {
	t.Parallel()

	r := NewResolver(staticSource{rules: []types.TimeRule{businessHoursRule(7, 10, time.Now())}},
		func() time.Time { return tuesday10h })

	got, err := r.Resolve(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.RuleID == nil || *got.RuleID != 7 {
		t.Fatalf("rule id = %v, want 7", got.RuleID)
	}
	if got.PricingSource != types.SourceCommercial {
		t.Errorf("source = %s, want commercial", got.PricingSource)
	}
	if !got.SellSpread.Equal(dec("80")) {
		t.Errorf("sell spread = %s, want rule 80", got.SellSpread)
	}
}

func TestActiveRuleTieBreaking(t *testing.T) {
	t.Parallel()

	base := time.Now()
	older := businessHoursRule(1, 10, base)
	newer := businessHoursRule(2, 10, base.Add(time.Hour))
	stronger := businessHoursRule(3, 20, base.Add(2*time.Hour))

	// Higher priority wins.
	rule, ok := ActiveRule([]types.TimeRule{older, newer, stronger}, tuesday10h)
	if !ok || rule.ID != 3 {
		t.Errorf("got rule %d, want 3 (highest priority)", rule.ID)
	}

	// Equal priority: earliest created wins.
	rule, ok = ActiveRule([]types.TimeRule{newer, older}, tuesday10h)
	if !ok || rule.ID != 1 {
		t.Errorf("got rule %d, want 1 (earliest created)", rule.ID)
	}
}

func TestActiveRuleSkipsInactive(t *testing.T) {
	t.Parallel()

	inactive := businessHoursRule(1, 10, time.Now())
	inactive.IsActive = false
	if _, ok := ActiveRule([]types.TimeRule{inactive}, tuesday10h); ok {
		t.Error("inactive rule must not be selected")
	}
}

func TestWrapPastMidnightWindow(t *testing.T) {
	t.Parallel()

	overnight := businessHoursRule(1, 10, time.Now())
	overnight.Window = types.RuleWindow{StartMin: 22 * 60, EndMin: 6 * 60}

	at23 := time.Date(2026, 8, 18, 23, 0, 0, 0, time.Local)
	at3 := time.Date(2026, 8, 19, 3, 0, 0, 0, time.Local)
	at12 := time.Date(2026, 8, 19, 12, 0, 0, 0, time.Local)

	if _, ok := ActiveRule([]types.TimeRule{overnight}, at23); !ok {
		t.Error("23:00 should be inside a 22:00–06:00 window")
	}
	if _, ok := ActiveRule([]types.TimeRule{overnight}, at3); !ok {
		t.Error("03:00 should be inside a 22:00–06:00 window")
	}
	if _, ok := ActiveRule([]types.TimeRule{overnight}, at12); ok {
		t.Error("12:00 should be outside a 22:00–06:00 window")
	}
}
