package deal

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/rules"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/pkg/types"
)

const (
	testGroup  = "g1@g.us"
	testClient = "c1@s.net"
)

type fakePrices struct {
	mu   sync.Mutex
	view types.PriceView
	ok   bool
}

func (f *fakePrices) Resolve(types.PricingSource) (types.PriceView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, f.ok
}

func (f *fakePrices) set(price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = types.PriceView{Price: dec(price)}
	f.ok = true
}

type fakePolicy struct{ res rules.Resolved }

func (f fakePolicy) Resolve(context.Context, types.GroupConfig) (rules.Resolved, error) {
	return f.res, nil
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// flatPolicy pins the quoted rate to 5.25 regardless of mid, which keeps the
// amount arithmetic in the tests exact.
func flatPolicy() fakePolicy {
	return fakePolicy{res: rules.Resolved{
		PricingSource: types.SourceBinance,
		SpreadMode:    types.SpreadFlat,
		SellSpread:    dec("5.25"),
		BuySpread:     dec("5.25"),
	}}
}

type testRig struct {
	engine   *Engine
	store    *store.Store
	prices   *fakePrices
	notified []string
	mu       sync.Mutex
}

func newRig(t *testing.T, policy PolicyResolver) *testRig {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.Open(config.StoreConfig{
		DSN:          "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared",
		CacheTTL:     time.Minute,
		BronzeBuffer: 64,
		QueryTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	rig := &testRig{store: st, prices: &fakePrices{}}
	rig.prices.set("5.20")

	rig.engine = NewEngine(st, rig.prices, policy, config.DealsConfig{
		SweepInterval:    10 * time.Second,
		LockTimeout:      50 * time.Millisecond,
		LockStripes:      16,
		MaxExtendPerCall: 3600,
		MaxTTLMultiple:   2,
	}, func(text string) {
		rig.mu.Lock()
		rig.notified = append(rig.notified, text)
		rig.mu.Unlock()
	}, nil, logger)

	cfg := store.DefaultGroupConfig(testGroup)
	cfg.Mode = types.ModeActive
	if err := st.SaveGroupConfig(context.Background(), cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return rig
}

func mustQuote(t *testing.T, rig *testRig) types.Deal {
	t.Helper()
	res, err := rig.engine.Quote(context.Background(), testGroup, testClient, types.ClientBuysUSDT, nil)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if res.Reason != types.ReasonOK {
		t.Fatalf("quote reason = %s, want ok", res.Reason)
	}
	return res.Deal
}

func TestQuoteLockApplyComplete(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	d := mustQuote(t, rig)
	if !d.QuotedRate.Equal(dec("5.25")) {
		t.Errorf("quoted rate = %s, want flat 5.25", d.QuotedRate)
	}
	if d.State != types.DealQuoted {
		t.Fatalf("state = %s, want quoted", d.State)
	}

	locked, err := rig.engine.Lock(ctx, d.ID)
	if err != nil || locked.Reason != types.ReasonOK {
		t.Fatalf("lock: %v reason=%s", err, locked.Reason)
	}
	if !locked.Deal.LockedRate.Equal(dec("5.25")) || locked.Deal.LockedAt == nil {
		t.Errorf("locked rate/at not snapshotted: %+v", locked.Deal)
	}

	brl := dec("4479100")
	applied, err := rig.engine.ApplyAmount(ctx, d.ID, &brl, nil)
	if err != nil || applied.Reason != types.ReasonOK {
		t.Fatalf("apply amount: %v reason=%s", err, applied.Reason)
	}
	// 4479100 / 5.25 truncated to two decimals.
	if !applied.Deal.AmountUSDT.Equal(dec("853161.90")) {
		t.Errorf("usdt = %s, want 853161.90", applied.Deal.AmountUSDT)
	}
	if applied.Deal.State != types.DealLocked {
		t.Errorf("state after apply = %s, want locked", applied.Deal.State)
	}

	done, err := rig.engine.Complete(ctx, d.ID, "operator confirmed")
	if err != nil || done.Reason != types.ReasonOK {
		t.Fatalf("complete: %v reason=%s", err, done.Reason)
	}

	// Slot freed: the pair can quote again.
	if _, err := rig.store.ActiveDeal(ctx, testGroup, testClient); err == nil {
		t.Error("active slot should be free after complete")
	}
	mustQuote(t, rig)
}

func TestQuoteConflictReturnsExistingDeal(t *testing.T) {
	rig := newRig(t, flatPolicy())

	first := mustQuote(t, rig)
	res, err := rig.engine.Quote(context.Background(), testGroup, testClient, types.ClientBuysUSDT, nil)
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if res.Reason != types.ReasonConflict {
		t.Errorf("reason = %s, want conflict", res.Reason)
	}
	if res.Deal.ID != first.ID {
		t.Errorf("conflict should surface the existing deal, got %s want %s", res.Deal.ID, first.ID)
	}
}

func TestQuoteRequiresFreshPrice(t *testing.T) {
	rig := newRig(t, flatPolicy())
	rig.prices.mu.Lock()
	rig.prices.view = types.PriceView{Price: dec("5.20"), Stale: true}
	rig.prices.mu.Unlock()

	if _, err := rig.engine.Quote(context.Background(), testGroup, testClient, types.ClientBuysUSDT, nil); err == nil {
		t.Error("quote on a stale price must fail")
	}
}

func TestLockIsIdempotent(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	d := mustQuote(t, rig)
	first, err := rig.engine.Lock(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := rig.engine.Lock(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reason != types.ReasonOK {
		t.Errorf("second lock reason = %s, want ok no-op", second.Reason)
	}
	if !second.Deal.LockedRate.Equal(first.Deal.LockedRate) {
		t.Error("second lock must not change the locked rate")
	}
}

func TestLockExpiredDealExpiresIt(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	d := mustQuote(t, rig)
	rig.engine.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	res, err := rig.engine.Lock(ctx, d.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if res.Reason != types.ReasonExpired {
		t.Errorf("reason = %s, want expired", res.Reason)
	}

	hist, err := rig.store.DealHistoryPage(ctx, testGroup, 10, 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history: %v (%d rows)", err, len(hist))
	}
	if hist[0].FinalState != types.DealExpired {
		t.Errorf("final state = %s, want expired", hist[0].FinalState)
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	d := mustQuote(t, rig)
	if _, err := rig.engine.Lock(ctx, d.ID); err != nil {
		t.Fatal(err)
	}

	res, err := rig.engine.Cancel(ctx, d.ID, "client walked away")
	if err != nil || res.Reason != types.ReasonOK {
		t.Fatalf("cancel: %v reason=%s", err, res.Reason)
	}

	// A second cancel finds nothing: the row is archived.
	res, err = rig.engine.Cancel(ctx, d.ID, "again")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != types.ReasonNotFound {
		t.Errorf("second cancel reason = %s, want not_found", res.Reason)
	}
}

func TestExtendCaps(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	d := mustQuote(t, rig)

	// Per-call cap: asking for 10000s extends by at most 3600s.
	res, err := rig.engine.Extend(ctx, d.ID, 10000)
	if err != nil || res.Reason != types.ReasonOK {
		t.Fatalf("extend: %v reason=%s", err, res.Reason)
	}
	// Cumulative cap: 2× the original 180s TTL from creation.
	ceiling := d.CreatedAt.Add(2 * 180 * time.Second)
	if res.Deal.TTLExpiresAt.After(ceiling.Add(time.Second)) {
		t.Errorf("ttl %v beyond cumulative ceiling %v", res.Deal.TTLExpiresAt, ceiling)
	}

	// Already at the ceiling: further extends are refused.
	res, err = rig.engine.Extend(ctx, d.ID, 60)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != types.ReasonConflict {
		t.Errorf("extend at ceiling reason = %s, want conflict", res.Reason)
	}
}

func TestSweepExpiresAndIsIdempotent(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	mustQuote(t, rig)
	rig.engine.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	n, err := rig.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}

	n, err = rig.engine.Sweep(ctx)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d (%v), want 0", n, err)
	}
}

func TestVolatilityRepriceThenEscalate(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	cfg, _ := rig.store.GetGroupConfig(ctx, testGroup)
	cfg.Volatility = types.VolatilityConfig{Enabled: true, ThresholdBps: 30, MaxReprices: 1}
	if err := rig.store.SaveGroupConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	d := mustQuote(t, rig)

	// First drift past the threshold refreshes the rate.
	rig.prices.set("5.30")
	res, err := rig.engine.Reprice(ctx, d.ID)
	if err != nil || res.Reason != types.ReasonOK {
		t.Fatalf("reprice: %v reason=%s", err, res.Reason)
	}
	if !res.Deal.BaseRate.Equal(dec("5.30")) || res.Deal.RepriceCount != 1 {
		t.Errorf("after reprice: base=%s count=%d", res.Deal.BaseRate, res.Deal.RepriceCount)
	}

	// Budget exhausted: next reprice escalates instead.
	rig.prices.set("5.40")
	res, err = rig.engine.Reprice(ctx, d.ID)
	if err != nil {
		t.Fatalf("second reprice: %v", err)
	}
	if res.Reason != types.ReasonEscalated {
		t.Errorf("reason = %s, want escalated", res.Reason)
	}
	if res.Deal.Metadata[metaAwaitOperator] != "true" {
		t.Error("deal should be marked await-operator")
	}
	rig.mu.Lock()
	notified := len(rig.notified)
	rig.mu.Unlock()
	if notified != 1 {
		t.Errorf("operator notifications = %d, want 1", notified)
	}

	// Escalation is idempotent.
	res, err = rig.engine.Reprice(ctx, d.ID)
	if err != nil || res.Reason != types.ReasonEscalated {
		t.Fatalf("third reprice: %v reason=%s", err, res.Reason)
	}
	rig.mu.Lock()
	notified = len(rig.notified)
	rig.mu.Unlock()
	if notified != 1 {
		t.Errorf("repeat escalation notified again (%d)", notified)
	}
}

func TestLockedDealsAreNeverRepriced(t *testing.T) {
	rig := newRig(t, flatPolicy())
	ctx := context.Background()

	d := mustQuote(t, rig)
	if _, err := rig.engine.Lock(ctx, d.ID); err != nil {
		t.Fatal(err)
	}

	rig.prices.set("5.90")
	res, err := rig.engine.Reprice(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != types.ReasonNotQuotable {
		t.Errorf("reason = %s, want not_quotable", res.Reason)
	}
	if !res.Deal.LockedRate.Equal(dec("5.25")) {
		t.Errorf("locked rate moved: %s", res.Deal.LockedRate)
	}
}

func TestBusyWhenPairLockHeld(t *testing.T) {
	rig := newRig(t, flatPolicy())

	d := mustQuote(t, rig)
	release, ok := rig.engine.locks.acquire(testGroup, testClient)
	if !ok {
		t.Fatal("test could not take the pair lock")
	}
	defer release()

	res, err := rig.engine.Lock(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != types.ReasonBusy {
		t.Errorf("reason = %s, want busy", res.Reason)
	}
}
