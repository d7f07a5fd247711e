package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	// A named in-memory database with a shared cache: every pooled
	// connection sees the same schema, and every test gets its own.
	s, err := Open(config.StoreConfig{
		DSN:             "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared",
		CacheTTL:        time.Minute,
		BronzeBuffer:    16,
		QueryTimeout:    5 * time.Second,
		BronzeRetention: 90 * 24 * time.Hour,
	}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func sampleDeal(id, group, client string) types.Deal {
	now := time.Now()
	return types.Deal{
		ID:            id,
		GroupID:       group,
		ClientID:      client,
		Side:          types.ClientBuysUSDT,
		State:         types.DealQuoted,
		BaseRate:      dec("5.20"),
		QuotedRate:    dec("5.226"),
		TTLExpiresAt:  now.Add(3 * time.Minute),
		PricingSource: types.SourceBinance,
		SpreadMode:    types.SpreadBps,
		SellSpread:    dec("50"),
		BuySpread:     dec("50"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestGroupConfigDefaultsAndRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg, err := s.GetGroupConfig(ctx, "g1@g.us")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg.Mode != types.ModeLearning {
		t.Errorf("default mode = %s, want learning", cfg.Mode)
	}
	if cfg.QuoteTTLSeconds != 180 {
		t.Errorf("default ttl = %d, want 180", cfg.QuoteTTLSeconds)
	}

	cfg.Mode = types.ModeActive
	cfg.SellSpread = dec("50")
	cfg.PlayerRoles = map[string]string{"op@s.net": "operator"}
	if err := s.SaveGroupConfig(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetGroupConfig(ctx, "g1@g.us")
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if got.Mode != types.ModeActive {
		t.Errorf("mode = %s, want active", got.Mode)
	}
	if !got.SellSpread.Equal(dec("50")) {
		t.Errorf("sell spread = %s, want 50", got.SellSpread)
	}
	if got.PlayerRoles["op@s.net"] != "operator" {
		t.Errorf("player roles not round-tripped: %v", got.PlayerRoles)
	}
}

func TestTriggerUniquePerGroup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	trig := types.Trigger{
		GroupID:     "g1@g.us",
		Phrase:      "cotação",
		PatternType: types.PatternContains,
		ActionType:  types.ActionQuote,
		Priority:    50,
		IsActive:    true,
		Scope:       types.ScopeGroup,
	}
	if _, err := s.CreateTrigger(ctx, trig); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateTrigger(ctx, trig); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate phrase: err = %v, want ErrConflict", err)
	}

	// Same phrase in another group is fine.
	trig.GroupID = "g2@g.us"
	if _, err := s.CreateTrigger(ctx, trig); err != nil {
		t.Errorf("same phrase other group: %v", err)
	}
}

func TestTriggerCacheInvalidatedOnWrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	before, err := s.TriggersForGroup(ctx, "g1@g.us")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("expected empty trigger set, got %d", len(before))
	}

	if _, err := s.CreateTrigger(ctx, types.Trigger{
		GroupID: "g1@g.us", Phrase: "usdt", PatternType: types.PatternContains,
		ActionType: types.ActionQuote, IsActive: true, Scope: types.ScopeGroup,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	after, err := s.TriggersForGroup(ctx, "g1@g.us")
	if err != nil {
		t.Fatalf("list after create: %v", err)
	}
	if len(after) != 1 {
		t.Errorf("cached empty set served after write: got %d triggers, want 1", len(after))
	}
}

func TestAtMostOneActiveDeal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateDeal(ctx, sampleDeal("d1", "g1@g.us", "c1@s.net")); err != nil {
		t.Fatalf("first deal: %v", err)
	}
	err := s.CreateDeal(ctx, sampleDeal("d2", "g1@g.us", "c1@s.net"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second active deal: err = %v, want ErrConflict", err)
	}

	// Different client in the same group is fine.
	if err := s.CreateDeal(ctx, sampleDeal("d3", "g1@g.us", "c2@s.net")); err != nil {
		t.Errorf("other client: %v", err)
	}
}

func TestTransitionDealCAS(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := sampleDeal("d1", "g1@g.us", "c1@s.net")
	if err := s.CreateDeal(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	d.State = types.DealLocked
	lockedAt := time.Now()
	d.LockedAt = &lockedAt
	d.LockedRate = d.QuotedRate
	if err := s.TransitionDeal(ctx, d, types.DealQuoted); err != nil {
		t.Fatalf("quoted→locked: %v", err)
	}

	// Second writer still believing the deal is quoted must lose.
	stale := d
	stale.State = types.DealCancelled
	if err := s.TransitionDeal(ctx, stale, types.DealQuoted); !errors.Is(err, ErrConflict) {
		t.Errorf("stale CAS: err = %v, want ErrConflict", err)
	}

	got, err := s.GetDeal(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != types.DealLocked {
		t.Errorf("state = %s, want locked", got.State)
	}
}

func TestArchiveDealFreesTheSlot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := sampleDeal("d1", "g1@g.us", "c1@s.net")
	if err := s.CreateDeal(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ArchiveDeal(ctx, d, types.DealCompleted, "operator confirmed"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if _, err := s.ActiveDeal(ctx, "g1@g.us", "c1@s.net"); !errors.Is(err, ErrNotFound) {
		t.Errorf("active deal after archive: err = %v, want ErrNotFound", err)
	}

	// Slot is free: a new deal may open.
	if err := s.CreateDeal(ctx, sampleDeal("d2", "g1@g.us", "c1@s.net")); err != nil {
		t.Errorf("new deal after archive: %v", err)
	}

	hist, err := s.DealHistoryPage(ctx, "g1@g.us", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history rows = %d, want 1", len(hist))
	}
	if hist[0].FinalState != types.DealCompleted {
		t.Errorf("final state = %s, want completed", hist[0].FinalState)
	}
	if hist[0].CompletionReason != "operator confirmed" {
		t.Errorf("reason = %q", hist[0].CompletionReason)
	}

	// Archiving twice is a conflict, not a duplicate history row.
	if err := s.ArchiveDeal(ctx, d, types.DealCompleted, "again"); !errors.Is(err, ErrConflict) {
		t.Errorf("double archive: err = %v, want ErrConflict", err)
	}
}

func TestExpiredDeals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fresh := sampleDeal("d1", "g1@g.us", "c1@s.net")
	stale := sampleDeal("d2", "g1@g.us", "c2@s.net")
	stale.TTLExpiresAt = time.Now().Add(-time.Minute)
	if err := s.CreateDeal(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDeal(ctx, stale); err != nil {
		t.Fatal(err)
	}

	expired, err := s.ExpiredDeals(ctx, time.Now())
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "d2" {
		t.Errorf("expired = %v, want [d2]", expired)
	}
}

func TestMessageLogIgnoresRedelivery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := types.InboundMessage{
		MessageID: "m1",
		GroupID:   "g1@g.us",
		SenderID:  "c1@s.net",
		Text:      "cotação",
		Timestamp: time.Now(),
	}
	if err := s.LogMessage(ctx, msg, types.RouteTriggered); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.LogMessage(ctx, msg, types.RouteTriggered); err != nil {
		t.Errorf("redelivery should be a no-op, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.LoadSession(ctx)
	if err != nil || got != "" {
		t.Fatalf("empty store: %q, %v", got, err)
	}

	if err := s.SaveSession(ctx, `{"creds":"abc"}`); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveSession(ctx, `{"creds":"xyz"}`); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err = s.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"creds":"xyz"}` {
		t.Errorf("session = %q, want latest blob", got)
	}
}

func TestRecentMessagesOrderedOldestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := s.LogMessage(ctx, types.InboundMessage{
			MessageID: fmt.Sprintf("m%d", i),
			GroupID:   "g1@g.us",
			SenderID:  "c1@s.net",
			Text:      fmt.Sprintf("msg %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}, types.RouteObserve)
		if err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.RecentMessages(ctx, "g1@g.us", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	// The newest three, replay order.
	if rows[0].MessageID != "m2" || rows[2].MessageID != "m4" {
		t.Errorf("order = [%s %s %s], want [m2 m3 m4]",
			rows[0].MessageID, rows[1].MessageID, rows[2].MessageID)
	}
}

func TestCloseReleasesHandle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertGroup(ctx, "g1@g.us", "Grupo", false); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.ListGroups(ctx); err == nil {
		t.Error("queries should fail after Close")
	}
}
