package engine

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/transport"
	"otc-desk-bot/pkg/types"
)

const (
	clientGroup  = "5511999990000-group@g.us"
	controlGroup = "5511999991111-group@g.us"
	clientJID    = "5511888880000@s.net"
	operatorJID  = "5511777770000@s.net"
)

func testEngineConfig() *config.Config {
	return &config.Config{
		Bot: config.BotConfig{ControlGroupPattern: "mesa otc"},
		Dispatch: config.DispatchConfig{
			MaxWorkers: 4, QueueDepth: 16,
			IdleTimeout: time.Minute, HandleTimeout: 5 * time.Second,
		},
		Prices: config.PricesConfig{
			StaleAfter: 2 * time.Minute, MinPlausible: 3, MaxPlausible: 10,
			Scraper: config.ScraperConfig{StaleAfter: 2 * time.Minute},
		},
		Deals: config.DealsConfig{
			SweepInterval: 10 * time.Second, LockTimeout: 100 * time.Millisecond,
			LockStripes: 16, MaxExtendPerCall: 3600, MaxTTLMultiple: 2,
		},
		Suppress: config.SuppressConfig{Cooldown: 30 * time.Second},
		Errors: config.ErrorsConfig{
			Window: time.Minute, WindowThreshold: 3, ConsecutiveCritical: 3,
			ProbeInitialBackoff: 2 * time.Second, ProbeMaxBackoff: 30 * time.Second,
		},
		Notify: config.NotifyConfig{RatePerMinute: 60, DedupWindow: 10 * time.Minute},
		Store:  config.StoreConfig{CacheTTL: time.Minute, BronzeBuffer: 64, QueryTimeout: 5 * time.Second},
	}
}

type rig struct {
	engine    *Engine
	transport *transport.Simulated
	store     *store.Store
}

func newEngineRig(t *testing.T) *rig {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := testEngineConfig()
	cfg.Store.DSN = "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	tr := transport.NewSimulated()
	e := New(cfg, tr, st, logger)

	// A fresh feed sample so quoting has a live mid.
	e.aggregator.Accept(types.PriceSample{
		Source: types.SourceBinance, Symbol: types.SymbolUSDTBRL,
		Price: dec("5.20"), CapturedAt: time.Now(),
	})

	// Activate the client group with a 50 bps sell spread.
	gc := store.DefaultGroupConfig(clientGroup)
	gc.Mode = types.ModeActive
	gc.SellSpread = dec("50")
	gc.BuySpread = dec("50")
	gc.PlayerRoles = map[string]string{operatorJID: "operator"}
	if err := st.SaveGroupConfig(context.Background(), gc); err != nil {
		t.Fatalf("save config: %v", err)
	}

	return &rig{engine: e, transport: tr, store: st}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// deliver pushes a message through the pipeline synchronously.
func (r *rig) deliver(group, groupName, sender, text string) {
	r.engine.handleMessage(context.Background(), types.InboundMessage{
		MessageID:  text + "-" + time.Now().Format("150405.000000"),
		GroupID:    group,
		GroupName:  groupName,
		SenderID:   sender,
		SenderName: "someone",
		Text:       text,
		Timestamp:  time.Now(),
	})
}

func lastOutbound(t *testing.T, tr *transport.Simulated) transport.OutboundRecord {
	t.Helper()
	out := tr.Outbound()
	if len(out) == 0 {
		t.Fatal("no outbound messages")
	}
	return out[len(out)-1]
}

func TestQuoteTriggerRepliesWithRate(t *testing.T) {
	r := newEngineRig(t)

	r.deliver(clientGroup, "Clientes VIP", clientJID, "cotação por favor")

	out := lastOutbound(t, r.transport)
	if out.GroupID != clientGroup {
		t.Errorf("reply went to %s", out.GroupID)
	}
	// 5.20 mid + 50 bps = 5.2260.
	if !strings.Contains(out.Text, "5,2260") {
		t.Errorf("reply = %q, want the 5,2260 rate", out.Text)
	}

	d, err := r.store.ActiveDeal(context.Background(), clientGroup, clientJID)
	if err != nil {
		t.Fatalf("no active deal after quote: %v", err)
	}
	if d.State != types.DealQuoted {
		t.Errorf("state = %s, want quoted", d.State)
	}
}

func TestDealConversationLockAmountCancel(t *testing.T) {
	r := newEngineRig(t)
	ctx := context.Background()

	r.deliver(clientGroup, "Clientes VIP", clientJID, "cotação")
	r.deliver(clientGroup, "Clientes VIP", clientJID, "fechar")

	d, err := r.store.ActiveDeal(ctx, clientGroup, clientJID)
	if err != nil {
		t.Fatalf("active deal: %v", err)
	}
	if d.State != types.DealLocked {
		t.Fatalf("state after fechar = %s, want locked", d.State)
	}
	if !strings.Contains(lastOutbound(t, r.transport).Text, "travada") {
		t.Errorf("lock confirmation missing: %q", lastOutbound(t, r.transport).Text)
	}

	r.deliver(clientGroup, "Clientes VIP", clientJID, "4.479.100,50")
	d, err = r.store.ActiveDeal(ctx, clientGroup, clientJID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.AmountBRL.Equal(dec("4479100.50")) {
		t.Errorf("brl = %s, want 4479100.50", d.AmountBRL)
	}
	if d.AmountUSDT.IsZero() {
		t.Error("usdt side not filled")
	}

	r.deliver(clientGroup, "Clientes VIP", clientJID, "cancelar")
	if _, err := r.store.ActiveDeal(ctx, clientGroup, clientJID); err == nil {
		t.Error("deal still active after cancel")
	}
}

func TestLockPhraseWithAmountLocksAndSizes(t *testing.T) {
	r := newEngineRig(t)
	ctx := context.Background()

	r.deliver(clientGroup, "Clientes VIP", clientJID, "cotação")
	r.deliver(clientGroup, "Clientes VIP", clientJID, "trava 10000")

	d, err := r.store.ActiveDeal(ctx, clientGroup, clientJID)
	if err != nil {
		t.Fatalf("active deal: %v", err)
	}
	if d.State != types.DealLocked {
		t.Fatalf("state after 'trava 10000' = %s, want locked", d.State)
	}
	if !d.LockedRate.Equal(dec("5.2260")) {
		t.Errorf("locked rate = %s, want 5.2260", d.LockedRate)
	}
	if !d.AmountBRL.Equal(dec("10000")) {
		t.Errorf("brl = %s, want 10000", d.AmountBRL)
	}
	// 10000 / 5.2260, truncated to 2 decimals.
	if !d.AmountUSDT.Equal(dec("1913.50")) {
		t.Errorf("usdt = %s, want 1913.50", d.AmountUSDT)
	}
	if out := lastOutbound(t, r.transport).Text; !strings.Contains(out, "1.913,50") {
		t.Errorf("confirmation = %q, want both sides", out)
	}
}

func TestOperatorConfirmationCompletesLockedDeal(t *testing.T) {
	r := newEngineRig(t)
	ctx := context.Background()

	r.deliver(clientGroup, "Clientes VIP", clientJID, "cotação")
	r.deliver(clientGroup, "Clientes VIP", clientJID, "fechar")

	// The operator's "fechou" arrives in the client's deal conversation.
	d, err := r.store.ActiveDeal(ctx, clientGroup, clientJID)
	if err != nil {
		t.Fatal(err)
	}
	r.engine.handleDealMessage(ctx, types.InboundMessage{
		MessageID: "op-1", GroupID: clientGroup, SenderID: operatorJID,
		Text: "fechou", Timestamp: time.Now(),
	}, d)

	if _, err := r.store.ActiveDeal(ctx, clientGroup, clientJID); err == nil {
		t.Fatal("deal still active after operator confirmation")
	}
	hist, err := r.store.DealHistoryPage(ctx, clientGroup, 10, 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history: %v (%d)", err, len(hist))
	}
	if hist[0].FinalState != types.DealCompleted {
		t.Errorf("final state = %s, want completed", hist[0].FinalState)
	}
}

func TestLearningModeStaysSilent(t *testing.T) {
	r := newEngineRig(t)

	gc := store.DefaultGroupConfig("other@g.us")
	gc.Mode = types.ModeLearning
	if err := r.store.SaveGroupConfig(context.Background(), gc); err != nil {
		t.Fatal(err)
	}

	r.deliver("other@g.us", "Grupo Novo", clientJID, "cotação")
	if n := len(r.transport.Outbound()); n != 0 {
		t.Errorf("learning group got %d replies, want 0", n)
	}
}

func TestPausedBotObservesTriggers(t *testing.T) {
	r := newEngineRig(t)

	r.engine.errors.TriggerAutoPause("feed failures", "binance")
	r.deliver(clientGroup, "Clientes VIP", clientJID, "cotação")

	if n := len(r.transport.Outbound()); n != 0 {
		t.Errorf("paused bot sent %d messages, want 0", n)
	}
	if _, err := r.store.ActiveDeal(context.Background(), clientGroup, clientJID); err == nil {
		t.Error("paused bot opened a deal")
	}
}

func TestControlGroupCommands(t *testing.T) {
	r := newEngineRig(t)

	// First control message both discovers the group and runs a command.
	r.deliver(controlGroup, "Mesa OTC — operadores", operatorJID, "status")

	out := lastOutbound(t, r.transport)
	if out.GroupID != controlGroup {
		t.Fatalf("status reply went to %s", out.GroupID)
	}
	if !strings.Contains(out.Text, "Operando") {
		t.Errorf("status = %q, want running marker", out.Text)
	}

	// modo command flips a known group's mode.
	r.deliver(clientGroup, "Clientes VIP", clientJID, "bom dia")
	r.deliver(controlGroup, "Mesa OTC — operadores", operatorJID, "modo clientes vip assisted")

	cfg, err := r.store.GetGroupConfig(context.Background(), clientGroup)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != types.ModeAssisted {
		t.Errorf("mode = %s, want assisted", cfg.Mode)
	}

	// pause / resume round-trip.
	r.deliver(controlGroup, "Mesa OTC — operadores", operatorJID, "pausar")
	if !r.engine.errors.IsPaused() {
		t.Error("pausar did not pause")
	}
	r.deliver(controlGroup, "Mesa OTC — operadores", operatorJID, "retomar")
	if r.engine.errors.IsPaused() {
		t.Error("retomar did not resume")
	}
}

func TestSystemTriggersSeededOnDiscovery(t *testing.T) {
	r := newEngineRig(t)

	r.deliver(clientGroup, "Clientes VIP", clientJID, "bom dia")

	triggers, err := r.store.TriggersForGroup(context.Background(), clientGroup)
	if err != nil {
		t.Fatal(err)
	}
	if len(triggers) == 0 {
		t.Fatal("no system triggers seeded")
	}
	for _, tr := range triggers {
		if !tr.IsSystem {
			t.Errorf("trigger %q seeded without is_system", tr.Phrase)
		}
	}
}
