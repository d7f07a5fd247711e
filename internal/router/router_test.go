package router

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/trigger"
	"otc-desk-bot/pkg/types"
)

type fakeSource struct {
	cfg      types.GroupConfig
	triggers []types.Trigger
	deal     *types.Deal
}

func (f *fakeSource) GetGroupConfig(context.Context, string) (types.GroupConfig, error) {
	return f.cfg, nil
}

func (f *fakeSource) TriggersForGroup(context.Context, string) ([]types.Trigger, error) {
	return f.triggers, nil
}

func (f *fakeSource) ActiveDeal(context.Context, string, string) (types.Deal, error) {
	if f.deal == nil {
		return types.Deal{}, store.ErrNotFound
	}
	return *f.deal, nil
}

func newTestRouter(src *fakeSource, paused bool) *Router {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(src, trigger.NewMatcher(), func() bool { return paused }, logger)
}

func msg(text string) types.InboundMessage {
	return types.InboundMessage{
		MessageID: "m1",
		GroupID:   "g1@g.us",
		SenderID:  "c1@s.net",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func quoteTrigger() types.Trigger {
	return types.Trigger{
		ID: 1, GroupID: "g1@g.us", Phrase: "cotação",
		PatternType: types.PatternContains, ActionType: types.ActionQuote,
		Priority: 50, IsActive: true, Scope: types.ScopeGroup,
	}
}

func TestControlGroupWinsOverEverything(t *testing.T) {
	t.Parallel()

	src := &fakeSource{triggers: []types.Trigger{quoteTrigger()}}
	r := newTestRouter(src, false)

	dec, err := r.Route(context.Background(), msg("cotação"), true)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Route != types.RouteControl {
		t.Errorf("route = %s, want CONTROL", dec.Route)
	}
}

func TestEmptyTextIgnored(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeSource{}, false)
	dec, err := r.Route(context.Background(), msg("   "), false)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Route != types.RouteIgnore {
		t.Errorf("route = %s, want IGNORE", dec.Route)
	}
}

func TestIgnoredSender(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		cfg:      types.GroupConfig{PlayerRoles: map[string]string{"c1@s.net": "ignored"}},
		triggers: []types.Trigger{quoteTrigger()},
	}
	r := newTestRouter(src, false)

	dec, err := r.Route(context.Background(), msg("cotação"), false)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Route != types.RouteIgnore {
		t.Errorf("route = %s, want IGNORE", dec.Route)
	}
}

func TestActiveDealBeatsTrigger(t *testing.T) {
	t.Parallel()

	d := types.Deal{ID: "d1", GroupID: "g1@g.us", ClientID: "c1@s.net", State: types.DealQuoted}
	src := &fakeSource{triggers: []types.Trigger{quoteTrigger()}, deal: &d}
	r := newTestRouter(src, false)

	dec, err := r.Route(context.Background(), msg("cotação"), false)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Route != types.RouteDeal {
		t.Fatalf("route = %s, want DEAL", dec.Route)
	}
	if dec.Deal == nil || dec.Deal.ID != "d1" {
		t.Errorf("decision should carry the active deal")
	}
}

func TestTriggerMatch(t *testing.T) {
	t.Parallel()

	src := &fakeSource{triggers: []types.Trigger{quoteTrigger()}}
	r := newTestRouter(src, false)

	dec, err := r.Route(context.Background(), msg("qual a cotação?"), false)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Route != types.RouteTriggered {
		t.Fatalf("route = %s, want TRIGGERED", dec.Route)
	}
	if dec.Match == nil || dec.Match.Trigger.ID != 1 {
		t.Error("decision should carry the trigger match")
	}
}

func TestPausedDowngradesTriggeredToObserve(t *testing.T) {
	t.Parallel()

	src := &fakeSource{triggers: []types.Trigger{quoteTrigger()}}
	r := newTestRouter(src, true)

	dec, err := r.Route(context.Background(), msg("cotação"), false)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Route != types.RouteObserve {
		t.Errorf("route while paused = %s, want OBSERVE", dec.Route)
	}
}

func TestNoMatchObserves(t *testing.T) {
	t.Parallel()

	src := &fakeSource{triggers: []types.Trigger{quoteTrigger()}}
	r := newTestRouter(src, false)

	dec, err := r.Route(context.Background(), msg("bom dia pessoal"), false)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Route != types.RouteObserve {
		t.Errorf("route = %s, want OBSERVE", dec.Route)
	}
}
