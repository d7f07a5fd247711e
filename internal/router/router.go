// Package router classifies inbound messages into pipeline destinations.
//
// Precedence: control group beats everything; then ignored sender and empty
// text; then active-deal continuation; then trigger match; otherwise the
// message is only observed. While the bot is paused, TRIGGERED downgrades to
// OBSERVE — observations are still logged, replies are not produced.
package router

import (
	"context"
	"errors"
	"log/slog"

	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/trigger"
	"otc-desk-bot/pkg/types"
)

// roleIgnored marks a participant the bot never reacts to.
const roleIgnored = "ignored"

// Source is the persisted state the router consults. *store.Store satisfies
// it.
type Source interface {
	GetGroupConfig(ctx context.Context, groupJID string) (types.GroupConfig, error)
	TriggersForGroup(ctx context.Context, groupJID string) ([]types.Trigger, error)
	ActiveDeal(ctx context.Context, groupJID, clientJID string) (types.Deal, error)
}

// Decision is the routing outcome. Match is set for TRIGGERED, Deal for
// DEAL.
type Decision struct {
	Route types.Route
	Match *types.TriggerMatch
	Deal  *types.Deal
}

// Router classifies messages.
type Router struct {
	source  Source
	matcher *trigger.Matcher
	paused  func() bool
	logger  *slog.Logger
}

// New creates a Router. paused reports the global operational status.
func New(source Source, matcher *trigger.Matcher, paused func() bool, logger *slog.Logger) *Router {
	if paused == nil {
		paused = func() bool { return false }
	}
	return &Router{
		source:  source,
		matcher: matcher,
		paused:  paused,
		logger:  logger.With("component", "router"),
	}
}

// Route classifies one inbound message. isControl marks the control group.
func (r *Router) Route(ctx context.Context, msg types.InboundMessage, isControl bool) (Decision, error) {
	if isControl {
		return Decision{Route: types.RouteControl}, nil
	}
	if trigger.Normalize(msg.Text) == "" {
		return Decision{Route: types.RouteIgnore}, nil
	}

	cfg, err := r.source.GetGroupConfig(ctx, msg.GroupID)
	if err != nil {
		return Decision{}, err
	}
	if cfg.PlayerRoles[msg.SenderID] == roleIgnored {
		return Decision{Route: types.RouteIgnore}, nil
	}

	// Active-deal continuation beats trigger matching: "fechar" from a
	// client mid-deal is a deal instruction, not a fresh trigger.
	if d, err := r.source.ActiveDeal(ctx, msg.GroupID, msg.SenderID); err == nil {
		return Decision{Route: types.RouteDeal, Deal: &d}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Decision{}, err
	}

	triggers, err := r.source.TriggersForGroup(ctx, msg.GroupID)
	if err != nil {
		return Decision{}, err
	}
	if match, ok := r.matcher.Match(msg.Text, triggers, false); ok {
		if r.paused() {
			r.logger.Debug("paused: trigger downgraded to observe",
				"group", msg.GroupID, "trigger", match.Trigger.ID)
			return Decision{Route: types.RouteObserve}, nil
		}
		return Decision{Route: types.RouteTriggered, Match: &match}, nil
	}

	return Decision{Route: types.RouteObserve}, nil
}
