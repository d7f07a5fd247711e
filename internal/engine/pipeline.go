// pipeline.go is the per-message path: discovery, routing, and the action
// taken for each destination. It runs on the message's group worker, so
// everything here is serialized per group.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/ai"
	"otc-desk-bot/internal/brnum"
	"otc-desk-bot/internal/pricing"
	"otc-desk-bot/internal/router"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/suppress"
	"otc-desk-bot/internal/trigger"
	"otc-desk-bot/pkg/types"
)

// handleMessage is the dispatch handler: one inbound message, end to end.
func (e *Engine) handleMessage(ctx context.Context, msg types.InboundMessage) {
	e.Process(ctx, msg)
}

// Process runs one message through the full pipeline synchronously and
// reports the route taken. The dashboard simulator calls it directly against
// an overlay engine; production traffic arrives via the dispatcher.
func (e *Engine) Process(ctx context.Context, msg types.InboundMessage) types.Route {
	start := time.Now()
	defer func() {
		e.metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	}()

	isControl := e.ensureGroup(ctx, msg)

	decision, err := e.router.Route(ctx, msg, isControl)
	if err != nil {
		e.logger.Error("routing failed", "message_id", msg.MessageID, "error", err)
		decision = router.Decision{Route: types.RouteObserve}
	}

	e.metrics.MessagesReceived.WithLabelValues(string(decision.Route)).Inc()
	if err := e.store.LogMessage(ctx, msg, decision.Route); err != nil {
		e.logger.Error("message log failed", "message_id", msg.MessageID, "error", err)
	}
	if err := e.store.TouchGroupActivity(ctx, msg.GroupID); err != nil {
		e.logger.Debug("activity touch failed", "group", msg.GroupID, "error", err)
	}

	switch decision.Route {
	case types.RouteControl:
		e.handleControl(ctx, msg)
	case types.RouteTriggered:
		e.handleTriggered(ctx, msg, *decision.Match)
	case types.RouteDeal:
		e.handleDealMessage(ctx, msg, *decision.Deal)
	case types.RouteObserve:
		e.observe(ctx, msg)
	case types.RouteIgnore:
		// Logged above; nothing else.
	}
	return decision.Route
}

// ensureGroup registers a group on first sight, detects the control group
// and seeds the system triggers. Returns whether the group is the control
// group.
func (e *Engine) ensureGroup(ctx context.Context, msg types.InboundMessage) bool {
	e.mu.Lock()
	isControl, known := e.knownGroups[msg.GroupID]
	e.mu.Unlock()
	if known {
		return isControl
	}

	isControl = e.isControlName(msg.GroupName)
	if err := e.store.UpsertGroup(ctx, msg.GroupID, msg.GroupName, isControl); err != nil {
		e.logger.Error("group upsert failed", "group", msg.GroupID, "error", err)
		return isControl
	}

	e.mu.Lock()
	e.knownGroups[msg.GroupID] = isControl
	if isControl {
		e.controlGroup = msg.GroupID
	}
	e.mu.Unlock()

	if isControl {
		e.notifier.SetControlGroup(msg.GroupID)
		e.logger.Info("control group discovered", "jid", msg.GroupID, "name", msg.GroupName)
	} else {
		e.seedSystemTriggers(ctx, msg.GroupID)
		e.logger.Info("group discovered", "jid", msg.GroupID, "name", msg.GroupName)
	}
	return isControl
}

// ————————————————————————————————————————————————————————————————————————
// TRIGGERED
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) handleTriggered(ctx context.Context, msg types.InboundMessage, match types.TriggerMatch) {
	e.metrics.TriggerMatches.WithLabelValues(string(match.Trigger.ActionType)).Inc()

	cfg, err := e.store.GetGroupConfig(ctx, msg.GroupID)
	if err != nil {
		e.logger.Error("group config load failed", "group", msg.GroupID, "error", err)
		return
	}

	switch cfg.Mode {
	case types.ModeLearning, types.ModePaused:
		// Learning groups only observe; paused groups stay silent.
		return
	case types.ModeAssisted:
		e.notifier.Notify(fmt.Sprintf(
			"💡 %s: %q acionaria %s (%s)",
			msg.GroupName, msg.Text, match.Trigger.ActionType, match.Trigger.Phrase,
		))
		return
	}

	// Active mode: execute.
	switch match.Trigger.ActionType {
	case types.ActionQuote:
		e.actQuote(ctx, msg, cfg)
	case types.ActionLock:
		e.actOnActiveDeal(ctx, msg, "lock")
	case types.ActionCancel:
		e.actOnActiveDeal(ctx, msg, "cancel")
	case types.ActionExtend:
		e.actExtend(ctx, msg, match.Trigger.ActionParams)
	case types.ActionTextResponse:
		if text := match.Trigger.ActionParams["text"]; text != "" {
			e.sendToGroup(ctx, msg.GroupID, text, suppress.ClassGeneral)
		}
	case types.ActionAIPrompt:
		e.actAIPrompt(ctx, msg, match.Trigger.ActionParams)
	}
}

func (e *Engine) actQuote(ctx context.Context, msg types.InboundMessage, cfg types.GroupConfig) {
	var hint *decimal.Decimal
	if amt, ok := brnum.Extract(msg.Text); ok && amt.Currency != types.CurrencyUSDT {
		hint = &amt.Amount
	}

	res, err := e.deals.Quote(ctx, msg.GroupID, msg.SenderID, cfg.DefaultSide, hint)
	if err != nil {
		e.logger.Error("quote failed", "group", msg.GroupID, "error", err)
		e.errors.RecordFailure("pricing", types.KindTransient, err)
		return
	}

	switch res.Reason {
	case types.ReasonOK:
		e.metrics.DealsOpened.Inc()
		ttlMin := cfg.QuoteTTLSeconds / 60
		text := fmt.Sprintf("💱 USDT: %s — válido por %d min",
			pricing.FormatRateBR(res.Deal.QuotedRate), ttlMin)
		if !res.Deal.AmountBRL.IsZero() {
			text = fmt.Sprintf("💱 R$ %s → %s USDT @ %s — válido por %d min",
				pricing.FormatAmountBR(res.Deal.AmountBRL),
				pricing.FormatAmountBR(res.Deal.AmountUSDT),
				pricing.FormatRateBR(res.Deal.QuotedRate), ttlMin)
		}
		e.sendToGroup(ctx, msg.GroupID, text, suppress.ClassDealState)
	case types.ReasonConflict:
		// The client already has a quote; repeat it rather than ignoring.
		e.sendToGroup(ctx, msg.GroupID,
			fmt.Sprintf("💱 Cotação em aberto: %s", pricing.FormatRateBR(res.Deal.QuotedRate)),
			suppress.ClassGeneral)
	case types.ReasonBusy:
		e.logger.Warn("quote busy", "group", msg.GroupID, "client", msg.SenderID)
	}
}

// actOnActiveDeal runs lock or cancel against the sender's active deal.
func (e *Engine) actOnActiveDeal(ctx context.Context, msg types.InboundMessage, op string) {
	d, err := e.store.ActiveDeal(ctx, msg.GroupID, msg.SenderID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("active deal lookup failed", "error", err)
		}
		return
	}
	switch op {
	case "lock":
		e.doLock(ctx, msg, d.ID)
	case "cancel":
		e.doCancel(ctx, msg.GroupID, d.ID, "client requested")
	}
}

func (e *Engine) actExtend(ctx context.Context, msg types.InboundMessage, params map[string]string) {
	d, err := e.store.ActiveDeal(ctx, msg.GroupID, msg.SenderID)
	if err != nil {
		return
	}
	seconds := 60
	if v, err := strconv.Atoi(params["seconds"]); err == nil && v > 0 {
		seconds = v
	}
	res, err := e.deals.Extend(ctx, d.ID, seconds)
	if err != nil || res.Reason != types.ReasonOK {
		return
	}
	e.sendToGroup(ctx, msg.GroupID,
		fmt.Sprintf("⏳ Prazo estendido até %s", res.Deal.TTLExpiresAt.Format("15:04:05")),
		suppress.ClassDealState)
}

func (e *Engine) actAIPrompt(ctx context.Context, msg types.InboundMessage, params map[string]string) {
	if e.classifier == nil {
		return
	}
	text := msg.Text
	if prompt := params["prompt"]; prompt != "" {
		text = prompt + "\n" + msg.Text
	}
	res, err := e.classifier.Classify(ctx, msg.GroupID, text)
	if err != nil {
		if !errors.Is(err, ai.ErrFiltered) && !errors.Is(err, ai.ErrRateLimited) {
			e.logger.Warn("ai prompt failed", "error", err)
		}
		return
	}
	e.notifier.Notify(fmt.Sprintf(
		"🤖 %s: %q → %s (%.0f%%)",
		msg.GroupName, msg.Text, res.Intent, res.Confidence*100,
	))
}

// ————————————————————————————————————————————————————————————————————————
// DEAL conversation
// ————————————————————————————————————————————————————————————————————————

// handleDealMessage interprets a message from a client with an in-flight
// deal: cancel phrase, lock phrase, an amount, or nothing.
func (e *Engine) handleDealMessage(ctx context.Context, msg types.InboundMessage, d types.Deal) {
	cfg, err := e.store.GetGroupConfig(ctx, msg.GroupID)
	if err != nil {
		e.logger.Error("group config load failed", "group", msg.GroupID, "error", err)
		return
	}
	triggers, err := e.store.TriggersForGroup(ctx, msg.GroupID)
	if err != nil {
		e.logger.Error("trigger load failed", "group", msg.GroupID, "error", err)
		return
	}

	isOperator := cfg.PlayerRoles[msg.SenderID] == "operator"

	if match, ok := e.matcher.Match(msg.Text, triggers, false); ok {
		switch match.Trigger.ActionType {
		case types.ActionCancel:
			e.doCancel(ctx, msg.GroupID, d.ID, "client requested")
			return
		case types.ActionLock:
			if d.State == types.DealQuoted {
				e.doLock(ctx, msg, d.ID)
				return
			}
			if d.State == types.DealLocked && isOperator {
				e.doComplete(ctx, msg.GroupID, d.ID, "operator confirmed")
				return
			}
		case types.ActionExtend:
			e.actExtend(ctx, msg, match.Trigger.ActionParams)
			return
		}
	}

	if amt, ok := brnum.Extract(msg.Text); ok {
		e.doApplyAmount(ctx, msg.GroupID, d.ID, amt)
		return
	}

	// Nothing actionable; the deal stays as it is.
}

// doLock freezes the quoted rate. An amount riding on the lock phrase
// ("trava 10000") is applied in the same turn, so the confirmation carries
// both sides at the locked rate.
func (e *Engine) doLock(ctx context.Context, msg types.InboundMessage, dealID string) {
	res, err := e.deals.Lock(ctx, dealID)
	if err != nil {
		e.logger.Error("lock failed", "deal", dealID, "error", err)
		return
	}
	switch res.Reason {
	case types.ReasonOK:
		if amt, ok := brnum.Extract(msg.Text); ok {
			brl, usdt := splitAmount(amt)
			ares, err := e.deals.ApplyAmount(ctx, dealID, brl, usdt)
			if err != nil {
				e.logger.Error("apply amount on lock failed", "deal", dealID, "error", err)
			} else if ares.Reason == types.ReasonOK {
				e.sendToGroup(ctx, msg.GroupID, fmt.Sprintf(
					"🔒 Travado: R$ %s ⇄ %s USDT @ %s",
					pricing.FormatAmountBR(ares.Deal.AmountBRL),
					pricing.FormatAmountBR(ares.Deal.AmountUSDT),
					pricing.FormatRateBR(ares.Deal.LockedRate),
				), suppress.ClassDealState)
				return
			}
		}
		e.sendToGroup(ctx, msg.GroupID,
			fmt.Sprintf("🔒 Cotação travada: %s", pricing.FormatRateBR(res.Deal.LockedRate)),
			suppress.ClassDealState)
	case types.ReasonExpired:
		e.sendToGroup(ctx, msg.GroupID,
			"⏰ Cotação expirada — peça uma nova.", suppress.ClassDealState)
	}
}

func (e *Engine) doCancel(ctx context.Context, groupID, dealID, reason string) {
	res, err := e.deals.Cancel(ctx, dealID, reason)
	if err != nil {
		e.logger.Error("cancel failed", "deal", dealID, "error", err)
		return
	}
	if res.Reason == types.ReasonOK {
		e.metrics.DealsClosed.WithLabelValues(string(types.DealCancelled)).Inc()
		e.sendToGroup(ctx, groupID, "❌ Operação cancelada.", suppress.ClassDealState)
	}
}

func (e *Engine) doComplete(ctx context.Context, groupID, dealID, reason string) {
	res, err := e.deals.Complete(ctx, dealID, reason)
	if err != nil {
		e.logger.Error("complete failed", "deal", dealID, "error", err)
		return
	}
	if res.Reason == types.ReasonOK {
		e.metrics.DealsClosed.WithLabelValues(string(types.DealCompleted)).Inc()
		e.sendToGroup(ctx, groupID, "✅ Operação concluída. Obrigado!", suppress.ClassDealState)
	}
}

// splitAmount maps an extracted amount to the deal engine's one-sided input;
// a prefixless amount is read as BRL.
func splitAmount(amt brnum.Extracted) (brl, usdt *decimal.Decimal) {
	if amt.Currency == types.CurrencyUSDT {
		return nil, &amt.Amount
	}
	return &amt.Amount, nil
}

func (e *Engine) doApplyAmount(ctx context.Context, groupID, dealID string, amt brnum.Extracted) {
	brl, usdt := splitAmount(amt)
	res, err := e.deals.ApplyAmount(ctx, dealID, brl, usdt)
	if err != nil {
		e.logger.Error("apply amount failed", "deal", dealID, "error", err)
		return
	}
	if res.Reason != types.ReasonOK {
		return
	}

	rate := res.Deal.QuotedRate
	if res.Deal.State == types.DealLocked {
		rate = res.Deal.LockedRate
	}
	e.sendToGroup(ctx, groupID, fmt.Sprintf(
		"✅ R$ %s ⇄ %s USDT @ %s",
		pricing.FormatAmountBR(res.Deal.AmountBRL),
		pricing.FormatAmountBR(res.Deal.AmountUSDT),
		pricing.FormatRateBR(rate),
	), suppress.ClassDealState)
}

// ————————————————————————————————————————————————————————————————————————
// OBSERVE
// ————————————————————————————————————————————————————————————————————————

// observe optionally consults the classifier for trigger discovery. Verdicts
// only ever become operator suggestions, never client replies.
func (e *Engine) observe(ctx context.Context, msg types.InboundMessage) {
	if e.classifier == nil || e.errors.IsPaused() {
		return
	}
	if len(trigger.Normalize(msg.Text)) < 8 {
		return
	}

	res, err := e.classifier.Classify(ctx, msg.GroupID, msg.Text)
	if err != nil {
		return
	}
	if res.Relevant && res.Confidence >= 0.8 {
		e.notifier.Notify(fmt.Sprintf(
			"🔎 %s: %q parece %s (%.0f%%) — considere um gatilho.",
			msg.GroupName, msg.Text, res.Intent, res.Confidence*100,
		))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Sending
// ————————————————————————————————————————————————————————————————————————

// sendToGroup delivers text into a group with a typing flash, honoring the
// suppression guard for the given class.
func (e *Engine) sendToGroup(ctx context.Context, groupID, text string, class suppress.Class) {
	now := time.Now()
	if e.guard.ShouldSuppress(groupID, class, now) {
		e.logger.Debug("send suppressed", "group", groupID)
		return
	}

	err := e.transport.Send(ctx, groupID, text, types.SendOptions{TypingFlash: true})
	if err != nil {
		e.errors.RecordFailure("transport", types.KindTransient, err)
		e.logger.Error("send failed", "group", groupID, "error", err)
		return
	}
	e.errors.RecordSuccess("transport")
	e.guard.RecordBotResponse(groupID, time.Now())
	e.countSent()
}

// sendToGroupUnsuppressed is the deal engine's announcement path: reprice
// notices must reach the group even inside a cooldown window.
func (e *Engine) sendToGroupUnsuppressed(ctx context.Context, groupID, text string) {
	e.sendToGroup(ctx, groupID, text, suppress.ClassDealState)
}
