// control.go interprets messages in the control group as operator commands.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"otc-desk-bot/internal/pricing"
	"otc-desk-bot/internal/suppress"
	"otc-desk-bot/internal/trigger"
	"otc-desk-bot/pkg/types"
)

// handleControl parses and executes an operator command. Unrecognized text
// is matched against control-scoped triggers, then ignored.
func (e *Engine) handleControl(ctx context.Context, msg types.InboundMessage) {
	fields := strings.Fields(trigger.Normalize(msg.Text))
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "pause", "pausar":
		e.errors.PauseManual(msg.SenderName)
		e.logger.Info("manual pause", "operator", msg.SenderID)
		return

	case "resume", "retomar":
		e.errors.Resume("manual")
		e.logger.Info("manual resume", "operator", msg.SenderID)
		return

	case "status":
		e.sendToGroup(ctx, msg.GroupID, e.statusText(ctx), suppress.ClassDealState)
		return

	case "modo", "mode":
		e.cmdSetMode(ctx, msg, fields[1:])
		return
	}

	// Operator-defined control triggers (reports, canned answers).
	triggers, err := e.store.TriggersForGroup(ctx, msg.GroupID)
	if err != nil {
		return
	}
	if match, ok := e.matcher.Match(msg.Text, triggers, true); ok {
		if match.Trigger.ActionType == types.ActionTextResponse {
			if text := match.Trigger.ActionParams["text"]; text != "" {
				e.sendToGroup(ctx, msg.GroupID, text, suppress.ClassGeneral)
			}
		}
	}
}

// cmdSetMode is "modo <jid-or-name-fragment> <mode>".
func (e *Engine) cmdSetMode(ctx context.Context, msg types.InboundMessage, args []string) {
	if len(args) < 2 {
		e.sendToGroup(ctx, msg.GroupID,
			"Uso: modo <grupo> <learning|assisted|active|paused>", suppress.ClassDealState)
		return
	}

	mode := args[len(args)-1]
	nameFrag := strings.Join(args[:len(args)-1], " ")
	if !types.ValidGroupMode(mode) {
		e.sendToGroup(ctx, msg.GroupID,
			fmt.Sprintf("Modo inválido: %s", mode), suppress.ClassDealState)
		return
	}

	jid, name, ok := e.findGroup(ctx, nameFrag)
	if !ok {
		e.sendToGroup(ctx, msg.GroupID,
			fmt.Sprintf("Grupo não encontrado: %s", nameFrag), suppress.ClassDealState)
		return
	}

	cfg, err := e.store.GetGroupConfig(ctx, jid)
	if err != nil {
		e.logger.Error("config load failed", "group", jid, "error", err)
		return
	}
	cfg.Mode = types.GroupMode(mode)
	if err := e.store.SaveGroupConfig(ctx, cfg); err != nil {
		e.logger.Error("config save failed", "group", jid, "error", err)
		return
	}

	e.logger.Info("group mode changed", "group", jid, "mode", mode, "operator", msg.SenderID)
	e.sendToGroup(ctx, msg.GroupID,
		fmt.Sprintf("✔️ %s agora em modo %s", name, mode), suppress.ClassDealState)
}

// findGroup resolves a JID or case-insensitive name fragment to a group.
func (e *Engine) findGroup(ctx context.Context, frag string) (jid, name string, ok bool) {
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return "", "", false
	}
	lower := strings.ToLower(frag)
	for _, g := range groups {
		if g.JID == frag || strings.Contains(strings.ToLower(g.Name), lower) {
			return g.JID, g.Name, true
		}
	}
	return "", "", false
}

func (e *Engine) statusText(ctx context.Context) string {
	var b strings.Builder

	status, pause := e.errors.Status()
	if status == types.StatusPaused && pause != nil {
		fmt.Fprintf(&b, "⏸ Pausado: %s (desde %s)\n",
			pause.Reason, pause.PausedAt.Format("15:04:05"))
	} else {
		b.WriteString("▶️ Operando\n")
	}

	fmt.Fprintf(&b, "Uptime: %s\n", e.Uptime().Round(time.Second))
	fmt.Fprintf(&b, "Mensagens hoje: %d\n", e.SentToday())

	if deals, err := e.store.ListActiveDeals(ctx, ""); err == nil {
		fmt.Fprintf(&b, "Deals ativos: %d\n", len(deals))
	}

	for _, src := range []types.PricingSource{types.SourceBinance, types.SourceCommercial} {
		symbol := symbolOf(src)
		if view, ok := e.aggregator.GetPrice(src, symbol); ok {
			marker := ""
			if view.Stale {
				marker = " (desatualizado)"
			}
			fmt.Fprintf(&b, "%s: %s há %s%s\n",
				src, pricing.FormatRateBR(view.Price), view.Age.Round(time.Second), marker)
		} else {
			fmt.Fprintf(&b, "%s: sem amostra\n", src)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func symbolOf(src types.PricingSource) types.Symbol {
	if src == types.SourceBinance {
		return types.SymbolUSDTBRL
	}
	return types.SymbolUSDBRL
}
