// seed.go installs the default trigger vocabulary into newly discovered
// client groups. System triggers can be disabled from the dashboard but not
// deleted; operators layer their own on top.
package engine

import (
	"context"
	"errors"

	"otc-desk-bot/internal/store"
	"otc-desk-bot/pkg/types"
)

// systemTriggers is the starter vocabulary every client group gets.
var systemTriggers = []types.Trigger{
	{Phrase: "cotação", PatternType: types.PatternContains, ActionType: types.ActionQuote, Priority: 50},
	{Phrase: "preço", PatternType: types.PatternContains, ActionType: types.ActionQuote, Priority: 50},
	{Phrase: "usdt", PatternType: types.PatternExact, ActionType: types.ActionQuote, Priority: 40},
	// Lock phrases match as contains so "trava 10000" locks and sizes the
	// deal in one message.
	{Phrase: "fechar", PatternType: types.PatternContains, ActionType: types.ActionLock, Priority: 60},
	{Phrase: "fechou", PatternType: types.PatternContains, ActionType: types.ActionLock, Priority: 60},
	{Phrase: "trava", PatternType: types.PatternContains, ActionType: types.ActionLock, Priority: 60},
	{Phrase: "cancelar", PatternType: types.PatternContains, ActionType: types.ActionCancel, Priority: 60},
	{Phrase: "deixa pra lá", PatternType: types.PatternContains, ActionType: types.ActionCancel, Priority: 55},
	{Phrase: "mais tempo", PatternType: types.PatternContains, ActionType: types.ActionExtend, Priority: 40,
		ActionParams: map[string]string{"seconds": "60"}},
}

// seedSystemTriggers installs the defaults into a group, skipping phrases
// the operator already defined.
func (e *Engine) seedSystemTriggers(ctx context.Context, groupID string) {
	for _, t := range systemTriggers {
		t.GroupID = groupID
		t.IsActive = true
		t.IsSystem = true
		t.Scope = types.ScopeGroup
		if _, err := e.store.CreateTrigger(ctx, t); err != nil && !errors.Is(err, store.ErrConflict) {
			e.logger.Error("seed trigger failed", "group", groupID, "phrase", t.Phrase, "error", err)
		}
	}
}
