// rules.go: time-rule CRUD. Rules are group-scoped rows addressed by a
// global id; the payload carries the owning group.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/store"
	"otc-desk-bot/pkg/types"
)

type rulePayload struct {
	GroupJID      string          `json:"groupJid" validate:"required"`
	Name          string          `json:"name" validate:"required,max=100"`
	PricingSource string          `json:"pricingSource" validate:"required,oneof=binance commercial tradingview rest"`
	SpreadMode    string          `json:"spreadMode" validate:"required,oneof=bps abs_brl flat"`
	SellSpread    decimal.Decimal `json:"sellSpread"`
	BuySpread     decimal.Decimal `json:"buySpread"`
	Priority      int             `json:"priority" validate:"min=0,max=100"`
	Days          []int           `json:"days" validate:"dive,min=0,max=6"`
	StartMin      int             `json:"startMin" validate:"min=0,max=1439"`
	EndMin        int             `json:"endMin" validate:"min=0,max=1439"`
	IsActive      *bool           `json:"isActive"`
}

func (p rulePayload) toRule(id int64) types.TimeRule {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	days := make([]time.Weekday, 0, len(p.Days))
	for _, d := range p.Days {
		days = append(days, time.Weekday(d))
	}
	return types.TimeRule{
		ID:            id,
		GroupID:       p.GroupJID,
		Name:          p.Name,
		PricingSource: types.PricingSource(p.PricingSource),
		SpreadMode:    types.SpreadMode(p.SpreadMode),
		SellSpread:    p.SellSpread,
		BuySpread:     p.BuySpread,
		Priority:      p.Priority,
		Window:        types.RuleWindow{Days: days, StartMin: p.StartMin, EndMin: p.EndMin},
		IsActive:      active,
	}
}

type ruleView struct {
	ID            int64               `json:"id"`
	GroupJID      string              `json:"groupJid"`
	Name          string              `json:"name"`
	PricingSource types.PricingSource `json:"pricingSource"`
	SpreadMode    types.SpreadMode    `json:"spreadMode"`
	SellSpread    decimal.Decimal     `json:"sellSpread"`
	BuySpread     decimal.Decimal     `json:"buySpread"`
	Priority      int                 `json:"priority"`
	Window        types.RuleWindow    `json:"window"`
	IsSystem      bool                `json:"isSystem"`
	IsActive      bool                `json:"isActive"`
}

func ruleViewOf(rule types.TimeRule) ruleView {
	return ruleView{
		ID:            rule.ID,
		GroupJID:      rule.GroupID,
		Name:          rule.Name,
		PricingSource: rule.PricingSource,
		SpreadMode:    rule.SpreadMode,
		SellSpread:    rule.SellSpread,
		BuySpread:     rule.BuySpread,
		Priority:      rule.Priority,
		Window:        rule.Window,
		IsSystem:      rule.IsSystem,
		IsActive:      rule.IsActive,
	}
}

// HandleListRules is GET /api/groups/{jid}/rules.
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	ruleList, err := h.engine.Store().RulesForGroup(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	out := make([]ruleView, 0, len(ruleList))
	for _, rule := range ruleList {
		out = append(out, ruleViewOf(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreateRule is POST /api/rules.
func (h *Handlers) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var p rulePayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}
	if !h.groupExists(r.Context(), p.GroupJID) {
		writeError(w, http.StatusNotFound, "not_found", "unknown group")
		return
	}
	created, err := h.engine.Store().CreateRule(r.Context(), p.toRule(0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusCreated, ruleViewOf(created))
}

// HandleUpdateRule is PUT /api/rules/{id}.
func (h *Handlers) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}
	var p rulePayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}

	err = h.engine.Store().UpdateRule(r.Context(), p.toRule(id))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such rule in group")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

// HandleDeleteRule is DELETE /api/rules/{id}. System rules refuse deletion;
// disable them instead.
func (h *Handlers) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}

	rule, err := h.engine.Store().RuleByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such rule")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	if rule.IsSystem {
		writeError(w, http.StatusForbidden, "forbidden", "system rules can only be disabled")
		return
	}

	err = h.engine.Store().DeleteRule(r.Context(), rule.GroupID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such rule")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
