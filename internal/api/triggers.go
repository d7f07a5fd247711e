// triggers.go: per-group trigger CRUD and the dry-run test endpoint.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"otc-desk-bot/internal/rules"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/trigger"
	"otc-desk-bot/pkg/types"
)

type triggerPayload struct {
	Phrase       string            `json:"phrase" validate:"required,min=1,max=200"`
	PatternType  string            `json:"patternType" validate:"required,oneof=exact contains regex"`
	ActionType   string            `json:"actionType" validate:"required,oneof=quote lock cancel extend text_response ai_prompt"`
	ActionParams map[string]string `json:"actionParams"`
	Priority     int               `json:"priority" validate:"min=0,max=100"`
	IsActive     *bool             `json:"isActive"`
	Scope        string            `json:"scope" validate:"omitempty,oneof=group control_only"`
}

// validateTriggerSemantics covers what struct tags cannot: the regex must
// compile and action-specific params must be present.
func validateTriggerSemantics(p triggerPayload) (string, bool) {
	if err := trigger.ValidatePattern(types.PatternType(p.PatternType), p.Phrase); err != nil {
		return err.Error(), false
	}
	switch types.ActionType(p.ActionType) {
	case types.ActionTextResponse:
		if p.ActionParams["text"] == "" {
			return "text_response requires a non-empty text param", false
		}
	case types.ActionAIPrompt:
		if p.ActionParams["prompt"] == "" {
			return "ai_prompt requires a non-empty prompt param", false
		}
	}
	return "", true
}

func (p triggerPayload) toTrigger(groupID string, id int64) types.Trigger {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	scope := types.ScopeGroup
	if p.Scope != "" {
		scope = types.TriggerScope(p.Scope)
	}
	return types.Trigger{
		ID:           id,
		GroupID:      groupID,
		Phrase:       p.Phrase,
		PatternType:  types.PatternType(p.PatternType),
		ActionType:   types.ActionType(p.ActionType),
		ActionParams: p.ActionParams,
		Priority:     p.Priority,
		IsActive:     active,
		Scope:        scope,
	}
}

type triggerView struct {
	ID           int64              `json:"id"`
	GroupID      string             `json:"groupJid"`
	Phrase       string             `json:"phrase"`
	PatternType  types.PatternType  `json:"patternType"`
	ActionType   types.ActionType   `json:"actionType"`
	ActionParams map[string]string  `json:"actionParams,omitempty"`
	Priority     int                `json:"priority"`
	IsActive     bool               `json:"isActive"`
	IsSystem     bool               `json:"isSystem"`
	Scope        types.TriggerScope `json:"scope"`
	CreatedAt    time.Time          `json:"createdAt"`
}

func triggerViewOf(t types.Trigger) triggerView {
	return triggerView{
		ID:           t.ID,
		GroupID:      t.GroupID,
		Phrase:       t.Phrase,
		PatternType:  t.PatternType,
		ActionType:   t.ActionType,
		ActionParams: t.ActionParams,
		Priority:     t.Priority,
		IsActive:     t.IsActive,
		IsSystem:     t.IsSystem,
		Scope:        t.Scope,
		CreatedAt:    t.CreatedAt,
	}
}

// HandleListTriggers is GET /api/groups/{jid}/triggers.
func (h *Handlers) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	triggers, err := h.engine.Store().TriggersForGroup(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	out := make([]triggerView, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, triggerViewOf(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreateTrigger is POST /api/groups/{jid}/triggers.
func (h *Handlers) HandleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	var p triggerPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}
	if msg, ok := validateTriggerSemantics(p); !ok {
		writeError(w, http.StatusBadRequest, "validation_failed", msg)
		return
	}

	created, err := h.engine.Store().CreateTrigger(r.Context(), p.toTrigger(jid, 0))
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "conflict", "trigger phrase already exists in group")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusCreated, triggerViewOf(created))
}

// HandleUpdateTrigger is PUT /api/groups/{jid}/triggers/{id}.
func (h *Handlers) HandleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid trigger id")
		return
	}
	var p triggerPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}
	if msg, ok := validateTriggerSemantics(p); !ok {
		writeError(w, http.StatusBadRequest, "validation_failed", msg)
		return
	}

	err = h.engine.Store().UpdateTrigger(r.Context(), p.toTrigger(jid, id))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such trigger in group")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "trigger phrase already exists in group")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

// HandleDeleteTrigger is DELETE /api/groups/{jid}/triggers/{id}.
// System triggers cannot be deleted, only deactivated.
func (h *Handlers) HandleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid trigger id")
		return
	}

	triggers, err := h.engine.Store().TriggersForGroup(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	for _, t := range triggers {
		if t.ID == id && t.IsSystem {
			writeError(w, http.StatusForbidden, "forbidden", "system triggers can only be deactivated")
			return
		}
	}

	err = h.engine.Store().DeleteTrigger(r.Context(), jid, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such trigger in group")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dry run
// ————————————————————————————————————————————————————————————————————————

type triggerTestPayload struct {
	Message string `json:"message" validate:"required"`
}

type triggerTestResult struct {
	Matched     bool         `json:"matched"`
	Trigger     *triggerView `json:"trigger,omitempty"`
	MatchedSpan string       `json:"matchedSpan,omitempty"`
	ActiveRule  string       `json:"activeRule,omitempty"`
	WouldDo     string       `json:"wouldDo,omitempty"`
}

// HandleTestTrigger is POST /api/groups/{jid}/triggers/test: evaluates a
// message against the group's triggers and active rule without side effects.
func (h *Handlers) HandleTestTrigger(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	var p triggerTestPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}

	triggers, err := h.engine.Store().TriggersForGroup(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	result := triggerTestResult{}
	if match, ok := h.engine.Matcher().Match(p.Message, triggers, false); ok {
		view := triggerViewOf(match.Trigger)
		result.Matched = true
		result.Trigger = &view
		result.MatchedSpan = match.MatchedSpan
		result.WouldDo = string(match.Trigger.ActionType)
	}
	if ruleList, err := h.engine.Store().RulesForGroup(r.Context(), jid); err == nil {
		if rule, ok := rules.ActiveRule(ruleList, time.Now()); ok {
			result.ActiveRule = rule.Name
		}
	}
	writeJSON(w, http.StatusOK, result)
}
