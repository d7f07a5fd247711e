// groups.go: per-group mode, volatility and spread configuration endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

// groupExists reports whether a group JID has been discovered.
func (h *Handlers) groupExists(ctx context.Context, jid string) bool {
	groups, err := h.engine.Store().ListGroups(ctx)
	if err != nil {
		return false
	}
	for _, g := range groups {
		if g.JID == jid {
			return true
		}
	}
	return false
}

// requireGroup 404s unknown JIDs and returns the path value.
func (h *Handlers) requireGroup(w http.ResponseWriter, r *http.Request) (string, bool) {
	jid := r.PathValue("jid")
	if !h.groupExists(r.Context(), jid) {
		writeError(w, http.StatusNotFound, "not_found", "unknown group")
		return "", false
	}
	return jid, true
}

// ————————————————————————————————————————————————————————————————————————
// Mode
// ————————————————————————————————————————————————————————————————————————

type modePayload struct {
	Mode string `json:"mode" validate:"required,oneof=learning assisted active paused"`
}

// HandleSetMode is PUT /api/groups/{jid}/mode.
func (h *Handlers) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	var p modePayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}

	cfg, err := h.engine.Store().GetGroupConfig(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	cfg.Mode = types.GroupMode(p.Mode)
	if err := h.engine.Store().SaveGroupConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	h.logger.Info("group mode changed", "group", jid, "mode", p.Mode, "via", "dashboard")
	writeJSON(w, http.StatusOK, map[string]string{"jid": jid, "mode": p.Mode})
}

// ————————————————————————————————————————————————————————————————————————
// Volatility
// ————————————————————————————————————————————————————————————————————————

type volatilityPayload struct {
	Enabled      *bool `json:"enabled" validate:"required"`
	ThresholdBps int   `json:"thresholdBps" validate:"required,min=10,max=1000"`
	MaxReprices  int   `json:"maxReprices" validate:"required,min=1,max=10"`
}

type volatilityView struct {
	Enabled      bool `json:"enabled"`
	ThresholdBps int  `json:"thresholdBps"`
	MaxReprices  int  `json:"maxReprices"`
}

// HandleGetVolatility is GET /api/groups/{jid}/volatility.
func (h *Handlers) HandleGetVolatility(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	cfg, err := h.engine.Store().GetGroupConfig(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusOK, volatilityView{
		Enabled:      cfg.Volatility.Enabled,
		ThresholdBps: cfg.Volatility.ThresholdBps,
		MaxReprices:  cfg.Volatility.MaxReprices,
	})
}

// HandleSetVolatility is PUT|POST /api/groups/{jid}/volatility.
func (h *Handlers) HandleSetVolatility(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	var p volatilityPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}

	cfg, err := h.engine.Store().GetGroupConfig(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	cfg.Volatility = types.VolatilityConfig{
		Enabled:      *p.Enabled,
		ThresholdBps: p.ThresholdBps,
		MaxReprices:  p.MaxReprices,
	}
	if err := h.engine.Store().SaveGroupConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusOK, volatilityView{
		Enabled:      cfg.Volatility.Enabled,
		ThresholdBps: cfg.Volatility.ThresholdBps,
		MaxReprices:  cfg.Volatility.MaxReprices,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Spread / full config
// ————————————————————————————————————————————————————————————————————————

type spreadPayload struct {
	SpreadMode      string            `json:"spreadMode" validate:"required,oneof=bps abs_brl flat"`
	SellSpread      decimal.Decimal   `json:"sellSpread"`
	BuySpread       decimal.Decimal   `json:"buySpread"`
	QuoteTTLSeconds int               `json:"quoteTtlSeconds" validate:"required,min=1,max=3600"`
	DefaultSide     string            `json:"defaultSide" validate:"omitempty,oneof=client_buys_usdt client_sells_usdt"`
	DefaultCurrency string            `json:"defaultCurrency" validate:"omitempty,oneof=BRL USDT"`
	Language        string            `json:"language" validate:"omitempty,oneof=pt-BR en"`
	PlayerRoles     map[string]string `json:"playerRoles"`
}

type configView struct {
	GroupID         string            `json:"groupJid"`
	Mode            types.GroupMode   `json:"mode"`
	SpreadMode      types.SpreadMode  `json:"spreadMode"`
	SellSpread      decimal.Decimal   `json:"sellSpread"`
	BuySpread       decimal.Decimal   `json:"buySpread"`
	QuoteTTLSeconds int               `json:"quoteTtlSeconds"`
	DefaultSide     types.Side        `json:"defaultSide"`
	DefaultCurrency types.Currency    `json:"defaultCurrency"`
	Language        types.Language    `json:"language"`
	PlayerRoles     map[string]string `json:"playerRoles"`
}

func viewOf(cfg types.GroupConfig) configView {
	return configView{
		GroupID:         cfg.GroupID,
		Mode:            cfg.Mode,
		SpreadMode:      cfg.SpreadMode,
		SellSpread:      cfg.SellSpread,
		BuySpread:       cfg.BuySpread,
		QuoteTTLSeconds: cfg.QuoteTTLSeconds,
		DefaultSide:     cfg.DefaultSide,
		DefaultCurrency: cfg.DefaultCurrency,
		Language:        cfg.Language,
		PlayerRoles:     cfg.PlayerRoles,
	}
}

// HandleGetSpread is GET /api/groups/{jid}/spread.
func (h *Handlers) HandleGetSpread(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	cfg, err := h.engine.Store().GetGroupConfig(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cfg))
}

// HandleSetSpread is PUT /api/groups/{jid}/spread. Mode and volatility are
// managed by their own endpoints and left untouched here.
func (h *Handlers) HandleSetSpread(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	var p spreadPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}

	// Negative spreads are legal: they quote through the mid, which desks
	// use for preferred clients.
	cfg, err := h.engine.Store().GetGroupConfig(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	cfg.SpreadMode = types.SpreadMode(p.SpreadMode)
	cfg.SellSpread = p.SellSpread
	cfg.BuySpread = p.BuySpread
	cfg.QuoteTTLSeconds = p.QuoteTTLSeconds
	if p.DefaultSide != "" {
		cfg.DefaultSide = types.Side(p.DefaultSide)
	}
	if p.DefaultCurrency != "" {
		cfg.DefaultCurrency = types.Currency(p.DefaultCurrency)
	}
	if p.Language != "" {
		cfg.Language = types.Language(p.Language)
	}
	if p.PlayerRoles != nil {
		cfg.PlayerRoles = p.PlayerRoles
	}
	if err := h.engine.Store().SaveGroupConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cfg))
}
