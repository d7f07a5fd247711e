// deals.go: active-deal listing, history, and operator deal actions.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

type dealView struct {
	ID            string              `json:"id"`
	GroupJID      string              `json:"groupJid"`
	ClientJID     string              `json:"clientJid"`
	Side          types.Side          `json:"side"`
	State         types.DealState     `json:"state"`
	BaseRate      decimal.Decimal     `json:"baseRate"`
	QuotedRate    decimal.Decimal     `json:"quotedRate"`
	LockedRate    decimal.Decimal     `json:"lockedRate"`
	LockedAt      *time.Time          `json:"lockedAt,omitempty"`
	AmountBRL     decimal.Decimal     `json:"amountBrl"`
	AmountUSDT    decimal.Decimal     `json:"amountUsdt"`
	TTLExpiresAt  time.Time           `json:"ttlExpiresAt"`
	PricingSource types.PricingSource `json:"pricingSource"`
	RuleName      string              `json:"ruleName,omitempty"`
	RepriceCount  int                 `json:"repriceCount"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

func dealViewOf(d types.Deal) dealView {
	return dealView{
		ID:            d.ID,
		GroupJID:      d.GroupID,
		ClientJID:     d.ClientID,
		Side:          d.Side,
		State:         d.State,
		BaseRate:      d.BaseRate,
		QuotedRate:    d.QuotedRate,
		LockedRate:    d.LockedRate,
		LockedAt:      d.LockedAt,
		AmountBRL:     d.AmountBRL,
		AmountUSDT:    d.AmountUSDT,
		TTLExpiresAt:  d.TTLExpiresAt,
		PricingSource: d.PricingSource,
		RuleName:      d.RuleName,
		RepriceCount:  d.RepriceCount,
		Metadata:      d.Metadata,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type historyView struct {
	dealView
	FinalState       types.DealState `json:"finalState"`
	CompletionReason string          `json:"completionReason"`
	ArchivedAt       time.Time       `json:"archivedAt"`
}

// HandleActiveDeals is GET /api/groups/{jid}/deals.
func (h *Handlers) HandleActiveDeals(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	deals, err := h.engine.Store().ListActiveDeals(r.Context(), jid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	out := make([]dealView, 0, len(deals))
	for _, d := range deals {
		out = append(out, dealViewOf(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDealHistory is GET /api/groups/{jid}/deal-history?limit=&offset=.
func (h *Handlers) HandleDealHistory(w http.ResponseWriter, r *http.Request) {
	jid, ok := h.requireGroup(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	hist, err := h.engine.Store().DealHistoryPage(r.Context(), jid, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	out := make([]historyView, 0, len(hist))
	for _, d := range hist {
		out = append(out, historyView{
			dealView:         dealViewOf(d.Deal),
			FinalState:       d.FinalState,
			CompletionReason: d.CompletionReason,
			ArchivedAt:       d.ArchivedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// dealActionResponse reports the engine's outcome for an operator action.
type dealActionResponse struct {
	Reason types.ReasonCode `json:"reason"`
	Deal   *dealView        `json:"deal,omitempty"`
}

func writeDealResult(w http.ResponseWriter, reason types.ReasonCode, deal types.Deal) {
	status := http.StatusOK
	switch reason {
	case types.ReasonNotFound:
		status = http.StatusNotFound
	case types.ReasonConflict, types.ReasonTerminal, types.ReasonNotQuotable:
		status = http.StatusConflict
	case types.ReasonBusy:
		status = http.StatusServiceUnavailable
	}
	resp := dealActionResponse{Reason: reason}
	if deal.ID != "" {
		view := dealViewOf(deal)
		resp.Deal = &view
	}
	writeJSON(w, status, resp)
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

// HandleCancelDeal is POST /api/groups/{jid}/deals/{dealId}/cancel.
func (h *Handlers) HandleCancelDeal(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireGroup(w, r); !ok {
		return
	}
	var p cancelPayload
	_ = decodeOptional(r, &p)
	reason := p.Reason
	if reason == "" {
		reason = "operator cancelled via dashboard"
	}

	res, err := h.engine.Deals().Cancel(r.Context(), r.PathValue("dealId"), reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeDealResult(w, res.Reason, res.Deal)
}

type extendPayload struct {
	Seconds int `json:"seconds" validate:"required,min=1"`
}

// HandleExtendDeal is POST /api/groups/{jid}/deals/{dealId}/extend.
func (h *Handlers) HandleExtendDeal(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireGroup(w, r); !ok {
		return
	}
	var p extendPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}

	res, err := h.engine.Deals().Extend(r.Context(), r.PathValue("dealId"), p.Seconds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeDealResult(w, res.Reason, res.Deal)
}

// HandleSweep is POST /api/deals/sweep: expires overdue deals immediately.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Deals().Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}
