// prices.go: live price snapshot and bronze-tier history, both cached
// server-side so dashboard polling never multiplies upstream quota usage.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

type priceView struct {
	Source     types.PricingSource `json:"source"`
	Symbol     types.Symbol        `json:"symbol"`
	Price      decimal.Decimal     `json:"price"`
	Bid        decimal.Decimal     `json:"bid,omitempty"`
	Ask        decimal.Decimal     `json:"ask,omitempty"`
	CapturedAt time.Time           `json:"capturedAt"`
	AgeMs      int64               `json:"ageMs"`
}

// HandlePrices is GET /api/prices: the latest sample per (source, symbol),
// straight from aggregator memory.
func (h *Handlers) HandlePrices(w http.ResponseWriter, r *http.Request) {
	samples := h.engine.Prices().Snapshot()
	now := time.Now()

	out := make([]priceView, 0, len(samples))
	for _, s := range samples {
		out = append(out, priceView{
			Source:     s.Source,
			Symbol:     s.Symbol,
			Price:      s.Price,
			Bid:        s.Bid,
			Ask:        s.Ask,
			CapturedAt: s.CapturedAt,
			AgeMs:      now.Sub(s.CapturedAt).Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandlePriceHistory is GET /api/prices/history?source=&hours=. Responses
// are cached for five minutes per query.
func (h *Handlers) HandlePriceHistory(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 || hours > 24*7 {
		hours = 24
	}

	key := source + "|" + strconv.Itoa(hours)
	now := time.Now()
	if body, ok := h.prices.get(key, now); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		_, _ = w.Write(body)
		return
	}

	since := now.Add(-time.Duration(hours) * time.Hour)
	ticks, err := h.engine.Store().PriceTickHistory(r.Context(), source, since, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	out := make([]priceView, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, priceView{
			Source:     types.PricingSource(t.Source),
			Symbol:     types.Symbol(t.Symbol),
			Price:      t.Price,
			Bid:        t.Bid,
			Ask:        t.Ask,
			CapturedAt: t.CapturedAt,
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	h.prices.put(key, body, now)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
