// simulator.go: runs synthetic or replayed messages through the real
// pipeline against an overlay engine — a throwaway in-memory store seeded
// with the target group's config, triggers and rules, a capturing transport,
// and the live aggregator's current prices. Production state is never
// touched and nothing reaches a real group.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"otc-desk-bot/internal/engine"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/transport"
	"otc-desk-bot/pkg/types"
)

type simulatorSendPayload struct {
	GroupJID   string `json:"groupJid" validate:"required"`
	GroupName  string `json:"groupName"`
	SenderJID  string `json:"senderJid" validate:"required"`
	SenderName string `json:"senderName"`
	Message    string `json:"message" validate:"required"`
	Mode       string `json:"mode" validate:"omitempty,oneof=learning assisted active paused"`
}

type simulatorResponse struct {
	Route            types.Route `json:"route"`
	Responses        []string    `json:"responses"`
	ProcessingTimeMs int64       `json:"processingTimeMs"`
}

// HandleSimulatorSend is POST /api/simulator/send.
func (h *Handlers) HandleSimulatorSend(w http.ResponseWriter, r *http.Request) {
	var p simulatorSendPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}

	overlay, sim, done, err := h.buildOverlay(r.Context(), p.GroupJID, p.Mode)
	if err != nil {
		h.logger.Error("simulator overlay", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "simulator unavailable")
		return
	}
	defer done()

	start := time.Now()
	route := overlay.Process(r.Context(), types.InboundMessage{
		MessageID:  uuid.NewString(),
		GroupID:    p.GroupJID,
		GroupName:  p.GroupName,
		SenderID:   p.SenderJID,
		SenderName: p.SenderName,
		Text:       p.Message,
		Timestamp:  time.Now(),
	})

	responses := make([]string, 0)
	for _, out := range sim.Outbound() {
		responses = append(responses, out.Text)
	}
	writeJSON(w, http.StatusOK, simulatorResponse{
		Route:            route,
		Responses:        responses,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

type simulatorReplayPayload struct {
	GroupJID string `json:"groupJid" validate:"required"`
	Limit    int    `json:"limit" validate:"omitempty,min=1,max=500"`
	Mode     string `json:"mode" validate:"omitempty,oneof=learning assisted active paused"`
}

type replayedMessage struct {
	MessageID string      `json:"messageId"`
	Sender    string      `json:"sender"`
	Text      string      `json:"text"`
	Route     types.Route `json:"route"`
}

type replayResponse struct {
	Messages         []replayedMessage `json:"messages"`
	Responses        []string          `json:"responses"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}

// HandleSimulatorReplay is POST /api/simulator/replay: re-runs the group's
// recent message log under the current config.
func (h *Handlers) HandleSimulatorReplay(w http.ResponseWriter, r *http.Request) {
	var p simulatorReplayPayload
	if !decodeValid(w, r, h.validate, &p) {
		return
	}
	if !h.groupExists(r.Context(), p.GroupJID) {
		writeError(w, http.StatusNotFound, "not_found", "unknown group")
		return
	}

	history, err := h.engine.Store().RecentMessages(r.Context(), p.GroupJID, p.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	overlay, sim, done, err := h.buildOverlay(r.Context(), p.GroupJID, p.Mode)
	if err != nil {
		h.logger.Error("simulator overlay", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "simulator unavailable")
		return
	}
	defer done()

	start := time.Now()
	replayed := make([]replayedMessage, 0, len(history))
	for _, row := range history {
		route := overlay.Process(r.Context(), types.InboundMessage{
			MessageID:  uuid.NewString(), // fresh id so the overlay log accepts it
			GroupID:    row.GroupJID,
			SenderID:   row.SenderJID,
			SenderName: row.SenderName,
			Text:       row.Text,
			Timestamp:  row.ReceivedAt,
		})
		replayed = append(replayed, replayedMessage{
			MessageID: row.MessageID,
			Sender:    row.SenderJID,
			Text:      row.Text,
			Route:     route,
		})
	}

	responses := make([]string, 0)
	for _, out := range sim.Outbound() {
		responses = append(responses, out.Text)
	}
	writeJSON(w, http.StatusOK, replayResponse{
		Messages:         replayed,
		Responses:        responses,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// buildOverlay assembles a disposable engine over a fresh in-memory store
// seeded from the production store and aggregator. modeOverride, when set,
// forces the group mode so operators can preview active-mode behavior. The
// caller must invoke the returned cleanup to release the overlay store.
func (h *Handlers) buildOverlay(ctx context.Context, groupJID, modeOverride string) (*engine.Engine, *transport.Simulated, func(), error) {
	cfg := *h.appCfg
	cfg.Store.DSN = "file:sim-" + uuid.NewString() + "?mode=memory&cache=shared"
	cfg.AI.Enabled = false // simulations never spend classifier quota

	st, err := store.Open(cfg.Store, h.logger)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			h.logger.Warn("overlay store close", "error", err)
		}
	}

	real := h.engine.Store()

	groupName := groupJID
	if groups, err := real.ListGroups(ctx); err == nil {
		for _, g := range groups {
			if g.JID == groupJID {
				groupName = g.Name
				break
			}
		}
	}
	if err := st.UpsertGroup(ctx, groupJID, groupName, false); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	gc, err := real.GetGroupConfig(ctx, groupJID)
	if err == nil {
		if modeOverride != "" {
			gc.Mode = types.GroupMode(modeOverride)
		}
		if err := st.SaveGroupConfig(ctx, gc); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}
	if triggers, err := real.TriggersForGroup(ctx, groupJID); err == nil {
		for _, t := range triggers {
			if _, err := st.CreateTrigger(ctx, t); err != nil {
				cleanup()
				return nil, nil, nil, err
			}
		}
	}
	if ruleList, err := real.RulesForGroup(ctx, groupJID); err == nil {
		for _, rule := range ruleList {
			if _, err := st.CreateRule(ctx, rule); err != nil {
				cleanup()
				return nil, nil, nil, err
			}
		}
	}

	sim := transport.NewSimulated()
	overlay := engine.New(&cfg, sim, st, h.logger)

	for _, sample := range h.engine.Prices().Snapshot() {
		overlay.Prices().Accept(sample)
	}
	return overlay, sim, cleanup, nil
}
