package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/engine"
	"otc-desk-bot/pkg/types"
)

// Handlers holds the dependencies shared by every endpoint.
type Handlers struct {
	cfg      config.DashboardConfig
	appCfg   *config.Config
	engine   *engine.Engine
	validate *validator.Validate
	limits   *limiterSet
	prices   *responseCache
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(cfg config.DashboardConfig, appCfg *config.Config, eng *engine.Engine, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		appCfg:   appCfg,
		engine:   eng,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limits:   newLimiterSet(),
		prices:   newResponseCache(5 * time.Minute),
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is GET /api/status.
type statusResponse struct {
	Connected         bool             `json:"connected"`
	Status            types.OpStatus   `json:"status"`
	Pause             *types.PauseInfo `json:"pause,omitempty"`
	UptimeMs          int64            `json:"uptimeMs"`
	MessagesSentToday int64            `json:"messagesSentToday"`
	ActiveDeals       int              `json:"activeDeals"`
	GroupModes        map[string]int   `json:"groupModes"`
}

// HandleStatus reports the operational summary for the dashboard header.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, pause := h.engine.Errors().Status()

	resp := statusResponse{
		Connected:         h.engine.Transport().Connected(),
		Status:            status,
		Pause:             pause,
		UptimeMs:          h.engine.Uptime().Milliseconds(),
		MessagesSentToday: h.engine.SentToday(),
		GroupModes:        map[string]int{},
	}

	if deals, err := h.engine.Store().ListActiveDeals(ctx, ""); err == nil {
		resp.ActiveDeals = len(deals)
	}
	if groups, err := h.engine.Store().ListGroups(ctx); err == nil {
		for _, g := range groups {
			if g.IsControlGroup {
				continue
			}
			cfg, err := h.engine.Store().GetGroupConfig(ctx, g.JID)
			if err != nil {
				continue
			}
			resp.GroupModes[string(cfg.Mode)]++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// groupView is one row of GET /api/groups.
type groupView struct {
	JID            string          `json:"jid"`
	Name           string          `json:"name"`
	IsControlGroup bool            `json:"isControlGroup"`
	Mode           types.GroupMode `json:"mode"`
	LearningDays   int             `json:"learningDays"`
	ActiveRules    int             `json:"activeRules"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	MessageCount   int64           `json:"messageCount"`
}

// HandleListGroups lists every discovered group with its config summary.
func (h *Handlers) HandleListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groups, err := h.engine.Store().ListGroups(ctx)
	if err != nil {
		h.logger.Error("list groups", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		view := groupView{
			JID:            g.JID,
			Name:           g.Name,
			IsControlGroup: g.IsControlGroup,
			LearningDays:   int(time.Since(g.FirstSeenAt).Hours() / 24),
			LastActivityAt: g.LastActivityAt,
			MessageCount:   g.MessageCount,
		}
		if cfg, err := h.engine.Store().GetGroupConfig(ctx, g.JID); err == nil {
			view.Mode = cfg.Mode
		}
		if ruleList, err := h.engine.Store().RulesForGroup(ctx, g.JID); err == nil {
			for _, rule := range ruleList {
				if rule.IsActive {
					view.ActiveRules++
				}
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

// responseCache memoizes a serialized response body per key for a TTL.
// Protects upstream quotas on price endpoints.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	body    json.RawMessage
	savedAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *responseCache) get(key string, now time.Time) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.Sub(e.savedAt) > c.ttl {
		return nil, false
	}
	return e.body, true
}

func (c *responseCache) put(key string, body json.RawMessage, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{body: body, savedAt: now}
}
