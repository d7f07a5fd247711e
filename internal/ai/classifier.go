// Package ai is the optional low-confidence classifier boundary.
//
// It is never on the hot path: the deterministic matcher handles classified
// messages, and only unclassified-but-plausibly-relevant text reaches here.
// The upstream is guarded four ways — a content filter that refuses to ship
// personal or financial identifiers off-box, per-group and global rate
// limits, a circuit breaker, and a short-lived result cache.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/trigger"
	"otc-desk-bot/pkg/types"
)

var (
	// ErrDisabled means the classifier is switched off in config.
	ErrDisabled = errors.New("ai: disabled")
	// ErrFiltered means the message tripped the content filter.
	ErrFiltered = errors.New("ai: message contains sensitive content")
	// ErrRateLimited means a sliding-window limit is exhausted.
	ErrRateLimited = errors.New("ai: rate limited")
	// ErrBreakerOpen means the upstream is in its cool-off.
	ErrBreakerOpen = errors.New("ai: circuit breaker open")
)

// piiPatterns match Brazilian personal/financial identifiers and crypto
// wallet addresses. A message matching any of them never leaves the box.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`),                  // CPF
	regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\b`),          // CNPJ
	regexp.MustCompile(`(?i)\b(ag[eê]ncia|conta)\b[^\d]{0,10}\d{3,}`),      // bank account
	regexp.MustCompile(`(?i)\bpix\b[^\n]{0,40}[\w.+-]+@[\w-]+\.[\w.]+`),    // PIX email key
	regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), // PIX random key
	regexp.MustCompile(`\bT[1-9A-HJ-NP-Za-km-z]{33}\b`),                    // Tron
	regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`),                            // Ethereum
	regexp.MustCompile(`\b(bc1[0-9a-z]{25,59}|[13][1-9A-HJ-NP-Za-km-z]{25,34})\b`), // Bitcoin
}

// Usage is one classifier call for the ai_usage ledger.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	GroupID      string
	Duration     time.Duration
	Success      bool
	ErrorMessage string
}

// UsageRecorder persists one Usage row. Failures are the recorder's problem.
type UsageRecorder func(ctx context.Context, u Usage)

// classifyRequest / classifyResponse are the upstream wire format.
type classifyRequest struct {
	Model   string `json:"model"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

type classifyResponse struct {
	Intent       string  `json:"intent"`
	Confidence   float64 `json:"confidence"`
	Relevant     bool    `json:"relevant"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// Classifier calls the upstream classification service under guardrails.
type Classifier struct {
	cfg    config.AIConfig
	http   *resty.Client
	record UsageRecorder
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	groupCalls  map[string][]time.Time
	globalCalls []time.Time
	failures    int
	openUntil   time.Time
	cache       *lruCache
	filtered    int64
}

// NewClassifier creates the classifier. record may be nil.
func NewClassifier(cfg config.AIConfig, record UsageRecorder, logger *slog.Logger) *Classifier {
	if record == nil {
		record = func(context.Context, Usage) {}
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Classifier{
		cfg:        cfg,
		http:       client,
		record:     record,
		logger:     logger.With("component", "ai"),
		now:        time.Now,
		groupCalls: make(map[string][]time.Time),
		cache:      newLRUCache(cfg.CacheSize, cfg.CacheTTL),
	}
}

// Classify returns the upstream's verdict for a message the deterministic
// matcher could not place.
func (c *Classifier) Classify(ctx context.Context, groupID, text string) (types.ClassificationResult, error) {
	if !c.cfg.Enabled {
		return types.ClassificationResult{}, ErrDisabled
	}
	if ContainsSensitive(text) {
		c.mu.Lock()
		c.filtered++
		c.mu.Unlock()
		return types.ClassificationResult{}, ErrFiltered
	}

	key := cacheKey(groupID, text)
	if res, ok := c.cache.get(key); ok {
		return res, nil
	}

	if err := c.admit(groupID); err != nil {
		return types.ClassificationResult{}, err
	}

	start := c.now()
	var out classifyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(classifyRequest{Model: c.cfg.Model, Message: text}).
		SetResult(&out).
		Post("/classify")

	elapsed := c.now().Sub(start)
	if err == nil && resp.StatusCode() != http.StatusOK {
		err = fmt.Errorf("classify: status %d: %s", resp.StatusCode(), resp.String())
	}

	if err != nil {
		c.recordFailure()
		c.record(ctx, Usage{
			Model: c.cfg.Model, GroupID: groupID,
			Duration: elapsed, Success: false, ErrorMessage: err.Error(),
		})
		return types.ClassificationResult{}, err
	}

	c.recordSuccess()
	c.record(ctx, Usage{
		Model:        c.cfg.Model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		GroupID:      groupID,
		Duration:     elapsed,
		Success:      true,
	})

	result := types.ClassificationResult{
		Intent:     out.Intent,
		Confidence: out.Confidence,
		Relevant:   out.Relevant,
	}
	c.cache.put(key, result)
	return result, nil
}

// Filtered reports how many messages the content filter refused.
func (c *Classifier) Filtered() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filtered
}

// ContainsSensitive reports whether text carries an identifier that must
// not be sent upstream.
func ContainsSensitive(text string) bool {
	for _, re := range piiPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// admit enforces the breaker and both sliding windows, reserving a slot on
// success.
func (c *Classifier) admit(groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Before(c.openUntil) {
		return ErrBreakerOpen
	}

	c.groupCalls[groupID] = prune(c.groupCalls[groupID], now.Add(-time.Minute))
	if len(c.groupCalls[groupID]) >= c.cfg.GroupPerMinute {
		return fmt.Errorf("%w: group %s", ErrRateLimited, groupID)
	}

	c.globalCalls = prune(c.globalCalls, now.Add(-time.Hour))
	if len(c.globalCalls) >= c.cfg.GlobalPerHour {
		return fmt.Errorf("%w: global hourly budget", ErrRateLimited)
	}

	c.groupCalls[groupID] = append(c.groupCalls[groupID], now)
	c.globalCalls = append(c.globalCalls, now)
	return nil
}

func (c *Classifier) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.cfg.BreakerTrips {
		c.openUntil = c.now().Add(c.cfg.BreakerCooloff)
		c.failures = 0
		c.logger.Warn("circuit breaker opened", "until", c.openUntil)
	}
}

func (c *Classifier) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	return ts[i:]
}

// cacheKey is the group plus a normalized message prefix: minor rephrasings
// of the same question hit the same entry.
func cacheKey(groupID, text string) string {
	norm := trigger.Normalize(text)
	if len(norm) > 64 {
		norm = norm[:64]
	}
	return groupID + "|" + norm
}
