// Package engine wires every subsystem into the message-handling bot and
// owns its lifecycle.
//
// Start brings up the store workers, the price supervisors, the deal
// sweeper, the error service and the notifier, then consumes the transport's
// inbound stream into the per-group dispatcher. Each dispatched message runs
// the pipeline in pipeline.go: route, then act according to the destination
// and the group's mode.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"otc-desk-bot/internal/ai"
	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/deal"
	"otc-desk-bot/internal/dispatch"
	"otc-desk-bot/internal/errsvc"
	"otc-desk-bot/internal/metrics"
	"otc-desk-bot/internal/notify"
	"otc-desk-bot/internal/price"
	"otc-desk-bot/internal/router"
	"otc-desk-bot/internal/rules"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/internal/suppress"
	"otc-desk-bot/internal/transport"
	"otc-desk-bot/internal/trigger"
	"otc-desk-bot/pkg/types"
)

// Engine is the composition of every subsystem.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	transport  transport.Transport
	aggregator *price.Aggregator
	stream     *price.Stream
	scraper    *price.Scraper
	rest       *price.RESTSource
	matcher    *trigger.Matcher
	router     *router.Router
	resolver   *rules.Resolver
	deals      *deal.Engine
	guard      *suppress.Guard
	errors     *errsvc.Service
	notifier   *notify.Notifier
	classifier *ai.Classifier
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	startedAt time.Time
	sentToday atomic.Int64
	sentDay   atomic.Int64 // yyyymmdd the counter belongs to

	mu           sync.Mutex
	knownGroups  map[string]bool // jid → isControl
	controlGroup string
}

// tickFan forwards accepted price samples to several sinks.
type tickFan struct {
	sinks []price.TickSink
}

func (f *tickFan) EmitPriceTick(s types.PriceSample) {
	for _, sink := range f.sinks {
		sink.EmitPriceTick(s)
	}
}

// metricsTick counts accepted samples per source.
type metricsTick struct{ m *metrics.Metrics }

func (t metricsTick) EmitPriceTick(s types.PriceSample) {
	t.m.PriceSamples.WithLabelValues(string(s.Source)).Inc()
}

// New assembles the engine from configuration. The transport is injected so
// the simulator and tests can swap in the in-memory one.
func New(cfg *config.Config, tr transport.Transport, st *store.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		store:       st,
		transport:   tr,
		matcher:     trigger.NewMatcher(),
		metrics:     metrics.New(),
		startedAt:   time.Now(),
		knownGroups: make(map[string]bool),
	}

	e.notifier = notify.New(cfg.Notify, tr, logger)
	e.errors = errsvc.New(cfg.Errors, e.notifier.Notify, logger)
	e.guard = suppress.NewGuard(cfg.Suppress.Cooldown)

	fan := &tickFan{sinks: []price.TickSink{st, metricsTick{e.metrics}}}
	e.aggregator = price.NewAggregator(cfg.Prices, fan, logger)
	e.stream = price.NewStream(cfg.Prices.Stream, e.aggregator, e.errors, logger)
	e.scraper = price.NewScraper(cfg.Prices.Scraper, nil, e.aggregator, e.errors, logger)
	e.rest = price.NewRESTSource(cfg.Prices.REST, e.aggregator, e.errors, logger)
	e.errors.RegisterProbe(string(types.SourceBinance), e.stream.Probe)
	e.errors.RegisterProbe(string(types.SourceCommercial), e.scraper.Probe)
	e.errors.RegisterProbe(string(types.SourceREST), e.rest.Probe)
	e.errors.RegisterFallbackProbe(e.freshPriceProbe)

	e.resolver = rules.NewResolver(st, nil)
	e.deals = deal.NewEngine(st, e.aggregator, e.resolver, cfg.Deals,
		e.notifier.Notify, e.sendToGroupUnsuppressed, logger)
	fan.sinks = append(fan.sinks, e.deals)

	e.router = router.New(st, e.matcher, e.errors.IsPaused, logger)

	if cfg.AI.Enabled {
		e.classifier = ai.NewClassifier(cfg.AI, e.recordAIUsage, logger)
	}

	e.dispatcher = dispatch.New(cfg.Dispatch, e.handleMessage, logger)
	return e
}

// Metrics exposes the Prometheus registry for the dashboard.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Store exposes the persistence gateway for the dashboard.
func (e *Engine) Store() *store.Store { return e.store }

// Deals exposes the deal engine for the dashboard.
func (e *Engine) Deals() *deal.Engine { return e.deals }

// Prices exposes the aggregator for the dashboard.
func (e *Engine) Prices() *price.Aggregator { return e.aggregator }

// Errors exposes the error service for the dashboard.
func (e *Engine) Errors() *errsvc.Service { return e.errors }

// Matcher exposes the trigger matcher for the dashboard's dry-run endpoint.
func (e *Engine) Matcher() *trigger.Matcher { return e.matcher }

// Transport exposes the messaging transport.
func (e *Engine) Transport() transport.Transport { return e.transport }

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration { return time.Since(e.startedAt) }

// SentToday reports outbound messages delivered since local midnight.
func (e *Engine) SentToday() int64 {
	if e.sentDay.Load() != dayStamp(time.Now()) {
		return 0
	}
	return e.sentToday.Load()
}

func (e *Engine) countSent() {
	today := dayStamp(time.Now())
	if e.sentDay.Swap(today) != today {
		e.sentToday.Store(0)
	}
	e.sentToday.Add(1)
	e.metrics.MessagesSent.Inc()
}

func dayStamp(t time.Time) int64 {
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// Start launches every background service and consumes the transport stream
// until ctx is cancelled, then shuts down gracefully.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting",
		"control_pattern", e.cfg.Bot.ControlGroupPattern,
		"ai_enabled", e.cfg.AI.Enabled,
	)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			e.logger.Debug("service stopped", "service", name)
		}()
	}

	run("store", e.store.Run)
	run("errors", e.errors.Run)
	run("notifier", e.notifier.Run)
	run("sweeper", e.deals.Run)
	run("stream", func(ctx context.Context) { _ = e.stream.Run(ctx) })
	if e.cfg.Prices.Scraper.URL != "" {
		run("scraper", func(ctx context.Context) { _ = e.scraper.Run(ctx) })
	}
	if e.cfg.Prices.REST.BaseURL != "" {
		run("rest", e.rest.Run)
	}
	run("gauges", e.refreshGauges)

	e.restoreControlGroup(ctx)

	// Inbound loop.
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("shutting down")
			e.dispatcher.Close(10 * time.Second)
			wg.Wait()
			return nil
		case msg, ok := <-e.transport.Messages():
			if !ok {
				e.logger.Warn("transport stream closed")
				e.dispatcher.Close(10 * time.Second)
				wg.Wait()
				return nil
			}
			if !e.dispatcher.Enqueue(msg) {
				e.metrics.MessagesDropped.Inc()
			}
		}
	}
}

// refreshGauges keeps the slow-moving gauges current.
func (e *Engine) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.metrics.ActiveWorkers.Set(float64(e.dispatcher.ActiveWorkers()))
			e.metrics.BronzeDropped.Set(float64(e.store.BronzeDropped()))
			if e.errors.IsPaused() {
				e.metrics.Paused.Set(1)
			} else {
				e.metrics.Paused.Set(0)
			}
			if deals, err := e.store.ListActiveDeals(ctx, ""); err == nil {
				e.metrics.ActiveDeals.Set(float64(len(deals)))
			}
		}
	}
}

// freshPriceProbe is the recovery check for pauses whose source has no
// dedicated probe ("transport", "pricing"): a fresh USDT/BRL rate means
// quoting can resume.
func (e *Engine) freshPriceProbe(ctx context.Context) error {
	if view, ok := e.aggregator.Resolve(types.SourceBinance); ok && !view.Stale {
		return nil
	}
	return fmt.Errorf("no fresh USDT/BRL price")
}

// restoreControlGroup re-binds the notifier to the persisted control group
// after a restart.
func (e *Engine) restoreControlGroup(ctx context.Context) {
	jid, err := e.store.ControlGroup(ctx)
	if err != nil || jid == "" {
		return
	}
	e.mu.Lock()
	e.controlGroup = jid
	e.knownGroups[jid] = true
	e.mu.Unlock()
	e.notifier.SetControlGroup(jid)
	e.logger.Info("control group restored", "jid", jid)
}

// isControlName matches the configured control-group pattern against a
// group name, case-insensitively.
func (e *Engine) isControlName(name string) bool {
	p := e.cfg.Bot.ControlGroupPattern
	if p == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(p))
}

func (e *Engine) recordAIUsage(ctx context.Context, u ai.Usage) {
	outcome := "ok"
	if !u.Success {
		outcome = "error"
	}
	e.metrics.AICalls.WithLabelValues(outcome).Inc()

	err := e.store.RecordAIUsage(ctx, store.AIUsageRow{
		Service:      "classifier",
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		GroupJID:     u.GroupID,
		DurationMS:   u.Duration.Milliseconds(),
		Success:      u.Success,
		ErrorMessage: u.ErrorMessage,
	})
	if err != nil {
		e.logger.Error("record ai usage", "error", err)
	}
}
