// Package metrics registers the bot's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the bot exports.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec // by route
	MessagesSent     prometheus.Counter
	MessagesDropped  prometheus.Counter

	TriggerMatches  *prometheus.CounterVec // by action type
	PipelineLatency prometheus.Histogram

	DealsOpened    prometheus.Counter
	DealsClosed    *prometheus.CounterVec // by final state
	DealsReprices  prometheus.Counter
	DealsEscalated prometheus.Counter
	ActiveDeals    prometheus.Gauge

	PriceSamples  *prometheus.CounterVec // by source
	PriceRejected prometheus.Counter

	SourceFailures *prometheus.CounterVec // by source and kind
	AutoPauses     prometheus.Counter
	Paused         prometheus.Gauge

	AICalls    *prometheus.CounterVec // by outcome
	AIFiltered prometheus.Counter

	ActiveWorkers prometheus.Gauge
	BronzeDropped prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otcbot_messages_received_total",
			Help: "Inbound messages by routing destination.",
		}, []string{"route"}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_messages_sent_total",
			Help: "Outbound messages delivered to the transport.",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_messages_dropped_total",
			Help: "Inbound messages shed by full dispatch queues.",
		}),

		TriggerMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otcbot_trigger_matches_total",
			Help: "Trigger matches by action type.",
		}, []string{"action"}),
		PipelineLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otcbot_pipeline_latency_seconds",
			Help:    "Full message pipeline latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		DealsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_deals_opened_total",
			Help: "Deals quoted.",
		}),
		DealsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otcbot_deals_closed_total",
			Help: "Deals archived by final state.",
		}, []string{"state"}),
		DealsReprices: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_deal_reprices_total",
			Help: "Volatility and operator reprices applied.",
		}),
		DealsEscalated: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_deal_escalations_total",
			Help: "Deals held for the operator after exhausting reprices.",
		}),
		ActiveDeals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otcbot_active_deals",
			Help: "Non-terminal deals.",
		}),

		PriceSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otcbot_price_samples_total",
			Help: "Accepted price samples by source.",
		}, []string{"source"}),
		PriceRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_price_samples_rejected_total",
			Help: "Samples outside the plausibility band.",
		}),

		SourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otcbot_source_failures_total",
			Help: "Upstream failures by source and kind.",
		}, []string{"source", "kind"}),
		AutoPauses: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_auto_pauses_total",
			Help: "Auto-pause escalations.",
		}),
		Paused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otcbot_paused",
			Help: "1 while the bot is paused.",
		}),

		AICalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otcbot_ai_calls_total",
			Help: "Classifier calls by outcome.",
		}, []string{"outcome"}),
		AIFiltered: factory.NewCounter(prometheus.CounterOpts{
			Name: "otcbot_ai_filtered_total",
			Help: "Messages refused by the content filter.",
		}),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otcbot_dispatch_workers",
			Help: "Live per-group dispatch workers.",
		}),
		BronzeDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otcbot_bronze_dropped_total",
			Help: "Bronze sink entries shed under pressure.",
		}),
	}
}
