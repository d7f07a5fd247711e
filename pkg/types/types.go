// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — routing destinations,
// deal lifecycle states, trigger and rule records, price samples, and result
// codes. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a deal from the client's perspective.
type Side string

const (
	ClientBuysUSDT  Side = "client_buys_usdt"  // client pays BRL, receives USDT
	ClientSellsUSDT Side = "client_sells_usdt" // client delivers USDT, receives BRL
)

// DealState is the lifecycle state of a deal.
//
// quoted → locked → completed is the happy path. computing is a transient
// sub-state held while an amount supplied mid-conversation is resolved.
// completed, expired and cancelled are terminal: no transition leaves them.
type DealState string

const (
	DealQuoted    DealState = "quoted"
	DealLocked    DealState = "locked"
	DealComputing DealState = "computing"
	DealCompleted DealState = "completed"
	DealExpired   DealState = "expired"
	DealCancelled DealState = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s DealState) Terminal() bool {
	switch s {
	case DealCompleted, DealExpired, DealCancelled:
		return true
	}
	return false
}

// GroupMode controls how much autonomy the bot has in a group.
type GroupMode string

const (
	ModeLearning GroupMode = "learning" // observe only, build vocabulary
	ModeAssisted GroupMode = "assisted" // suggest to operators, never reply to clients
	ModeActive   GroupMode = "active"   // respond to triggers autonomously
	ModePaused   GroupMode = "paused"   // fully silent
)

// ValidGroupMode reports whether m is a recognized mode.
func ValidGroupMode(m string) bool {
	switch GroupMode(m) {
	case ModeLearning, ModeAssisted, ModeActive, ModePaused:
		return true
	}
	return false
}

// SpreadMode selects how the operator margin is applied to the mid rate.
type SpreadMode string

const (
	SpreadBps    SpreadMode = "bps"     // basis points on top of mid
	SpreadAbsBRL SpreadMode = "abs_brl" // absolute R$ added to mid
	SpreadFlat   SpreadMode = "flat"    // fixed rate, mid ignored
)

// PricingSource names an upstream market the aggregator tracks.
type PricingSource string

const (
	SourceBinance     PricingSource = "binance"     // live USDT/BRL stream
	SourceCommercial  PricingSource = "commercial"  // scraped commercial USD/BRL page
	SourceTradingView PricingSource = "tradingview" // scraper-backed alias used by rule rows
	SourceREST        PricingSource = "rest"        // on-demand REST fallback for either symbol
)

// Symbol identifies a currency pair.
type Symbol string

const (
	SymbolUSDTBRL Symbol = "USDTBRL"
	SymbolUSDBRL  Symbol = "USDBRL"
)

// Currency is a settlement currency for amounts.
type Currency string

const (
	CurrencyBRL  Currency = "BRL"
	CurrencyUSDT Currency = "USDT"
)

// Language selects the bot's reply language for a group.
type Language string

const (
	LangPTBR Language = "pt-BR"
	LangEN   Language = "en"
)

// ————————————————————————————————————————————————————————————————————————
// Routing
// ————————————————————————————————————————————————————————————————————————

// Route is the router's classification of an inbound message.
type Route string

const (
	RouteControl   Route = "CONTROL"   // message in the control group; interpreted as a command
	RouteTriggered Route = "TRIGGERED" // a trigger matched in a client group
	RouteDeal      Route = "DEAL"      // continuation of this client's in-flight deal
	RouteObserve   Route = "OBSERVE"   // recorded only, no reply
	RouteIgnore    Route = "IGNORE"    // ignored sender or empty text
)

// InboundMessage is one message delivered by the transport.
// Raw is the opaque transport payload kept only for the message log.
type InboundMessage struct {
	MessageID   string
	GroupID     string
	GroupName   string
	SenderID    string
	SenderName  string
	Text        string
	Attachments []string
	Timestamp   time.Time
	Raw         []byte
}

// SendOptions tunes an outbound transport send.
type SendOptions struct {
	Mentions    []string // participant IDs to mention
	TypingFlash bool     // flash a typing presence before sending
}

// ————————————————————————————————————————————————————————————————————————
// Triggers and rules
// ————————————————————————————————————————————————————————————————————————

// PatternType is how a trigger phrase is matched against message text.
type PatternType string

const (
	PatternExact    PatternType = "exact"
	PatternContains PatternType = "contains"
	PatternRegex    PatternType = "regex"
)

// ActionType is what the bot does when a trigger matches.
type ActionType string

const (
	ActionQuote        ActionType = "quote"         // open a quoted deal and reply with the rate
	ActionLock         ActionType = "lock"          // lock the sender's quoted deal
	ActionCancel       ActionType = "cancel"        // cancel the sender's active deal
	ActionExtend       ActionType = "extend"        // extend the sender's deal TTL
	ActionTextResponse ActionType = "text_response" // reply with a fixed text
	ActionAIPrompt     ActionType = "ai_prompt"     // forward to the AI classifier with a prompt
)

// TriggerScope limits where a trigger is evaluated.
type TriggerScope string

const (
	ScopeGroup       TriggerScope = "group"        // client groups only
	ScopeControlOnly TriggerScope = "control_only" // control group only
)

// Trigger is one per-group pattern row. (GroupID, Phrase) is unique.
type Trigger struct {
	ID           int64
	GroupID      string
	Phrase       string
	PatternType  PatternType
	ActionType   ActionType
	ActionParams map[string]string
	Priority     int // 0..100, higher evaluated first
	IsActive     bool
	IsSystem     bool
	Scope        TriggerScope
	CreatedAt    time.Time
}

// TriggerMatch is the ephemeral result of evaluating a message against a
// group's trigger set. Not persisted.
type TriggerMatch struct {
	Trigger     Trigger
	MatchedSpan string
	Priority    int
}

// TimeRule is a scheduled per-group pricing override. At most one rule is
// active at any instant; ties break by highest priority then earliest
// CreatedAt.
type TimeRule struct {
	ID            int64
	GroupID       string
	Name          string
	PricingSource PricingSource
	SpreadMode    SpreadMode
	SellSpread    decimal.Decimal
	BuySpread     decimal.Decimal
	Priority      int
	Window        RuleWindow
	IsSystem      bool
	IsActive      bool
	CreatedAt     time.Time
}

// RuleWindow is the day-of-week × time-of-day predicate for a TimeRule.
// Times are minutes since midnight in the bot's local zone. A window whose
// EndMin precedes StartMin wraps past midnight.
type RuleWindow struct {
	Days     []time.Weekday `json:"days"`
	StartMin int            `json:"start_min"`
	EndMin   int            `json:"end_min"`
}

// Contains reports whether t falls inside the window.
// An empty Days list matches every weekday; StartMin == EndMin covers the
// whole day.
func (w RuleWindow) Contains(t time.Time) bool {
	dayOK := len(w.Days) == 0
	for _, d := range w.Days {
		if d == t.Weekday() {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	min := t.Hour()*60 + t.Minute()
	if w.StartMin == w.EndMin {
		return true
	}
	if w.StartMin < w.EndMin {
		return min >= w.StartMin && min < w.EndMin
	}
	return min >= w.StartMin || min < w.EndMin
}

// ————————————————————————————————————————————————————————————————————————
// Group configuration
// ————————————————————————————————————————————————————————————————————————

// GroupConfig is the per-group policy snapshot.
type GroupConfig struct {
	GroupID         string
	Mode            GroupMode
	SpreadMode      SpreadMode
	SellSpread      decimal.Decimal
	BuySpread       decimal.Decimal
	QuoteTTLSeconds int // 1..3600, default 180
	DefaultSide     Side
	DefaultCurrency Currency
	Language        Language
	PlayerRoles     map[string]string // participant ID → role
	Volatility      VolatilityConfig
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// VolatilityConfig tunes the volatility-aware reprice for a group.
type VolatilityConfig struct {
	Enabled      bool `json:"enabled"`
	ThresholdBps int  `json:"threshold_bps"` // 10..1000, default 30
	MaxReprices  int  `json:"max_reprices"`  // 1..10, default 3
}

// ————————————————————————————————————————————————————————————————————————
// Deals
// ————————————————————————————————————————————————————————————————————————

// Deal is the core stateful entity: one in-flight quote conversation for a
// (group, client) pair. The deal engine is the sole writer; everything else
// reads through its accessors.
type Deal struct {
	ID       string
	GroupID  string
	ClientID string
	Side     Side
	State    DealState

	BaseRate   decimal.Decimal // raw upstream mid at quote time
	QuotedRate decimal.Decimal // BaseRate with spread applied
	LockedRate decimal.Decimal // set iff the deal has ever been locked
	LockedAt   *time.Time

	AmountBRL  decimal.Decimal
	AmountUSDT decimal.Decimal

	TTLExpiresAt time.Time

	// Pricing snapshot taken at quote time.
	PricingSource PricingSource
	SpreadMode    SpreadMode
	SellSpread    decimal.Decimal
	BuySpread     decimal.Decimal
	RuleIDUsed    *int64
	RuleName      string

	RepriceCount int
	Metadata     map[string]string // engine flags, e.g. await_operator

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DealHistory is an archived terminal deal.
type DealHistory struct {
	Deal
	FinalState       DealState
	CompletionReason string
	ArchivedAt       time.Time
}

// DealEvent is one bronze-tier lifecycle event for a deal.
type DealEvent struct {
	DealID      string
	GroupID     string
	ClientID    string
	FromState   DealState
	ToState     DealState
	EventType   string // created, locked, repriced, escalated, amount_applied, extended, completed, expired, cancelled
	MarketPrice decimal.Decimal
	Snapshot    Deal
	Metadata    map[string]string
	CreatedAt   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Prices
// ————————————————————————————————————————————————————————————————————————

// PriceSample is one observation from an upstream source. The aggregator
// keeps the latest sample per (source, symbol); every accepted sample is
// also emitted to the bronze sink.
type PriceSample struct {
	Source     PricingSource
	Symbol     Symbol
	Price      decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	CapturedAt time.Time
}

// PriceView is the aggregator's answer to a read: latest price plus age.
// Stale means Age exceeded the source's staleness threshold; the caller
// decides whether a stale price is acceptable.
type PriceView struct {
	Price decimal.Decimal
	Age   time.Duration
	Stale bool
}

// ————————————————————————————————————————————————————————————————————————
// Results and error kinds
// ————————————————————————————————————————————————————————————————————————

// ErrorKind classifies a failure for propagation and escalation decisions.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"   // bad input at a boundary → 400
	KindNotFound     ErrorKind = "not_found"    // unknown id or cross-scope access → 404
	KindConflict     ErrorKind = "conflict"     // uniqueness or state precondition violated → 409
	KindUnauthorized ErrorKind = "unauthorized" // missing/wrong secret → 401
	KindBusy         ErrorKind = "busy"         // per-deal lock not acquired in time; retryable
	KindTransient    ErrorKind = "transient"    // upstream I/O, timeout, 5xx
	KindCritical     ErrorKind = "critical"     // escalated transient or upstream auth failure
	KindFatal        ErrorKind = "fatal"        // programmer error / invariant violation
)

// ReasonCode explains the outcome of a deal-engine operation, including
// idempotent no-ops.
type ReasonCode string

const (
	ReasonOK          ReasonCode = "ok"
	ReasonNotFound    ReasonCode = "not_found"
	ReasonNotQuotable ReasonCode = "not_quotable" // state precondition unreachable
	ReasonExpired     ReasonCode = "expired"
	ReasonTerminal    ReasonCode = "terminal" // already in a terminal state
	ReasonConflict    ReasonCode = "conflict" // an active deal already exists
	ReasonBusy        ReasonCode = "busy"     // lock acquisition timed out
	ReasonEscalated   ReasonCode = "escalated"
)

// OpStatus is the bot's global operational status.
type OpStatus string

const (
	StatusRunning OpStatus = "running"
	StatusPaused  OpStatus = "paused"
)

// PauseInfo records why and when the bot paused.
type PauseInfo struct {
	Reason   string    `json:"reason"`
	Source   string    `json:"source"`
	PausedAt time.Time `json:"paused_at"`
}

// ClassificationResult is the AI classifier's verdict for a message the
// deterministic matcher could not classify with confidence.
type ClassificationResult struct {
	Intent     string  // quote_request, lock_request, cancel, chatter, ...
	Confidence float64 // 0..1
	Relevant   bool    // looks OTC-related at all
}
