// models.go defines the relational schema and the conversions between rows
// and the shared vocabulary in pkg/types.
//
// JSON-ish columns (action params, player roles, rule windows, snapshots)
// are stored as serialized text so the schema stays portable across sqlite
// and anything gorm can open.
package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"otc-desk-bot/pkg/types"
)

// GroupRow is one discovered chat group.
type GroupRow struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	JID            string    `gorm:"column:jid;uniqueIndex;not null"`
	Name           string    `gorm:"not null"`
	IsControlGroup bool      `gorm:"not null;default:false"`
	FirstSeenAt    time.Time `gorm:"not null"`
	LastActivityAt time.Time `gorm:"not null"`
	MessageCount   int64     `gorm:"not null;default:0"`
}

func (GroupRow) TableName() string { return "groups" }

// GroupConfigRow is the per-group policy row, keyed by group JID.
type GroupConfigRow struct {
	GroupJID          string          `gorm:"primaryKey;column:group_jid"`
	Mode              string          `gorm:"not null;default:learning"`
	SpreadMode        string          `gorm:"not null;default:bps"`
	SellSpread        decimal.Decimal `gorm:"type:text;not null"`
	BuySpread         decimal.Decimal `gorm:"type:text;not null"`
	QuoteTTLSeconds   int             `gorm:"not null;default:180"`
	DefaultSide       string          `gorm:"not null;default:client_buys_usdt"`
	DefaultCurrency   string          `gorm:"not null;default:BRL"`
	Language          string          `gorm:"not null;default:pt-BR"`
	PlayerRoles       string          `gorm:"not null;default:'{}'"` // JSON: participant → role
	VolEnabled        bool            `gorm:"not null;default:false"`
	VolThresholdBps   int             `gorm:"not null;default:30"`
	VolMaxReprices    int             `gorm:"not null;default:3"`
	LearningStartedAt *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (GroupConfigRow) TableName() string { return "group_config" }

// ToConfig converts the row to the shared GroupConfig.
func (r GroupConfigRow) ToConfig() types.GroupConfig {
	roles := map[string]string{}
	_ = json.Unmarshal([]byte(r.PlayerRoles), &roles)
	return types.GroupConfig{
		GroupID:         r.GroupJID,
		Mode:            types.GroupMode(r.Mode),
		SpreadMode:      types.SpreadMode(r.SpreadMode),
		SellSpread:      r.SellSpread,
		BuySpread:       r.BuySpread,
		QuoteTTLSeconds: r.QuoteTTLSeconds,
		DefaultSide:     types.Side(r.DefaultSide),
		DefaultCurrency: types.Currency(r.DefaultCurrency),
		Language:        types.Language(r.Language),
		PlayerRoles:     roles,
		Volatility: types.VolatilityConfig{
			Enabled:      r.VolEnabled,
			ThresholdBps: r.VolThresholdBps,
			MaxReprices:  r.VolMaxReprices,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func configRowFrom(cfg types.GroupConfig) GroupConfigRow {
	roles, _ := json.Marshal(cfg.PlayerRoles)
	if cfg.PlayerRoles == nil {
		roles = []byte("{}")
	}
	return GroupConfigRow{
		GroupJID:        cfg.GroupID,
		Mode:            string(cfg.Mode),
		SpreadMode:      string(cfg.SpreadMode),
		SellSpread:      cfg.SellSpread,
		BuySpread:       cfg.BuySpread,
		QuoteTTLSeconds: cfg.QuoteTTLSeconds,
		DefaultSide:     string(cfg.DefaultSide),
		DefaultCurrency: string(cfg.DefaultCurrency),
		Language:        string(cfg.Language),
		PlayerRoles:     string(roles),
		VolEnabled:      cfg.Volatility.Enabled,
		VolThresholdBps: cfg.Volatility.ThresholdBps,
		VolMaxReprices:  cfg.Volatility.MaxReprices,
		CreatedAt:       cfg.CreatedAt,
		UpdatedAt:       cfg.UpdatedAt,
	}
}

// TriggerRow is one per-group trigger pattern.
type TriggerRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	GroupJID      string `gorm:"column:group_jid;not null;uniqueIndex:uniq_group_phrase,priority:1"`
	TriggerPhrase string `gorm:"not null;uniqueIndex:uniq_group_phrase,priority:2"`
	PatternType   string `gorm:"not null"`
	ActionType    string `gorm:"not null"`
	ActionParams  string `gorm:"not null;default:'{}'"` // JSON
	Priority      int    `gorm:"not null;default:50"`
	IsActive      bool   `gorm:"not null;default:true"`
	IsSystem      bool   `gorm:"not null;default:false"`
	Scope         string `gorm:"not null;default:group"`
	CreatedAt     time.Time
}

func (TriggerRow) TableName() string { return "group_triggers" }

// ToTrigger converts the row to the shared Trigger.
func (r TriggerRow) ToTrigger() types.Trigger {
	params := map[string]string{}
	_ = json.Unmarshal([]byte(r.ActionParams), &params)
	return types.Trigger{
		ID:           r.ID,
		GroupID:      r.GroupJID,
		Phrase:       r.TriggerPhrase,
		PatternType:  types.PatternType(r.PatternType),
		ActionType:   types.ActionType(r.ActionType),
		ActionParams: params,
		Priority:     r.Priority,
		IsActive:     r.IsActive,
		IsSystem:     r.IsSystem,
		Scope:        types.TriggerScope(r.Scope),
		CreatedAt:    r.CreatedAt,
	}
}

func triggerRowFrom(t types.Trigger) TriggerRow {
	params, _ := json.Marshal(t.ActionParams)
	if t.ActionParams == nil {
		params = []byte("{}")
	}
	return TriggerRow{
		ID:            t.ID,
		GroupJID:      t.GroupID,
		TriggerPhrase: t.Phrase,
		PatternType:   string(t.PatternType),
		ActionType:    string(t.ActionType),
		ActionParams:  string(params),
		Priority:      t.Priority,
		IsActive:      t.IsActive,
		IsSystem:      t.IsSystem,
		Scope:         string(t.Scope),
		CreatedAt:     t.CreatedAt,
	}
}

// RuleRow is one time-based pricing rule.
type RuleRow struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	GroupJID      string          `gorm:"column:group_jid;index;not null"`
	Name          string          `gorm:"not null"`
	PricingSource string          `gorm:"not null"`
	SpreadMode    string          `gorm:"not null"`
	SellSpread    decimal.Decimal `gorm:"type:text;not null"`
	BuySpread     decimal.Decimal `gorm:"type:text;not null"`
	Priority      int             `gorm:"not null;default:0"`
	ActiveWindow  string          `gorm:"not null;default:'{}'"` // JSON RuleWindow
	IsSystem      bool            `gorm:"not null;default:false"`
	IsActive      bool            `gorm:"not null;default:true"`
	CreatedAt     time.Time
}

func (RuleRow) TableName() string { return "rules" }

// ToRule converts the row to the shared TimeRule.
func (r RuleRow) ToRule() types.TimeRule {
	var window types.RuleWindow
	_ = json.Unmarshal([]byte(r.ActiveWindow), &window)
	return types.TimeRule{
		ID:            r.ID,
		GroupID:       r.GroupJID,
		Name:          r.Name,
		PricingSource: types.PricingSource(r.PricingSource),
		SpreadMode:    types.SpreadMode(r.SpreadMode),
		SellSpread:    r.SellSpread,
		BuySpread:     r.BuySpread,
		Priority:      r.Priority,
		Window:        window,
		IsSystem:      r.IsSystem,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt,
	}
}

func ruleRowFrom(rule types.TimeRule) RuleRow {
	window, _ := json.Marshal(rule.Window)
	return RuleRow{
		ID:            rule.ID,
		GroupJID:      rule.GroupID,
		Name:          rule.Name,
		PricingSource: string(rule.PricingSource),
		SpreadMode:    string(rule.SpreadMode),
		SellSpread:    rule.SellSpread,
		BuySpread:     rule.BuySpread,
		Priority:      rule.Priority,
		ActiveWindow:  string(window),
		IsSystem:      rule.IsSystem,
		IsActive:      rule.IsActive,
		CreatedAt:     rule.CreatedAt,
	}
}

// DealRow is one active (non-terminal) deal. The partial unique index on
// (group_jid, client_jid) for non-terminal states is created in migrate().
type DealRow struct {
	ID            string          `gorm:"primaryKey"`
	GroupJID      string          `gorm:"column:group_jid;index;not null"`
	ClientJID     string          `gorm:"column:client_jid;not null"`
	State         string          `gorm:"not null"`
	Side          string          `gorm:"not null"`
	QuotedRate    decimal.Decimal `gorm:"type:text;not null"`
	BaseRate      decimal.Decimal `gorm:"type:text;not null"`
	LockedRate    decimal.Decimal `gorm:"type:text"`
	LockedAt      *time.Time
	AmountBRL     decimal.Decimal `gorm:"type:text"`
	AmountUSDT    decimal.Decimal `gorm:"type:text"`
	TTLExpiresAt  time.Time       `gorm:"index;not null"`
	RuleIDUsed    *int64
	RuleName      string
	PricingSource string          `gorm:"not null"`
	SpreadMode    string          `gorm:"not null"`
	SellSpread    decimal.Decimal `gorm:"type:text;not null"`
	BuySpread     decimal.Decimal `gorm:"type:text;not null"`
	RepriceCount  int             `gorm:"not null;default:0"`
	Metadata      string          `gorm:"not null;default:'{}'"` // JSON
	CreatedAt     time.Time       `gorm:"not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (DealRow) TableName() string { return "deals" }

// ToDeal converts the row to the shared Deal.
func (r DealRow) ToDeal() types.Deal {
	meta := map[string]string{}
	_ = json.Unmarshal([]byte(r.Metadata), &meta)
	return types.Deal{
		ID:            r.ID,
		GroupID:       r.GroupJID,
		ClientID:      r.ClientJID,
		Side:          types.Side(r.Side),
		State:         types.DealState(r.State),
		BaseRate:      r.BaseRate,
		QuotedRate:    r.QuotedRate,
		LockedRate:    r.LockedRate,
		LockedAt:      r.LockedAt,
		AmountBRL:     r.AmountBRL,
		AmountUSDT:    r.AmountUSDT,
		TTLExpiresAt:  r.TTLExpiresAt,
		PricingSource: types.PricingSource(r.PricingSource),
		SpreadMode:    types.SpreadMode(r.SpreadMode),
		SellSpread:    r.SellSpread,
		BuySpread:     r.BuySpread,
		RuleIDUsed:    r.RuleIDUsed,
		RuleName:      r.RuleName,
		RepriceCount:  r.RepriceCount,
		Metadata:      meta,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func dealRowFrom(d types.Deal) DealRow {
	meta, _ := json.Marshal(d.Metadata)
	if d.Metadata == nil {
		meta = []byte("{}")
	}
	return DealRow{
		ID:            d.ID,
		GroupJID:      d.GroupID,
		ClientJID:     d.ClientID,
		State:         string(d.State),
		Side:          string(d.Side),
		QuotedRate:    d.QuotedRate,
		BaseRate:      d.BaseRate,
		LockedRate:    d.LockedRate,
		LockedAt:      d.LockedAt,
		AmountBRL:     d.AmountBRL,
		AmountUSDT:    d.AmountUSDT,
		TTLExpiresAt:  d.TTLExpiresAt,
		RuleIDUsed:    d.RuleIDUsed,
		RuleName:      d.RuleName,
		PricingSource: string(d.PricingSource),
		SpreadMode:    string(d.SpreadMode),
		SellSpread:    d.SellSpread,
		BuySpread:     d.BuySpread,
		RepriceCount:  d.RepriceCount,
		Metadata:      string(meta),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

// DealHistoryRow is an archived terminal deal.
type DealHistoryRow struct {
	DealRow
	FinalState       string    `gorm:"not null"`
	CompletionReason string    `gorm:"not null"`
	ArchivedAt       time.Time `gorm:"index;not null"`
}

func (DealHistoryRow) TableName() string { return "deal_history" }

// ToHistory converts the row to the shared DealHistory.
func (r DealHistoryRow) ToHistory() types.DealHistory {
	return types.DealHistory{
		Deal:             r.DealRow.ToDeal(),
		FinalState:       types.DealState(r.FinalState),
		CompletionReason: r.CompletionReason,
		ArchivedAt:       r.ArchivedAt,
	}
}

// BronzePriceTick is one append-only price observation (90-day retention).
type BronzePriceTick struct {
	ID         int64           `gorm:"primaryKey;autoIncrement"`
	Source     string          `gorm:"not null"`
	Symbol     string          `gorm:"not null"`
	Price      decimal.Decimal `gorm:"type:text;not null"`
	Bid        decimal.Decimal `gorm:"type:text"`
	Ask        decimal.Decimal `gorm:"type:text"`
	CapturedAt time.Time       `gorm:"index;not null"`
}

func (BronzePriceTick) TableName() string { return "bronze_price_ticks" }

// BronzeDealEvent is one append-only deal lifecycle event.
type BronzeDealEvent struct {
	ID           int64           `gorm:"primaryKey;autoIncrement"`
	DealID       string          `gorm:"index;not null"`
	GroupJID     string          `gorm:"column:group_jid;not null"`
	ClientJID    string          `gorm:"column:client_jid;not null"`
	FromState    string
	ToState      string          `gorm:"not null"`
	EventType    string          `gorm:"not null"`
	MarketPrice  decimal.Decimal `gorm:"type:text"`
	DealSnapshot string          `gorm:"not null;default:'{}'"` // JSON
	Metadata     string          `gorm:"not null;default:'{}'"` // JSON
	CreatedAt    time.Time       `gorm:"index;not null"`
}

func (BronzeDealEvent) TableName() string { return "bronze_deal_events" }

// MessageRow is the message log: every inbound message is recorded, even
// while the bot is paused.
type MessageRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	MessageID  string    `gorm:"uniqueIndex;not null"`
	GroupJID   string    `gorm:"column:group_jid;index;not null"`
	SenderJID  string    `gorm:"column:sender_jid;not null"`
	SenderName string
	Text       string
	Route      string    `gorm:"not null"`
	ReceivedAt time.Time `gorm:"index;not null"`
}

func (MessageRow) TableName() string { return "messages" }

// SessionRow backs the transport's auth state.
type SessionRow struct {
	ID        string    `gorm:"primaryKey"` // always "default"
	AuthState string    `gorm:"not null;default:'{}'"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (SessionRow) TableName() string { return "sessions" }

// AIUsageRow is one append-only classifier call record.
type AIUsageRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Service      string `gorm:"not null"`
	Model        string `gorm:"not null"`
	InputTokens  int
	OutputTokens int
	CostUSD      decimal.Decimal `gorm:"type:text"`
	GroupJID     string          `gorm:"column:group_jid"`
	DurationMS   int64
	Success      bool `gorm:"not null"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"index;not null"`
}

func (AIUsageRow) TableName() string { return "ai_usage" }
