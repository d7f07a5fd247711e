// Package store is the persistence gateway: a gorm-backed sqlite database
// with write-through caches for the hot per-group reads (config, triggers,
// rules) and an async bronze sink for append-only analytics rows.
//
// All mutating methods write the database first and only then touch the
// cache, so a crash can leave a stale cache entry (bounded by TTL) but never
// a phantom one. Deal state transitions use compare-and-swap updates so two
// racing writers cannot both win.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

// ErrConflict is returned when a uniqueness or state precondition fails.
var ErrConflict = errors.New("store: conflict")

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence gateway.
type Store struct {
	db     *gorm.DB
	cfg    config.StoreConfig
	logger *slog.Logger

	configCache  *cache[types.GroupConfig]
	triggerCache *cache[[]types.Trigger]
	ruleCache    *cache[[]types.TimeRule]

	bronze *bronzeSink
}

// Open connects to the database, runs migrations and starts nothing; call
// Run to start the bronze drain worker and retention cleanup.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:           db,
		cfg:          cfg,
		logger:       logger.With("component", "store"),
		configCache:  newCache[types.GroupConfig](cfg.CacheTTL),
		triggerCache: newCache[[]types.Trigger](cfg.CacheTTL),
		ruleCache:    newCache[[]types.TimeRule](cfg.CacheTTL),
	}
	s.bronze = newBronzeSink(s, cfg.BronzeBuffer, s.logger)

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&GroupRow{},
		&GroupConfigRow{},
		&TriggerRow{},
		&RuleRow{},
		&DealRow{},
		&DealHistoryRow{},
		&BronzePriceTick{},
		&BronzeDealEvent{},
		&MessageRow{},
		&SessionRow{},
		&AIUsageRow{},
	); err != nil {
		return err
	}

	// gorm tags cannot express a partial index; this is what enforces the
	// at-most-one-active-deal invariant at the storage layer.
	return s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_deals_active
		ON deals(group_jid, client_jid)
		WHERE state IN ('quoted','locked','computing')`).Error
}

// Run drives the bronze drain worker and the daily retention sweep until ctx
// is cancelled.
func (s *Store) Run(ctx context.Context) {
	go s.bronze.run(ctx)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CleanupBronze(ctx); err != nil {
				s.logger.Error("bronze retention cleanup failed", "error", err)
			}
		}
	}
}

// Close releases the underlying database handle. Short-lived stores (the
// dashboard simulator's overlays) must close to avoid leaking connections.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// ————————————————————————————————————————————————————————————————————————
// Groups
// ————————————————————————————————————————————————————————————————————————

// UpsertGroup records a discovered group, keeping FirstSeenAt on conflict.
func (s *Store) UpsertGroup(ctx context.Context, jid, name string, isControl bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	var existing GroupRow
	err := s.db.WithContext(ctx).Where("jid = ?", jid).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&GroupRow{
			JID:            jid,
			Name:           name,
			IsControlGroup: isControl,
			FirstSeenAt:    now,
			LastActivityAt: now,
		}).Error
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
		"name":             name,
		"is_control_group": isControl,
		"last_activity_at": now,
	}).Error
}

// TouchGroupActivity bumps the group's activity clock and message count.
func (s *Store) TouchGroupActivity(ctx context.Context, jid string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Model(&GroupRow{}).
		Where("jid = ?", jid).
		Updates(map[string]any{
			"last_activity_at": time.Now(),
			"message_count":    gorm.Expr("message_count + 1"),
		}).Error
}

// ListGroups returns every known group.
func (s *Store) ListGroups(ctx context.Context) ([]GroupRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rows []GroupRow
	err := s.db.WithContext(ctx).Order("name").Find(&rows).Error
	return rows, err
}

// ControlGroup returns the control group's JID, or "" if none is flagged.
func (s *Store) ControlGroup(ctx context.Context) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row GroupRow
	err := s.db.WithContext(ctx).Where("is_control_group = ?", true).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return row.JID, err
}

// ————————————————————————————————————————————————————————————————————————
// Group config
// ————————————————————————————————————————————————————————————————————————

// GetGroupConfig returns the group's policy, served from cache when fresh.
// A missing row yields defaults for the group (learning mode).
func (s *Store) GetGroupConfig(ctx context.Context, groupJID string) (types.GroupConfig, error) {
	if cfg, ok := s.configCache.get(groupJID); ok {
		return cfg, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row GroupConfigRow
	err := s.db.WithContext(ctx).Where("group_jid = ?", groupJID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg := DefaultGroupConfig(groupJID)
		s.configCache.put(groupJID, cfg)
		return cfg, nil
	}
	if err != nil {
		return types.GroupConfig{}, err
	}

	cfg := row.ToConfig()
	s.configCache.put(groupJID, cfg)
	return cfg, nil
}

// SaveGroupConfig persists the policy and refreshes the cache.
func (s *Store) SaveGroupConfig(ctx context.Context, cfg types.GroupConfig) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	cfg.UpdatedAt = now
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}

	row := configRowFrom(cfg)
	err := s.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return err
	}
	s.configCache.put(cfg.GroupID, cfg)
	return nil
}

// DefaultGroupConfig is the policy applied to a group with no stored row:
// learning mode, zero spreads, 180s TTL.
func DefaultGroupConfig(groupJID string) types.GroupConfig {
	now := time.Now()
	return types.GroupConfig{
		GroupID:         groupJID,
		Mode:            types.ModeLearning,
		SpreadMode:      types.SpreadBps,
		QuoteTTLSeconds: 180,
		DefaultSide:     types.ClientBuysUSDT,
		DefaultCurrency: types.CurrencyBRL,
		Language:        types.LangPTBR,
		Volatility:      types.VolatilityConfig{ThresholdBps: 30, MaxReprices: 3},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Triggers
// ————————————————————————————————————————————————————————————————————————

// TriggersForGroup returns the group's triggers (active and inactive),
// served from cache when fresh.
func (s *Store) TriggersForGroup(ctx context.Context, groupJID string) ([]types.Trigger, error) {
	if ts, ok := s.triggerCache.get(groupJID); ok {
		return ts, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []TriggerRow
	if err := s.db.WithContext(ctx).
		Where("group_jid = ?", groupJID).
		Order("priority DESC, created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.Trigger, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToTrigger())
	}
	s.triggerCache.put(groupJID, out)
	return out, nil
}

// CreateTrigger inserts a trigger; duplicate (group, phrase) is ErrConflict.
func (s *Store) CreateTrigger(ctx context.Context, t types.Trigger) (types.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	row := triggerRowFrom(t)
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return types.Trigger{}, fmt.Errorf("%w: trigger %q already exists in group", ErrConflict, t.Phrase)
		}
		return types.Trigger{}, err
	}
	s.triggerCache.invalidate(t.GroupID)
	return row.ToTrigger(), nil
}

// UpdateTrigger rewrites a trigger row by ID within its group.
func (s *Store) UpdateTrigger(ctx context.Context, t types.Trigger) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := triggerRowFrom(t)
	res := s.db.WithContext(ctx).
		Model(&TriggerRow{}).
		Where("id = ? AND group_jid = ?", t.ID, t.GroupID).
		Updates(map[string]any{
			"trigger_phrase": row.TriggerPhrase,
			"pattern_type":   row.PatternType,
			"action_type":    row.ActionType,
			"action_params":  row.ActionParams,
			"priority":       row.Priority,
			"is_active":      row.IsActive,
			"scope":          row.Scope,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("%w: trigger %q already exists in group", ErrConflict, t.Phrase)
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.triggerCache.invalidate(t.GroupID)
	return nil
}

// DeleteTrigger removes a trigger by ID within its group.
func (s *Store) DeleteTrigger(ctx context.Context, groupJID string, id int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).
		Where("id = ? AND group_jid = ?", id, groupJID).
		Delete(&TriggerRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.triggerCache.invalidate(groupJID)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Rules
// ————————————————————————————————————————————————————————————————————————

// RulesForGroup returns the group's time rules, served from cache when fresh.
func (s *Store) RulesForGroup(ctx context.Context, groupJID string) ([]types.TimeRule, error) {
	if rs, ok := s.ruleCache.get(groupJID); ok {
		return rs, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []RuleRow
	if err := s.db.WithContext(ctx).
		Where("group_jid = ?", groupJID).
		Order("priority DESC, created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.TimeRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToRule())
	}
	s.ruleCache.put(groupJID, out)
	return out, nil
}

// CreateRule inserts a time rule.
func (s *Store) CreateRule(ctx context.Context, rule types.TimeRule) (types.TimeRule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	row := ruleRowFrom(rule)
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.TimeRule{}, err
	}
	s.ruleCache.invalidate(rule.GroupID)
	return row.ToRule(), nil
}

// RuleByID fetches one rule row regardless of group.
func (s *Store) RuleByID(ctx context.Context, id int64) (types.TimeRule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row RuleRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TimeRule{}, ErrNotFound
	}
	if err != nil {
		return types.TimeRule{}, err
	}
	return row.ToRule(), nil
}

// UpdateRule rewrites a rule row by ID within its group.
func (s *Store) UpdateRule(ctx context.Context, rule types.TimeRule) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := ruleRowFrom(rule)
	res := s.db.WithContext(ctx).
		Model(&RuleRow{}).
		Where("id = ? AND group_jid = ?", rule.ID, rule.GroupID).
		Updates(map[string]any{
			"name":           row.Name,
			"pricing_source": row.PricingSource,
			"spread_mode":    row.SpreadMode,
			"sell_spread":    row.SellSpread,
			"buy_spread":     row.BuySpread,
			"priority":       row.Priority,
			"active_window":  row.ActiveWindow,
			"is_active":      row.IsActive,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.ruleCache.invalidate(rule.GroupID)
	return nil
}

// DeleteRule removes a rule by ID within its group. System rules refuse.
func (s *Store) DeleteRule(ctx context.Context, groupJID string, id int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).
		Where("id = ? AND group_jid = ? AND is_system = ?", id, groupJID, false).
		Delete(&RuleRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.ruleCache.invalidate(groupJID)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Deals
// ————————————————————————————————————————————————————————————————————————

// CreateDeal inserts a new deal. A second active deal for the same
// (group, client) pair violates the partial unique index → ErrConflict.
func (s *Store) CreateDeal(ctx context.Context, d types.Deal) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := dealRowFrom(d)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: active deal exists for client", ErrConflict)
		}
		return err
	}
	return nil
}

// GetDeal fetches a deal by ID.
func (s *Store) GetDeal(ctx context.Context, id string) (types.Deal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row DealRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Deal{}, ErrNotFound
	}
	if err != nil {
		return types.Deal{}, err
	}
	return row.ToDeal(), nil
}

// ActiveDeal fetches the client's non-terminal deal in the group, if any.
func (s *Store) ActiveDeal(ctx context.Context, groupJID, clientJID string) (types.Deal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row DealRow
	err := s.db.WithContext(ctx).
		Where("group_jid = ? AND client_jid = ? AND state IN ?",
			groupJID, clientJID, activeStates()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Deal{}, ErrNotFound
	}
	if err != nil {
		return types.Deal{}, err
	}
	return row.ToDeal(), nil
}

// ListActiveDeals returns all non-terminal deals, optionally scoped to one
// group (groupJID == "" means all).
func (s *Store) ListActiveDeals(ctx context.Context, groupJID string) ([]types.Deal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := s.db.WithContext(ctx).Where("state IN ?", activeStates())
	if groupJID != "" {
		q = q.Where("group_jid = ?", groupJID)
	}
	var rows []DealRow
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Deal, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToDeal())
	}
	return out, nil
}

// ExpiredDeals returns non-terminal deals whose TTL has passed.
func (s *Store) ExpiredDeals(ctx context.Context, now time.Time) ([]types.Deal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []DealRow
	if err := s.db.WithContext(ctx).
		Where("state IN ? AND ttl_expires_at <= ?", activeStates(), now).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Deal, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToDeal())
	}
	return out, nil
}

// TransitionDeal writes the deal's new row contents iff the stored state
// still equals fromState (compare-and-swap). A lost race is ErrConflict.
func (s *Store) TransitionDeal(ctx context.Context, d types.Deal, fromState types.DealState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d.UpdatedAt = time.Now()
	row := dealRowFrom(d)
	res := s.db.WithContext(ctx).
		Model(&DealRow{}).
		Where("id = ? AND state = ?", d.ID, string(fromState)).
		Updates(map[string]any{
			"state":          row.State,
			"quoted_rate":    row.QuotedRate,
			"locked_rate":    row.LockedRate,
			"locked_at":      row.LockedAt,
			"amount_brl":     row.AmountBRL,
			"amount_usdt":    row.AmountUSDT,
			"ttl_expires_at": row.TTLExpiresAt,
			"reprice_count":  row.RepriceCount,
			"metadata":       row.Metadata,
			"updated_at":     row.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: deal %s no longer in state %s", ErrConflict, d.ID, fromState)
	}
	return nil
}

// ArchiveDeal moves a terminal deal into deal_history and removes it from
// the active table, atomically.
func (s *Store) ArchiveDeal(ctx context.Context, d types.Deal, finalState types.DealState, reason string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d.State = finalState
	d.UpdatedAt = time.Now()
	hist := DealHistoryRow{
		DealRow:          dealRowFrom(d),
		FinalState:       string(finalState),
		CompletionReason: reason,
		ArchivedAt:       time.Now(),
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&hist).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", d.ID).Delete(&DealRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: deal %s already archived", ErrConflict, d.ID)
		}
		return nil
	})
}

// DealHistoryPage returns archived deals, newest first.
func (s *Store) DealHistoryPage(ctx context.Context, groupJID string, limit, offset int) ([]types.DealHistory, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("archived_at DESC").Limit(limit).Offset(offset)
	if groupJID != "" {
		q = q.Where("group_jid = ?", groupJID)
	}
	var rows []DealHistoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.DealHistory, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToHistory())
	}
	return out, nil
}

func activeStates() []string {
	return []string{
		string(types.DealQuoted),
		string(types.DealLocked),
		string(types.DealComputing),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Message log, sessions, AI usage
// ————————————————————————————————————————————————————————————————————————

// LogMessage appends one inbound message to the log. Duplicate message IDs
// (transport redelivery) are ignored.
func (s *Store) LogMessage(ctx context.Context, msg types.InboundMessage, route types.Route) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Create(&MessageRow{
		MessageID:  msg.MessageID,
		GroupJID:   msg.GroupID,
		SenderJID:  msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		Route:      string(route),
		ReceivedAt: msg.Timestamp,
	}).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// RecentMessages returns the newest logged messages for a group, oldest
// first. The dashboard simulator replays them through an overlay pipeline.
func (s *Store) RecentMessages(ctx context.Context, groupJID string, limit int) ([]MessageRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []MessageRow
	err := s.db.WithContext(ctx).
		Where("group_jid = ?", groupJID).
		Order("received_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// PriceTickHistory returns bronze ticks for a source newer than since,
// oldest first.
func (s *Store) PriceTickHistory(ctx context.Context, source string, since time.Time, limit int) ([]BronzePriceTick, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var rows []BronzePriceTick
	q := s.db.WithContext(ctx).Where("captured_at > ?", since)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	err := q.Order("captured_at ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// LoadSession returns the transport's persisted auth state ("" if none).
func (s *Store) LoadSession(ctx context.Context) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row SessionRow
	err := s.db.WithContext(ctx).Where("id = ?", "default").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return row.AuthState, err
}

// SaveSession persists the transport's auth state.
func (s *Store) SaveSession(ctx context.Context, authState string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Save(&SessionRow{
		ID:        "default",
		AuthState: authState,
		UpdatedAt: time.Now(),
	}).Error
}

// RecordAIUsage appends one classifier call to the usage ledger.
func (s *Store) RecordAIUsage(ctx context.Context, row AIUsageRow) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// CleanupBronze deletes bronze rows past the retention horizon.
func (s *Store) CleanupBronze(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.BronzeRetention)
	if err := s.db.WithContext(ctx).
		Where("captured_at < ?", cutoff).Delete(&BronzePriceTick{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).Delete(&BronzeDealEvent{}).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
