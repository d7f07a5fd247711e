// Package deal implements the deal lifecycle engine: the stateful quote
// conversation per (group, client) pair.
//
// All operations are serialized per pair through a striped lock set with
// bounded acquisition; a lost race at the storage layer (CAS update, partial
// unique index) is resolved by re-reading and returning an idempotent no-op
// with a reason code. Every transition emits a lifecycle event to the bronze
// sink.
package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/internal/pricing"
	"otc-desk-bot/internal/rules"
	"otc-desk-bot/internal/store"
	"otc-desk-bot/pkg/types"
)

// metaOriginalTTL and metaAwaitOperator are engine flags kept in the deal's
// metadata map rather than as schema columns.
const (
	metaOriginalTTL   = "original_ttl_seconds"
	metaAwaitOperator = "await_operator"
)

// Store is the persistence surface the engine needs. *store.Store satisfies
// it.
type Store interface {
	GetGroupConfig(ctx context.Context, groupJID string) (types.GroupConfig, error)
	CreateDeal(ctx context.Context, d types.Deal) error
	GetDeal(ctx context.Context, id string) (types.Deal, error)
	ActiveDeal(ctx context.Context, groupJID, clientJID string) (types.Deal, error)
	ListActiveDeals(ctx context.Context, groupJID string) ([]types.Deal, error)
	ExpiredDeals(ctx context.Context, now time.Time) ([]types.Deal, error)
	TransitionDeal(ctx context.Context, d types.Deal, fromState types.DealState) error
	ArchiveDeal(ctx context.Context, d types.Deal, finalState types.DealState, reason string) error
	EmitDealEvent(ev types.DealEvent)
}

// PriceSource answers nonblocking price reads. *price.Aggregator satisfies
// it.
type PriceSource interface {
	Resolve(source types.PricingSource) (types.PriceView, bool)
}

// PolicyResolver returns the effective pricing policy for a group.
// *rules.Resolver satisfies it.
type PolicyResolver interface {
	Resolve(ctx context.Context, cfg types.GroupConfig) (rules.Resolved, error)
}

// GroupSender posts a message into a client group (rate announcements on
// volatility reprice). May be nil.
type GroupSender func(ctx context.Context, groupID, text string)

// Result is the outcome of one engine operation. Reason explains no-ops;
// Deal is the current row (zero when ReasonNotFound).
type Result struct {
	Deal   types.Deal
	Reason types.ReasonCode
}

// Engine is the deal lifecycle engine.
type Engine struct {
	store          Store
	prices         PriceSource
	policy         PolicyResolver
	cfg            config.DealsConfig
	locks          *pairLocks
	notifyOperator func(text string)
	sendGroup      GroupSender
	logger         *slog.Logger
	now            func() time.Time

	volMu        sync.Mutex
	lastVolCheck map[types.PricingSource]time.Time
}

// NewEngine creates the engine. notifyOperator and sendGroup may be nil.
func NewEngine(
	st Store,
	prices PriceSource,
	policy PolicyResolver,
	cfg config.DealsConfig,
	notifyOperator func(string),
	sendGroup GroupSender,
	logger *slog.Logger,
) *Engine {
	if notifyOperator == nil {
		notifyOperator = func(string) {}
	}
	if sendGroup == nil {
		sendGroup = func(context.Context, string, string) {}
	}
	return &Engine{
		store:          st,
		prices:         prices,
		policy:         policy,
		cfg:            cfg,
		locks:          newPairLocks(cfg.LockStripes, cfg.LockTimeout),
		notifyOperator: notifyOperator,
		sendGroup:      sendGroup,
		logger:         logger.With("component", "deal_engine"),
		now:            time.Now,
	}
}

// Run drives the TTL sweeper until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Sweep(ctx); err != nil {
				e.logger.Error("sweep failed", "error", err)
			} else if n > 0 {
				e.logger.Info("swept expired deals", "count", n)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Quote
// ————————————————————————————————————————————————————————————————————————

// Quote opens a new quoted deal for the pair. amountHint, when non-nil, is a
// BRL amount the client already named; both sides are filled from the quoted
// rate.
func (e *Engine) Quote(ctx context.Context, groupID, clientID string, side types.Side, amountHint *decimal.Decimal) (Result, error) {
	release, ok := e.locks.acquire(groupID, clientID)
	if !ok {
		return Result{Reason: types.ReasonBusy}, nil
	}
	defer release()

	if existing, err := e.store.ActiveDeal(ctx, groupID, clientID); err == nil {
		return Result{Deal: existing, Reason: types.ReasonConflict}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	cfg, err := e.store.GetGroupConfig(ctx, groupID)
	if err != nil {
		return Result{}, fmt.Errorf("load group config: %w", err)
	}
	policy, err := e.policy.Resolve(ctx, cfg)
	if err != nil {
		e.logger.Warn("rule resolution failed, using group config", "group", groupID, "error", err)
	}

	view, found := e.prices.Resolve(policy.PricingSource)
	if !found || view.Stale {
		return Result{}, fmt.Errorf("no fresh price for source %s", policy.PricingSource)
	}

	snap := pricing.Snapshot{
		SpreadMode: policy.SpreadMode,
		SellSpread: policy.SellSpread,
		BuySpread:  policy.BuySpread,
	}
	quoted, err := pricing.ClientRate(view.Price, snap, side)
	if err != nil {
		return Result{}, fmt.Errorf("compute rate: %w", err)
	}

	now := e.now()
	ttl := time.Duration(cfg.QuoteTTLSeconds) * time.Second
	d := types.Deal{
		ID:            uuid.NewString(),
		GroupID:       groupID,
		ClientID:      clientID,
		Side:          side,
		State:         types.DealQuoted,
		BaseRate:      view.Price,
		QuotedRate:    quoted,
		TTLExpiresAt:  now.Add(ttl),
		PricingSource: policy.PricingSource,
		SpreadMode:    policy.SpreadMode,
		SellSpread:    policy.SellSpread,
		BuySpread:     policy.BuySpread,
		RuleIDUsed:    policy.RuleID,
		RuleName:      policy.RuleName,
		Metadata:      map[string]string{metaOriginalTTL: strconv.Itoa(cfg.QuoteTTLSeconds)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if amountHint != nil {
		usdt, err := pricing.USDTFromBRL(*amountHint, quoted)
		if err != nil {
			return Result{}, fmt.Errorf("apply amount hint: %w", err)
		}
		d.AmountBRL = amountHint.Truncate(pricing.AmountDecimals)
		d.AmountUSDT = usdt
	}

	if err := e.store.CreateDeal(ctx, d); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if existing, rerr := e.store.ActiveDeal(ctx, groupID, clientID); rerr == nil {
				return Result{Deal: existing, Reason: types.ReasonConflict}, nil
			}
		}
		return Result{}, err
	}

	e.emit(d, "", types.DealQuoted, "created", view.Price)
	e.logger.Info("deal quoted",
		"deal", d.ID, "group", groupID, "client", clientID,
		"rate", d.QuotedRate, "source", d.PricingSource, "rule", d.RuleName,
	)
	return Result{Deal: d, Reason: types.ReasonOK}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Lock
// ————————————————————————————————————————————————————————————————————————

// Lock freezes the quoted rate: quoted → locked. Locking an already-locked
// deal is a no-op; an elapsed TTL expires the deal instead.
func (e *Engine) Lock(ctx context.Context, dealID string) (Result, error) {
	return e.withDeal(ctx, dealID, func(d types.Deal) (Result, error) {
		switch d.State {
		case types.DealLocked:
			return Result{Deal: d, Reason: types.ReasonOK}, nil
		case types.DealComputing:
			return Result{Deal: d, Reason: types.ReasonNotQuotable}, nil
		}

		if e.now().After(d.TTLExpiresAt) {
			if err := e.expire(ctx, d); err != nil {
				return Result{}, err
			}
			d.State = types.DealExpired
			return Result{Deal: d, Reason: types.ReasonExpired}, nil
		}

		now := e.now()
		d.State = types.DealLocked
		d.LockedRate = d.QuotedRate
		d.LockedAt = &now
		if err := e.store.TransitionDeal(ctx, d, types.DealQuoted); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.reread(ctx, dealID)
			}
			return Result{}, err
		}

		e.emit(d, types.DealQuoted, types.DealLocked, "locked", d.LockedRate)
		e.logger.Info("deal locked", "deal", d.ID, "rate", d.LockedRate)
		return Result{Deal: d, Reason: types.ReasonOK}, nil
	})
}

// ————————————————————————————————————————————————————————————————————————
// ApplyAmount
// ————————————————————————————————————————————————————————————————————————

// ApplyAmount fills the missing side of the deal from the locked rate (or
// the quoted rate when not yet locked). Exactly one of amountBRL and
// amountUSDT must be non-nil. The deal passes through computing and returns
// to its prior state.
func (e *Engine) ApplyAmount(ctx context.Context, dealID string, amountBRL, amountUSDT *decimal.Decimal) (Result, error) {
	if (amountBRL == nil) == (amountUSDT == nil) {
		return Result{}, fmt.Errorf("exactly one of amountBRL and amountUSDT must be set")
	}

	return e.withDeal(ctx, dealID, func(d types.Deal) (Result, error) {
		if d.State == types.DealComputing {
			return Result{Deal: d, Reason: types.ReasonBusy}, nil
		}

		prior := d.State
		d.State = types.DealComputing
		if err := e.store.TransitionDeal(ctx, d, prior); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.reread(ctx, dealID)
			}
			return Result{}, err
		}

		rate := d.QuotedRate
		if prior == types.DealLocked {
			rate = d.LockedRate
		}

		var convErr error
		if amountBRL != nil {
			d.AmountBRL = amountBRL.Truncate(pricing.AmountDecimals)
			d.AmountUSDT, convErr = pricing.USDTFromBRL(*amountBRL, rate)
		} else {
			d.AmountUSDT = amountUSDT.Truncate(pricing.AmountDecimals)
			d.AmountBRL, convErr = pricing.BRLFromUSDT(*amountUSDT, rate)
		}
		if convErr != nil {
			// Leave the amounts untouched and restore the prior state.
			restored, _ := e.store.GetDeal(ctx, dealID)
			restored.State = prior
			_ = e.store.TransitionDeal(ctx, restored, types.DealComputing)
			return Result{}, fmt.Errorf("apply amount: %w", convErr)
		}

		d.State = prior
		if err := e.store.TransitionDeal(ctx, d, types.DealComputing); err != nil {
			return Result{}, err
		}

		e.emit(d, types.DealComputing, prior, "amount_applied", rate)
		e.logger.Info("amount applied",
			"deal", d.ID, "brl", d.AmountBRL, "usdt", d.AmountUSDT, "rate", rate,
		)
		return Result{Deal: d, Reason: types.ReasonOK}, nil
	})
}

// ————————————————————————————————————————————————————————————————————————
// Complete / Cancel
// ————————————————————————————————————————————————————————————————————————

// Complete archives the deal as completed. Valid from quoted or locked;
// frees the pair's active slot.
func (e *Engine) Complete(ctx context.Context, dealID, reason string) (Result, error) {
	return e.terminate(ctx, dealID, types.DealCompleted, "completed", reason)
}

// Cancel archives the deal as cancelled from any non-terminal state.
func (e *Engine) Cancel(ctx context.Context, dealID, reason string) (Result, error) {
	return e.terminate(ctx, dealID, types.DealCancelled, "cancelled", reason)
}

func (e *Engine) terminate(ctx context.Context, dealID string, final types.DealState, event, reason string) (Result, error) {
	return e.withDeal(ctx, dealID, func(d types.Deal) (Result, error) {
		if d.State == types.DealComputing && final == types.DealCompleted {
			return Result{Deal: d, Reason: types.ReasonBusy}, nil
		}

		from := d.State
		if err := e.store.ArchiveDeal(ctx, d, final, reason); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return Result{Deal: d, Reason: types.ReasonTerminal}, nil
			}
			return Result{}, err
		}

		d.State = final
		e.emit(d, from, final, event, decimal.Decimal{})
		e.logger.Info("deal closed", "deal", d.ID, "final", final, "reason", reason)
		return Result{Deal: d, Reason: types.ReasonOK}, nil
	})
}

// ————————————————————————————————————————————————————————————————————————
// Extend
// ————————————————————————————————————————————————————————————————————————

// Extend pushes the TTL out by up to the per-call cap, bounded cumulatively
// by MaxTTLMultiple times the original TTL measured from creation.
func (e *Engine) Extend(ctx context.Context, dealID string, seconds int) (Result, error) {
	if seconds <= 0 {
		return Result{}, fmt.Errorf("extend seconds must be positive")
	}

	return e.withDeal(ctx, dealID, func(d types.Deal) (Result, error) {
		if seconds > e.cfg.MaxExtendPerCall {
			seconds = e.cfg.MaxExtendPerCall
		}

		originalTTL := 180
		if v, err := strconv.Atoi(d.Metadata[metaOriginalTTL]); err == nil && v > 0 {
			originalTTL = v
		}
		ceiling := d.CreatedAt.Add(time.Duration(e.cfg.MaxTTLMultiple*originalTTL) * time.Second)

		target := d.TTLExpiresAt.Add(time.Duration(seconds) * time.Second)
		if target.After(ceiling) {
			target = ceiling
		}
		if !target.After(d.TTLExpiresAt) {
			return Result{Deal: d, Reason: types.ReasonConflict}, nil
		}

		prior := d.State
		d.TTLExpiresAt = target
		if err := e.store.TransitionDeal(ctx, d, prior); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.reread(ctx, dealID)
			}
			return Result{}, err
		}

		e.emit(d, prior, prior, "extended", decimal.Decimal{})
		e.logger.Info("deal extended", "deal", d.ID, "until", d.TTLExpiresAt)
		return Result{Deal: d, Reason: types.ReasonOK}, nil
	})
}

// ————————————————————————————————————————————————————————————————————————
// Sweep
// ————————————————————————————————————————————————————————————————————————

// Sweep expires every non-terminal deal whose TTL has elapsed and returns
// how many were expired. Pairs whose lock is busy are skipped and picked up
// on the next pass.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	expired, err := e.store.ExpiredDeals(ctx, e.now())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range expired {
		release, ok := e.locks.acquire(d.GroupID, d.ClientID)
		if !ok {
			continue
		}
		current, err := e.store.GetDeal(ctx, d.ID)
		if err == nil && !current.State.Terminal() && e.now().After(current.TTLExpiresAt) {
			if err := e.expire(ctx, current); err != nil {
				e.logger.Error("expire failed", "deal", d.ID, "error", err)
			} else {
				n++
			}
		}
		release()
	}
	return n, nil
}

// expire archives a deal as expired. Caller holds the pair lock.
func (e *Engine) expire(ctx context.Context, d types.Deal) error {
	from := d.State
	if err := e.store.ArchiveDeal(ctx, d, types.DealExpired, "ttl elapsed"); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	d.State = types.DealExpired
	e.emit(d, from, types.DealExpired, "expired", decimal.Decimal{})
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Shared plumbing
// ————————————————————————————————————————————————————————————————————————

// withDeal loads the deal, takes its pair lock and runs fn. A missing deal
// is ReasonNotFound; a busy lock is ReasonBusy; terminal states short-circuit
// as ReasonTerminal.
func (e *Engine) withDeal(ctx context.Context, dealID string, fn func(types.Deal) (Result, error)) (Result, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Reason: types.ReasonNotFound}, nil
		}
		return Result{}, err
	}

	release, ok := e.locks.acquire(d.GroupID, d.ClientID)
	if !ok {
		return Result{Deal: d, Reason: types.ReasonBusy}, nil
	}
	defer release()

	// Re-read under the lock; the row may have moved.
	d, err = e.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Reason: types.ReasonNotFound}, nil
		}
		return Result{}, err
	}
	if d.State.Terminal() {
		return Result{Deal: d, Reason: types.ReasonTerminal}, nil
	}
	return fn(d)
}

func (e *Engine) reread(ctx context.Context, dealID string) (Result, error) {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Reason: types.ReasonNotFound}, nil
		}
		return Result{}, err
	}
	if d.State.Terminal() {
		return Result{Deal: d, Reason: types.ReasonTerminal}, nil
	}
	return Result{Deal: d, Reason: types.ReasonConflict}, nil
}

func (e *Engine) emit(d types.Deal, from, to types.DealState, event string, marketPrice decimal.Decimal) {
	e.store.EmitDealEvent(types.DealEvent{
		DealID:      d.ID,
		GroupID:     d.GroupID,
		ClientID:    d.ClientID,
		FromState:   from,
		ToState:     to,
		EventType:   event,
		MarketPrice: marketPrice,
		Snapshot:    d,
		CreatedAt:   e.now(),
	})
}
