// bronze.go is the fire-and-forget analytics sink. Producers enqueue into a
// bounded channel; when the buffer is full the oldest entry is dropped so
// the trading path never blocks on analytics. A single drain goroutine
// writes batches to the bronze tables.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"otc-desk-bot/pkg/types"
)

const bronzeFlushEvery = 2 * time.Second

type bronzeEntry struct {
	tick  *BronzePriceTick
	event *BronzeDealEvent
}

type bronzeSink struct {
	store   *Store
	ch      chan bronzeEntry
	dropped atomic.Int64
	logger  *slog.Logger
}

func newBronzeSink(s *Store, buffer int, logger *slog.Logger) *bronzeSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &bronzeSink{
		store:  s,
		ch:     make(chan bronzeEntry, buffer),
		logger: logger.With("component", "bronze"),
	}
}

// EmitPriceTick enqueues one accepted price sample. Never blocks.
func (s *Store) EmitPriceTick(sample types.PriceSample) {
	s.bronze.enqueue(bronzeEntry{tick: &BronzePriceTick{
		Source:     string(sample.Source),
		Symbol:     string(sample.Symbol),
		Price:      sample.Price,
		Bid:        sample.Bid,
		Ask:        sample.Ask,
		CapturedAt: sample.CapturedAt,
	}})
}

// EmitDealEvent enqueues one deal lifecycle event. Never blocks.
func (s *Store) EmitDealEvent(ev types.DealEvent) {
	snapshot, _ := json.Marshal(dealRowFrom(ev.Snapshot))
	meta, _ := json.Marshal(ev.Metadata)
	if ev.Metadata == nil {
		meta = []byte("{}")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.bronze.enqueue(bronzeEntry{event: &BronzeDealEvent{
		DealID:       ev.DealID,
		GroupJID:     ev.GroupID,
		ClientJID:    ev.ClientID,
		FromState:    string(ev.FromState),
		ToState:      string(ev.ToState),
		EventType:    ev.EventType,
		MarketPrice:  ev.MarketPrice,
		DealSnapshot: string(snapshot),
		Metadata:     string(meta),
		CreatedAt:    ev.CreatedAt,
	}})
}

// BronzeDropped reports how many entries were shed under pressure.
func (s *Store) BronzeDropped() int64 { return s.bronze.dropped.Load() }

func (b *bronzeSink) enqueue(e bronzeEntry) {
	for {
		select {
		case b.ch <- e:
			return
		default:
		}
		// Full: shed the oldest entry and retry.
		select {
		case <-b.ch:
			b.dropped.Add(1)
		default:
		}
	}
}

// run drains the channel in timed batches until ctx is cancelled, then
// flushes whatever is left.
func (b *bronzeSink) run(ctx context.Context) {
	ticker := time.NewTicker(bronzeFlushEvery)
	defer ticker.Stop()

	var batch []bronzeEntry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-b.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-b.ch:
			batch = append(batch, e)
			if len(batch) >= 256 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (b *bronzeSink) write(batch []bronzeEntry) {
	var ticks []*BronzePriceTick
	var events []*BronzeDealEvent
	for _, e := range batch {
		if e.tick != nil {
			ticks = append(ticks, e.tick)
		}
		if e.event != nil {
			events = append(events, e.event)
		}
	}

	if len(ticks) > 0 {
		if err := b.store.db.Create(&ticks).Error; err != nil {
			b.logger.Error("bronze tick write failed", "error", err, "count", len(ticks))
		}
	}
	if len(events) > 0 {
		if err := b.store.db.Create(&events).Error; err != nil {
			b.logger.Error("bronze event write failed", "error", err, "count", len(events))
		}
	}
}
