// Package dispatch fans inbound messages out to per-group workers.
//
// Each active group gets a lazily-started worker draining a bounded FIFO, so
// messages within a group are handled strictly in order while groups proceed
// concurrently. Total parallelism is capped by a semaphore; idle workers are
// reclaimed after a grace period. When a group's queue is full the oldest
// queued message is shed and counted — the newest message is the one the
// client is waiting on.
package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

// Handler processes one inbound message. It is invoked on the group's
// worker with a per-message deadline.
type Handler func(ctx context.Context, msg types.InboundMessage)

// Dispatcher routes inbound messages to per-group FIFO workers.
type Dispatcher struct {
	cfg     config.DispatchConfig
	handler Handler
	logger  *slog.Logger
	sem     chan struct{}
	stop    chan struct{}

	mu      sync.Mutex
	queues  map[string]chan types.InboundMessage
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// New creates a Dispatcher.
func New(cfg config.DispatchConfig, handler Handler, logger *slog.Logger) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 64
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 128
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "dispatch"),
		sem:     make(chan struct{}, cfg.MaxWorkers),
		stop:    make(chan struct{}),
		queues:  make(map[string]chan types.InboundMessage),
	}
}

// Enqueue hands a message to its group's worker, starting one if needed.
// Returns false after Close or when the message was shed.
//
// The send happens under d.mu: the worker's idle reclaim takes the same lock
// before deleting the queue, so a message can never land in a queue no
// worker will drain.
func (d *Dispatcher) Enqueue(msg types.InboundMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	q, ok := d.queues[msg.GroupID]
	if !ok {
		q = make(chan types.InboundMessage, d.cfg.QueueDepth)
		d.queues[msg.GroupID] = q
		d.wg.Add(1)
		go d.worker(msg.GroupID, q)
	}

	for {
		select {
		case q <- msg:
			return true
		default:
		}
		// Queue full: shed the oldest entry to make room.
		select {
		case <-q:
			d.dropped.Add(1)
			d.logger.Warn("queue full, dropped oldest message", "group", msg.GroupID)
		default:
		}
	}
}

// Dropped reports how many messages were shed under pressure.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// ActiveWorkers reports how many group workers currently exist.
func (d *Dispatcher) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close stops accepting messages and waits for in-flight work, up to the
// deadline. Workers past the deadline are abandoned.
func (d *Dispatcher) Close(deadline time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		d.logger.Warn("shutdown deadline reached, abandoning workers")
	}
}

func (d *Dispatcher) worker(groupID string, q chan types.InboundMessage) {
	defer d.wg.Done()

	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg := <-q:
			d.handle(msg)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.cfg.IdleTimeout)

		case <-d.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case msg := <-q:
					d.handle(msg)
				default:
					return
				}
			}

		case <-idle.C:
			// Reclaim, unless a message slipped in meanwhile.
			d.mu.Lock()
			if len(q) > 0 {
				d.mu.Unlock()
				idle.Reset(d.cfg.IdleTimeout)
				continue
			}
			delete(d.queues, groupID)
			d.mu.Unlock()
			return
		}
	}
}

// handle runs the handler under the concurrency cap, a deadline, and panic
// recovery — one poisoned message must not take the group's worker down.
func (d *Dispatcher) handle(msg types.InboundMessage) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	ctx := context.Background()
	if d.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandleTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"group", msg.GroupID,
				"message_id", msg.MessageID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	d.handler(ctx, msg)
}
