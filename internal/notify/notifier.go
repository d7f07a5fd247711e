// Package notify pushes operator-facing messages into the control group
// through a throttled queue.
//
// Two guards sit between callers and the transport: a rolling-minute rate
// cap and a dedup window that drops an identical message repeated within the
// configured interval. Delivery is at-least-once while the transport is
// connected; when disconnected, messages are dropped silently with a counter
// increment.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

// Sender is the narrow transport capability the notifier needs.
type Sender interface {
	Send(ctx context.Context, groupID, text string, opts types.SendOptions) error
	Connected() bool
}

// Notifier delivers control-channel messages with throttling and dedup.
type Notifier struct {
	cfg    config.NotifyConfig
	sender Sender
	logger *slog.Logger

	mu             sync.Mutex
	controlGroupID string
	sentTimes      []time.Time          // sends inside the rolling minute
	lastSent       map[string]time.Time // message text → last delivery

	queue   chan string
	dropped atomic.Int64 // disconnected or queue-full drops
	deduped atomic.Int64
}

// New creates a notifier. The control group is unknown until discovery;
// messages queued before SetControlGroup are delivered once it is set.
func New(cfg config.NotifyConfig, sender Sender, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		sender:   sender,
		logger:   logger.With("component", "notifier"),
		lastSent: make(map[string]time.Time),
		queue:    make(chan string, 64),
	}
}

// SetControlGroup records where notifications go.
func (n *Notifier) SetControlGroup(groupID string) {
	n.mu.Lock()
	n.controlGroupID = groupID
	n.mu.Unlock()
}

// Notify enqueues a message (non-blocking). A full queue drops the message
// and counts it.
func (n *Notifier) Notify(text string) {
	select {
	case n.queue <- text:
	default:
		n.dropped.Add(1)
		n.logger.Warn("notify queue full, dropping", "text", text)
	}
}

// Dropped returns how many messages were dropped (disconnected transport or
// full queue).
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Deduped returns how many messages the dedup window absorbed.
func (n *Notifier) Deduped() int64 { return n.deduped.Load() }

// Run drains the queue until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			n.deliver(ctx, text)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	now := time.Now()

	n.mu.Lock()
	groupID := n.controlGroupID

	if last, ok := n.lastSent[text]; ok && now.Sub(last) < n.cfg.DedupWindow {
		n.mu.Unlock()
		n.deduped.Add(1)
		return
	}

	// Rolling-minute rate cap: wait out the oldest send if at capacity.
	n.pruneLocked(now)
	var wait time.Duration
	if len(n.sentTimes) >= n.cfg.RatePerMinute {
		wait = n.sentTimes[0].Add(time.Minute).Sub(now)
	}
	n.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if groupID == "" || !n.sender.Connected() {
		n.dropped.Add(1)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := n.sender.Send(sendCtx, groupID, text, types.SendOptions{})
	cancel()
	if err != nil {
		n.dropped.Add(1)
		n.logger.Warn("control notification failed", "error", err)
		return
	}

	n.mu.Lock()
	now = time.Now()
	n.lastSent[text] = now
	n.sentTimes = append(n.sentTimes, now)
	n.pruneLocked(now)
	// Bound the dedup map; old entries are useless past the window.
	if len(n.lastSent) > 256 {
		for k, v := range n.lastSent {
			if now.Sub(v) > n.cfg.DedupWindow {
				delete(n.lastSent, k)
			}
		}
	}
	n.mu.Unlock()
}

func (n *Notifier) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(n.sentTimes); i++ {
		if n.sentTimes[i].After(cutoff) {
			break
		}
	}
	n.sentTimes = append(n.sentTimes[:0:0], n.sentTimes[i:]...)
}
