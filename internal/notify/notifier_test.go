package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	connected bool
}

func (f *fakeSender) Send(_ context.Context, _, text string, _ types.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Connected() bool { return f.connected }

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDedupWindowDropsRepeat(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{connected: true}
	n := New(config.NotifyConfig{RatePerMinute: 60, DedupWindow: 10 * time.Minute}, sender, testLogger())
	n.SetControlGroup("control")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Notify("pause: binance failures")
	n.Notify("pause: binance failures")
	n.Notify("different message")

	deadline := time.Now().Add(2 * time.Second)
	for sender.sentCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// Give the duplicate a moment to (not) arrive.
	time.Sleep(50 * time.Millisecond)
	if got := sender.sentCount(); got != 2 {
		t.Errorf("sent = %d, want 2 (duplicate deduped)", got)
	}
	if n.Deduped() != 1 {
		t.Errorf("deduped = %d, want 1", n.Deduped())
	}
}

func TestDisconnectedDropsSilently(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{connected: false}
	n := New(config.NotifyConfig{RatePerMinute: 60, DedupWindow: time.Minute}, sender, testLogger())
	n.SetControlGroup("control")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Notify("hello")

	deadline := time.Now().Add(2 * time.Second)
	for n.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if sender.sentCount() != 0 {
		t.Error("nothing should be sent while disconnected")
	}
	if n.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", n.Dropped())
	}
}
