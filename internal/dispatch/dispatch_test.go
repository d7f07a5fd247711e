package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func msg(group, id string) types.InboundMessage {
	return types.InboundMessage{MessageID: id, GroupID: group, Text: id, Timestamp: time.Now()}
}

func TestPerGroupFIFO(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string][]string{}
	var wg sync.WaitGroup

	d := New(config.DispatchConfig{MaxWorkers: 8, QueueDepth: 100, IdleTimeout: time.Minute},
		func(_ context.Context, m types.InboundMessage) {
			mu.Lock()
			seen[m.GroupID] = append(seen[m.GroupID], m.MessageID)
			mu.Unlock()
			wg.Done()
		}, testLogger())
	defer d.Close(time.Second)

	const perGroup = 50
	wg.Add(3 * perGroup)
	for i := 0; i < perGroup; i++ {
		for _, g := range []string{"g1", "g2", "g3"} {
			if !d.Enqueue(msg(g, fmt.Sprintf("m%03d", i))) {
				t.Fatalf("enqueue refused")
			}
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for g, ids := range seen {
		if len(ids) != perGroup {
			t.Fatalf("group %s handled %d messages, want %d", g, len(ids), perGroup)
		}
		for i, id := range ids {
			if want := fmt.Sprintf("m%03d", i); id != want {
				t.Fatalf("group %s out of order at %d: got %s want %s", g, i, id, want)
			}
		}
	}
}

func TestQueueFullShedsOldest(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var mu sync.Mutex
	var handled []string

	d := New(config.DispatchConfig{MaxWorkers: 2, QueueDepth: 2, IdleTimeout: time.Minute},
		func(_ context.Context, m types.InboundMessage) {
			<-block
			mu.Lock()
			handled = append(handled, m.MessageID)
			mu.Unlock()
		}, testLogger())
	defer d.Close(time.Second)

	// First message occupies the worker; the queue holds two more; the
	// fourth forces a shed of the oldest queued entry.
	d.Enqueue(msg("g1", "m1"))
	time.Sleep(20 * time.Millisecond) // let the worker pick up m1
	d.Enqueue(msg("g1", "m2"))
	d.Enqueue(msg("g1", "m3"))
	d.Enqueue(msg("g1", "m4"))

	if d.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", d.Dropped())
	}
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(handled)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handled %d messages, want 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range handled {
		if id == "m2" {
			t.Error("m2 should have been shed as the oldest queued message")
		}
	}
}

func TestIdleWorkerReclaimed(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	d := New(config.DispatchConfig{MaxWorkers: 4, QueueDepth: 8, IdleTimeout: 50 * time.Millisecond},
		func(context.Context, types.InboundMessage) { wg.Done() }, testLogger())
	defer d.Close(time.Second)

	wg.Add(1)
	d.Enqueue(msg("g1", "m1"))
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for d.ActiveWorkers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle worker not reclaimed, active = %d", d.ActiveWorkers())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The group springs back on the next message.
	wg.Add(1)
	if !d.Enqueue(msg("g1", "m2")) {
		t.Fatal("enqueue after reclaim refused")
	}
	wg.Wait()
}

func TestMessagesSurviveIdleReclaim(t *testing.T) {
	t.Parallel()

	var handled atomic.Int64
	d := New(config.DispatchConfig{MaxWorkers: 4, QueueDepth: 8, IdleTimeout: time.Millisecond},
		func(context.Context, types.InboundMessage) { handled.Add(1) }, testLogger())
	defer d.Close(time.Second)

	// Pace enqueues around the idle timeout so reclaim keeps racing fresh
	// messages; every one must still reach the handler.
	const total = 200
	for i := 0; i < total; i++ {
		if !d.Enqueue(msg("g1", fmt.Sprintf("m%03d", i))) {
			t.Fatalf("enqueue refused at %d", i)
		}
		time.Sleep(time.Millisecond)
	}

	deadline := time.Now().Add(3 * time.Second)
	for handled.Load() != total {
		if time.Now().After(deadline) {
			t.Fatalf("handled %d of %d messages", handled.Load(), total)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", d.Dropped())
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var handled []string
	var wg sync.WaitGroup

	d := New(config.DispatchConfig{MaxWorkers: 2, QueueDepth: 8, IdleTimeout: time.Minute},
		func(_ context.Context, m types.InboundMessage) {
			defer wg.Done()
			if m.MessageID == "boom" {
				panic("poisoned message")
			}
			mu.Lock()
			handled = append(handled, m.MessageID)
			mu.Unlock()
		}, testLogger())
	defer d.Close(time.Second)

	wg.Add(2)
	d.Enqueue(msg("g1", "boom"))
	d.Enqueue(msg("g1", "after"))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "after" {
		t.Errorf("handled = %v, want [after]", handled)
	}
}

func TestEnqueueAfterCloseRefused(t *testing.T) {
	t.Parallel()

	d := New(config.DispatchConfig{MaxWorkers: 2, QueueDepth: 8, IdleTimeout: time.Minute},
		func(context.Context, types.InboundMessage) {}, testLogger())
	d.Close(time.Second)

	if d.Enqueue(msg("g1", "m1")) {
		t.Error("enqueue after close should be refused")
	}
}
