package errsvc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

func testErrorsConfig() config.ErrorsConfig {
	return config.ErrorsConfig{
		Window:              60 * time.Second,
		WindowThreshold:     3,
		ConsecutiveCritical: 3,
		ProbeInitialBackoff: 2 * time.Second,
		ProbeMaxBackoff:     30 * time.Second,
	}
}

func newTestService(notify Notify) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(testErrorsConfig(), notify, logger)
}

func TestThreeFailuresInWindowPauseOnce(t *testing.T) {
	t.Parallel()

	var notes []string
	s := newTestService(func(text string) { notes = append(notes, text) })

	errUp := errors.New("timeout")
	s.RecordFailure("binance", types.KindTransient, errUp)
	s.RecordFailure("binance", types.KindTransient, errUp)
	if s.IsPaused() {
		t.Fatal("two failures must not pause")
	}

	s.RecordFailure("binance", types.KindTransient, errUp)
	if !s.IsPaused() {
		t.Fatal("three failures in window must pause")
	}

	_, info := s.Status()
	if info == nil || info.Reason != "binance failures (3 in 60s)" {
		t.Errorf("pause reason = %+v, want '3 in 60s' text", info)
	}

	// Further failures must not emit more notifications.
	s.RecordFailure("binance", types.KindTransient, errUp)
	if len(notes) != 1 {
		t.Errorf("notifications = %d, want exactly 1", len(notes))
	}
}

func TestSuccessResetsConsecutive(t *testing.T) {
	t.Parallel()

	s := newTestService(nil)
	errUp := errors.New("timeout")

	// Interleave successes so neither the window (timestamps pile up) nor
	// the consecutive counter crosses: build a fresh service per failure
	// pair since the sliding window would otherwise fill regardless.
	s.RecordFailure("scraper", types.KindTransient, errUp)
	s.RecordSuccess("scraper")
	s.RecordFailure("scraper", types.KindTransient, errUp)
	s.RecordSuccess("scraper")

	if s.IsPaused() {
		t.Error("interleaved successes should keep consecutive below threshold")
	}
}

func TestCriticalPausesImmediately(t *testing.T) {
	t.Parallel()

	s := newTestService(nil)
	s.RecordFailure("binance", types.KindCritical, errors.New("401 unauthorized"))
	if !s.IsPaused() {
		t.Error("critical failure must pause immediately")
	}
}

// newProbeService builds a service with millisecond probe backoff so the
// recovery loop can be exercised in a test.
func newProbeService() *Service {
	cfg := testErrorsConfig()
	cfg.ProbeInitialBackoff = 5 * time.Millisecond
	cfg.ProbeMaxBackoff = 20 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, nil, logger)
}

func waitResumed(t *testing.T, s *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.IsPaused() {
		if time.Now().After(deadline) {
			t.Fatal("probe never resumed the bot")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecoveryProbeResumesSource(t *testing.T) {
	t.Parallel()

	s := newProbeService()
	var calls atomic.Int64
	s.RegisterProbe("binance", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	errUp := errors.New("timeout")
	for i := 0; i < 3; i++ {
		s.RecordFailure("binance", types.KindTransient, errUp)
	}
	if !s.IsPaused() {
		t.Fatal("three failures in window must pause")
	}

	waitResumed(t, s)
	if calls.Load() < 3 {
		t.Errorf("probe calls = %d, want at least 3", calls.Load())
	}
}

func TestFallbackProbeCoversSourcesWithoutOne(t *testing.T) {
	t.Parallel()

	s := newProbeService()
	s.RegisterFallbackProbe(func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// "transport" has no dedicated probe; the fallback must still resume.
	s.TriggerAutoPause("transport send failures", "transport")
	if !s.IsPaused() {
		t.Fatal("trigger must pause")
	}
	waitResumed(t, s)
}

func TestManualPauseAndResume(t *testing.T) {
	t.Parallel()

	s := newTestService(nil)
	s.PauseManual("op1")

	st, info := s.Status()
	if st != types.StatusPaused {
		t.Fatal("manual pause should set paused")
	}
	if info.Reason != "manual" {
		t.Errorf("reason = %q, want manual", info.Reason)
	}

	s.Resume("operator resume")
	if s.IsPaused() {
		t.Error("resume should return to running")
	}

	// After resume, counters are cleared: two more failures must not pause.
	errUp := errors.New("timeout")
	s.RecordFailure("binance", types.KindTransient, errUp)
	s.RecordFailure("binance", types.KindTransient, errUp)
	if s.IsPaused() {
		t.Error("counters should have been reset on resume")
	}
}
