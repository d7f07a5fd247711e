// Package errsvc tracks upstream failures and owns the bot's auto-pause.
//
// Two signals are kept per source:
//
//   - a monotonic consecutive-failure counter, reset on success;
//   - a sliding 60 s window of failure timestamps.
//
// Crossing either threshold escalates the classification from transient to
// critical and pauses the bot exactly once. While paused, the router
// downgrades TRIGGERED → OBSERVE; mechanical deal work (sweep, TTL) keeps
// running. A recovery probe retries the suspected source with exponential
// backoff and resumes the bot on first success.
//
// The error service is the only component allowed to trigger auto-pause —
// everything else reports failures here and lets escalation decide.
package errsvc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"otc-desk-bot/internal/config"
	"otc-desk-bot/pkg/types"
)

// Notify is the narrow capability the service uses to reach the control
// channel. Wired to the throttled notifier in the composition root.
type Notify func(text string)

// Probe checks whether a source has recovered. Registered per source.
type Probe func(ctx context.Context) error

// sourceState is the failure bookkeeping for one upstream source.
type sourceState struct {
	window      []time.Time // failure timestamps inside the sliding window
	consecutive int         // reset on success
}

// Service aggregates failure reports and manages operational status.
type Service struct {
	cfg    config.ErrorsConfig
	logger *slog.Logger
	notify Notify

	mu       sync.Mutex
	sources  map[string]*sourceState
	status   types.OpStatus
	pause    *types.PauseInfo
	probes   map[string]Probe
	fallback Probe // used when the pausing source has no dedicated probe

	// pausedCh wakes the recovery loop immediately on pause.
	pausedCh chan struct{}
}

// New creates the error service. notify may be nil (notifications skipped).
func New(cfg config.ErrorsConfig, notify Notify, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		logger:   logger.With("component", "errsvc"),
		notify:   notify,
		sources:  make(map[string]*sourceState),
		status:   types.StatusRunning,
		probes:   make(map[string]Probe),
		pausedCh: make(chan struct{}, 1),
	}
}

// RegisterProbe installs the recovery health check for a source.
func (s *Service) RegisterProbe(source string, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[source] = probe
}

// RegisterFallbackProbe installs the recovery check used for sources without
// a dedicated probe. Without it such a pause would never auto-resume.
func (s *Service) RegisterFallbackProbe(probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = probe
}

// Status returns the current operational status and pause info (nil while
// running).
func (s *Service) Status() (types.OpStatus, *types.PauseInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pause == nil {
		return s.status, nil
	}
	cp := *s.pause
	return s.status, &cp
}

// IsPaused reports whether the bot is paused.
func (s *Service) IsPaused() bool {
	st, _ := s.Status()
	return st == types.StatusPaused
}

// RecordFailure registers one failure for a source. A critical kind pauses
// immediately; transient failures escalate once either threshold crosses.
func (s *Service) RecordFailure(source string, kind types.ErrorKind, cause error) {
	now := time.Now()

	s.mu.Lock()
	st := s.sources[source]
	if st == nil {
		st = &sourceState{}
		s.sources[source] = st
	}
	st.consecutive++
	st.window = append(st.window, now)
	st.window = pruneWindow(st.window, now.Add(-s.cfg.Window))

	inWindow := len(st.window)
	consecutive := st.consecutive
	s.mu.Unlock()

	s.logger.Warn("upstream failure",
		"source", source,
		"kind", kind,
		"consecutive", consecutive,
		"in_window", inWindow,
		"error", cause,
	)

	if kind == types.KindCritical {
		s.TriggerAutoPause(fmt.Sprintf("%s critical failure: %v", source, cause), source)
		return
	}

	if inWindow >= s.cfg.WindowThreshold {
		s.TriggerAutoPause(fmt.Sprintf("%s failures (%d in 60s)", source, inWindow), source)
		return
	}
	if consecutive >= s.cfg.ConsecutiveCritical {
		s.TriggerAutoPause(fmt.Sprintf("%s failures (%d consecutive)", source, consecutive), source)
	}
}

// RecordSuccess resets the consecutive counter for a source.
func (s *Service) RecordSuccess(source string) {
	s.mu.Lock()
	if st := s.sources[source]; st != nil {
		st.consecutive = 0
	}
	s.mu.Unlock()
}

// TriggerAutoPause sets operational status to paused, exactly once per pause
// episode, and emits one control-channel notification.
func (s *Service) TriggerAutoPause(reason, source string) {
	s.mu.Lock()
	if s.status == types.StatusPaused {
		s.mu.Unlock()
		return
	}
	s.status = types.StatusPaused
	s.pause = &types.PauseInfo{Reason: reason, Source: source, PausedAt: time.Now()}
	s.mu.Unlock()

	s.logger.Error("AUTO-PAUSE", "reason", reason, "source", source)
	if s.notify != nil {
		s.notify("⏸ Bot paused: " + reason)
	}

	select {
	case s.pausedCh <- struct{}{}:
	default:
	}
}

// PauseManual pauses on operator command. Manual pauses are not auto-resumed
// by the recovery probe.
func (s *Service) PauseManual(operator string) {
	s.TriggerAutoPause("manual", "operator:"+operator)
}

// Resume returns the bot to running, resetting all failure counters.
func (s *Service) Resume(note string) {
	s.mu.Lock()
	wasPaused := s.status == types.StatusPaused
	s.status = types.StatusRunning
	s.pause = nil
	for _, st := range s.sources {
		st.consecutive = 0
		st.window = nil
	}
	s.mu.Unlock()

	if !wasPaused {
		return
	}
	s.logger.Info("resumed", "note", note)
	if s.notify != nil {
		s.notify("▶️ Bot resumed: " + note)
	}
}

// Run drives the recovery probe loop. While auto-paused, it probes the
// suspected source with exponential backoff (2s → 30s); the first success
// resumes the bot. Manual pauses are left for the operator.
func (s *Service) Run(ctx context.Context) {
	backoff := s.cfg.ProbeInitialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pausedCh:
			backoff = s.cfg.ProbeInitialBackoff
		case <-time.After(backoff):
		}

		s.mu.Lock()
		paused := s.status == types.StatusPaused
		var source string
		var manual bool
		if s.pause != nil {
			source = s.pause.Source
			manual = s.pause.Reason == "manual"
		}
		probe := s.probes[source]
		if probe == nil {
			probe = s.fallback
		}
		s.mu.Unlock()

		if !paused || manual || probe == nil {
			backoff = s.cfg.ProbeInitialBackoff
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := probe(probeCtx)
		cancel()

		if err == nil {
			s.Resume(source + " probe succeeded")
			backoff = s.cfg.ProbeInitialBackoff
			continue
		}

		s.logger.Warn("recovery probe failed", "source", source, "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > s.cfg.ProbeMaxBackoff {
			backoff = s.cfg.ProbeMaxBackoff
		}
	}
}

func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(window); i++ {
		if window[i].After(cutoff) {
			break
		}
	}
	return append(window[:0:0], window[i:]...)
}
