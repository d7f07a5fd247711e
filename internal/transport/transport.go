// Package transport defines the group-messaging boundary and a simulated
// implementation.
//
// The core treats the messaging provider as an event stream of inbound
// messages plus a send call; everything provider-specific stays behind the
// Transport interface. The simulated transport backs the dashboard's
// simulator endpoints and the test suite: injected messages flow through the
// real pipeline, outbound sends are recorded instead of delivered.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"otc-desk-bot/pkg/types"
)

// Transport is the messaging provider boundary.
type Transport interface {
	// Messages is the inbound stream. Closed when the transport shuts
	// down.
	Messages() <-chan types.InboundMessage
	// Send posts text into a group. TypingFlash and mentions are
	// best-effort.
	Send(ctx context.Context, groupID, text string, opts types.SendOptions) error
	// Connected reports whether the provider link is up.
	Connected() bool
}

// OutboundRecord is one send captured by the simulated transport.
type OutboundRecord struct {
	GroupID string
	Text    string
	Opts    types.SendOptions
	SentAt  time.Time
}

// Simulated is an in-memory Transport.
type Simulated struct {
	mu        sync.Mutex
	connected bool
	outbound  []OutboundRecord
	inbound   chan types.InboundMessage
	typing    time.Duration
}

// NewSimulated creates a connected simulated transport.
func NewSimulated() *Simulated {
	return &Simulated{
		connected: true,
		inbound:   make(chan types.InboundMessage, 256),
	}
}

// Messages implements Transport.
func (s *Simulated) Messages() <-chan types.InboundMessage { return s.inbound }

// Send implements Transport, recording the message.
func (s *Simulated) Send(ctx context.Context, groupID, text string, opts types.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	connected := s.connected
	typing := s.typing
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport disconnected")
	}

	if opts.TypingFlash && typing > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(typing):
		}
	}

	s.mu.Lock()
	s.outbound = append(s.outbound, OutboundRecord{
		GroupID: groupID,
		Text:    text,
		Opts:    opts,
		SentAt:  time.Now(),
	})
	s.mu.Unlock()
	return nil
}

// Connected implements Transport.
func (s *Simulated) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected toggles the simulated link state.
func (s *Simulated) SetConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()
}

// SetTypingDelay makes TypingFlash sends pause, for presence-flash tests.
func (s *Simulated) SetTypingDelay(d time.Duration) {
	s.mu.Lock()
	s.typing = d
	s.mu.Unlock()
}

// Inject delivers a synthetic inbound message, filling in a message ID and
// timestamp when absent. Returns false if the inbound buffer is full.
func (s *Simulated) Inject(msg types.InboundMessage) bool {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case s.inbound <- msg:
		return true
	default:
		return false
	}
}

// Outbound returns a copy of everything sent so far.
func (s *Simulated) Outbound() []OutboundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboundRecord, len(s.outbound))
	copy(out, s.outbound)
	return out
}

// OutboundSince returns sends recorded at or after t.
func (s *Simulated) OutboundSince(t time.Time) []OutboundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboundRecord
	for _, r := range s.outbound {
		if !r.SentAt.Before(t) {
			out = append(out, r)
		}
	}
	return out
}
