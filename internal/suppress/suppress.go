// Package suppress prevents the bot from sending rapid duplicate responses
// in the same group.
//
// After any bot send, the group's cooldown window opens. A second general
// send inside the window is suppressed; deal-state messages (a lock
// confirmation, a cancel notice) always go through — a client must never
// miss the confirmation that their rate is locked.
package suppress

import (
	"sync"
	"time"
)

// Class distinguishes sends that may be suppressed from sends that never are.
type Class int

const (
	ClassGeneral   Class = iota // quotes, trigger text responses
	ClassDealState              // lock/cancel/complete confirmations, never suppressed
)

// record is the per-group suppression state.
type record struct {
	lastBotResponseAt time.Time
	cooldownUntil     time.Time
}

// Guard holds per-group suppression records.
type Guard struct {
	mu       sync.Mutex
	cooldown time.Duration
	records  map[string]record
}

// NewGuard creates a suppression guard with the given cooldown window.
func NewGuard(cooldown time.Duration) *Guard {
	return &Guard{
		cooldown: cooldown,
		records:  make(map[string]record),
	}
}

// ShouldSuppress reports whether a send of the given class in the group
// should be dropped at the given instant.
func (g *Guard) ShouldSuppress(groupID string, class Class, now time.Time) bool {
	if class == ClassDealState {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[groupID]
	if !ok {
		return false
	}
	return now.Before(rec.cooldownUntil)
}

// RecordBotResponse opens the cooldown window for a group after a send.
func (g *Guard) RecordBotResponse(groupID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.records[groupID] = record{
		lastBotResponseAt: now,
		cooldownUntil:     now.Add(g.cooldown),
	}
}

// LastResponseAt returns the time of the last recorded bot response for a
// group, or the zero time if none.
func (g *Guard) LastResponseAt(groupID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[groupID].lastBotResponseAt
}

// Reset clears a group's suppression state.
func (g *Guard) Reset(groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, groupID)
}
