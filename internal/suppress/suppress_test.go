package suppress

import (
	"testing"
	"time"
)

func TestSuppressWithinCooldown(t *testing.T) {
	t.Parallel()

	g := NewGuard(5 * time.Second)
	now := time.Now()

	if g.ShouldSuppress("g1", ClassGeneral, now) {
		t.Error("fresh group should not suppress")
	}

	g.RecordBotResponse("g1", now)

	if !g.ShouldSuppress("g1", ClassGeneral, now.Add(2*time.Second)) {
		t.Error("second general send within cooldown should be suppressed")
	}
	if g.ShouldSuppress("g1", ClassGeneral, now.Add(6*time.Second)) {
		t.Error("send after cooldown should pass")
	}
}

func TestDealStateNeverSuppressed(t *testing.T) {
	t.Parallel()

	g := NewGuard(10 * time.Second)
	now := time.Now()
	g.RecordBotResponse("g1", now)

	if g.ShouldSuppress("g1", ClassDealState, now.Add(time.Second)) {
		t.Error("lock confirmation must never be suppressed")
	}
}

func TestGroupsIndependent(t *testing.T) {
	t.Parallel()

	g := NewGuard(5 * time.Second)
	now := time.Now()
	g.RecordBotResponse("g1", now)

	if g.ShouldSuppress("g2", ClassGeneral, now.Add(time.Second)) {
		t.Error("cooldown in g1 must not affect g2")
	}
}
