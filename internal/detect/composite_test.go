package detect

import (
	"context"
	"testing"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
)

// fakeDetector emits a fixed sequence of states at a fixed tier, one per
// tick, then stops.
type fakeDetector struct {
	tier   int
	states []agentstate.State
	delay  time.Duration
}

func (f *fakeDetector) Tier() int { return f.tier }

func (f *fakeDetector) Run(ctx context.Context, out chan<- agentstate.Detected) {
	for _, s := range f.states {
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.delay):
		}
		select {
		case out <- agentstate.Detected{State: s, Tier: f.tier, Cause: "fake"}:
		case <-ctx.Done():
			return
		}
	}
}

func TestTierResolutionLowestWins(t *testing.T) {
	tier2 := &fakeDetector{tier: 2, states: []agentstate.State{agentstate.NewWorking()}, delay: 10 * time.Millisecond}
	tier5 := &fakeDetector{tier: 5, states: []agentstate.State{agentstate.NewIdle()}, delay: 10 * time.Millisecond}

	c := NewComposite([]Detector{tier2, tier5}, 16)
	out := make(chan agentstate.Detected, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go c.Run(ctx, out)

	var lastResolved agentstate.Detected
	timeout := time.After(250 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-out:
			lastResolved = ev
		case <-timeout:
			break loop
		}
	}

	if lastResolved.State.Kind != agentstate.Working {
		t.Fatalf("expected Working (tier 2 beats tier 5), got %v from tier %d", lastResolved.State, lastResolved.Tier)
	}
}

func TestCompositeDedupsIdenticalConsecutive(t *testing.T) {
	tier3 := &fakeDetector{
		tier:   3,
		states: []agentstate.State{agentstate.NewWorking(), agentstate.NewWorking(), agentstate.NewIdle()},
		delay:  5 * time.Millisecond,
	}
	c := NewComposite([]Detector{tier3}, 16)
	out := make(chan agentstate.Detected, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go c.Run(ctx, out)

	var delivered []agentstate.Kind
	timeout := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-out:
			delivered = append(delivered, ev.State.Kind)
		case <-timeout:
			break loop
		}
	}

	if len(delivered) != 2 {
		t.Fatalf("expected 2 delivered transitions (dedup of repeated Working), got %d: %v", len(delivered), delivered)
	}
}
