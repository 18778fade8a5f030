package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
)

// HeartbeatWindow is how long a tier's last emission is still considered
// "observed" for the lowest-tier-wins resolution rule (spec.md §4.5).
const HeartbeatWindow = 5 * time.Second

// perTierState tracks what a tier last said and when.
type perTierState struct {
	state agentstate.Detected
	at    time.Time
}

// Composite runs every registered Detector on a shared bounded channel,
// maintains a last-emitted-state-per-tier map, and resolves conflicts with
// "lowest tier wins within the heartbeat window; most recent emission wins
// within a tier", delivering a transition downstream only when it differs
// from the last delivered state or a higher tier is superseded by a newer
// lower-tier emission.
type Composite struct {
	detectors []Detector
	chanSize  int

	mu       sync.Mutex
	perTier  map[int]perTierState
	lastSeen map[int]agentstate.State // last non-duplicate state observed per tier, for per-tier dedup
	lastOut  agentstate.State
	lastOutTier int
	hasOut   bool
}

// NewComposite builds a Composite over the given detectors. chanSize bounds
// the shared detector-event channel; on lag, detectors drop silently rather
// than block (spec.md §4.5).
func NewComposite(detectors []Detector, chanSize int) *Composite {
	if chanSize <= 0 {
		chanSize = 64
	}
	return &Composite{
		detectors: detectors,
		chanSize:  chanSize,
		perTier:   make(map[int]perTierState),
		lastSeen:  make(map[int]agentstate.State),
	}
}

// Run starts every detector and delivers the resolved state stream on out
// until ctx is cancelled.
func (c *Composite) Run(ctx context.Context, out chan<- agentstate.Detected) {
	raw := make(chan agentstate.Detected, c.chanSize)

	var wg sync.WaitGroup
	for _, d := range c.detectors {
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			c.runDetector(ctx, d, raw)
		}(d)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev := <-raw:
			c.observe(ev, out, ctx)
		}
	}
}

// runDetector runs a single detector into its own intermediate channel
// (bounded by chanSize), then forwards into the shared bounded channel,
// dropping on lag so a slow composite consumer can't block it.
func (c *Composite) runDetector(ctx context.Context, d Detector, raw chan<- agentstate.Detected) {
	local := make(chan agentstate.Detected, c.chanSize)
	go d.Run(ctx, local)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-local:
			if !ok {
				return
			}
			select {
			case raw <- ev:
			default:
				slog.Warn("composite detector: dropped event on lag", "tier", d.Tier())
			}
		}
	}
}

func (c *Composite) observe(ev agentstate.Detected, out chan<- agentstate.Detected, ctx context.Context) {
	c.mu.Lock()

	if last, ok := c.lastSeen[ev.Tier]; ok && statesEqual(last, ev.State) {
		// Identical consecutive emission from the same tier: drop.
		c.perTier[ev.Tier] = perTierState{state: ev, at: time.Now()}
		c.mu.Unlock()
		return
	}
	c.lastSeen[ev.Tier] = ev.State
	c.perTier[ev.Tier] = perTierState{state: ev, at: time.Now()}

	resolved, ok := c.resolveLocked()
	c.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	deliver := !c.hasOut || !statesEqual(c.lastOut, resolved.State) || resolved.Tier < c.lastOutTier
	if deliver {
		c.lastOut = resolved.State
		c.lastOutTier = resolved.Tier
		c.hasOut = true
	}
	c.mu.Unlock()

	if !deliver {
		return
	}
	select {
	case out <- resolved:
	case <-ctx.Done():
	}
}

// resolveLocked finds the lowest-numbered tier with an emission inside the
// heartbeat window and returns its most recent state. Caller holds c.mu.
func (c *Composite) resolveLocked() (agentstate.Detected, bool) {
	now := time.Now()
	best := -1
	for tier, st := range c.perTier {
		if now.Sub(st.at) > HeartbeatWindow {
			continue
		}
		if best == -1 || tier < best {
			best = tier
		}
	}
	if best == -1 {
		return agentstate.Detected{}, false
	}
	return c.perTier[best].state, true
}

func statesEqual(a, b agentstate.State) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case agentstate.Prompt:
		return a.Prompt.Kind == b.Prompt.Kind && a.Prompt.Subtype == b.Prompt.Subtype
	case agentstate.Error:
		return a.Err.Category == b.Err.Category && a.Err.Detail == b.Err.Detail
	case agentstate.Exited:
		return intPtrEqual(a.Exit.Code, b.Exit.Code) && intPtrEqual(a.Exit.Signal, b.Exit.Signal)
	default:
		return true
	}
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
