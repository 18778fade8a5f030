// Package detect implements the five-tier agent-state detector model and
// the composite that fuses them into one monotonic stream.
//
// Grounded across several teacher/pack files: Tier 2/3's line-oriented JSONL
// parsing follows internal/agent/claude.go's bufio.Scanner idiom
// (parseStreamEvent/parseResultTokens); Tier 1's FIFO/JSON-line hook
// contract follows
// _examples/Hyper-Int-OrcaBot/sandbox/internal/agenthooks/hooks.go's Stop
// hook shell-script shape; Tier 4 follows internal/egg/server.go's
// startupWatchdog liveness polling.
package detect

import (
	"context"

	"github.com/coopdev/coop/internal/agentstate"
)

// Detector is the tier model's capability: run until shutdown, emitting
// detected states on out. A detector may emit the same state repeatedly;
// the composite dedups per tier.
type Detector interface {
	Tier() int
	Run(ctx context.Context, out chan<- agentstate.Detected)
}
