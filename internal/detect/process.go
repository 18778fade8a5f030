package detect

import (
	"context"
	"syscall"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
)

// ProcessDetector is Tier 4: polls the child's liveness and the ring's
// total_written counter to fall back to a Working/Idle distinction when no
// higher tier has anything to say, and emits Exited on reap. Grounded on
// internal/egg/server.go's startupWatchdog liveness-polling idiom
// (signal 0 probing instead of a /proc read, for portability).
type ProcessDetector struct {
	pidFn       func() int
	totalWritten func() uint64
	interval    time.Duration
}

// NewProcessDetector builds a Tier-4 detector. pidFn returns the current
// child PID (0 if not yet started); totalWritten returns the ring's
// monotonic write counter.
func NewProcessDetector(pidFn func() int, totalWritten func() uint64, interval time.Duration) *ProcessDetector {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProcessDetector{pidFn: pidFn, totalWritten: totalWritten, interval: interval}
}

func (p *ProcessDetector) Tier() int { return 4 }

func (p *ProcessDetector) Run(ctx context.Context, out chan<- agentstate.Detected) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastTotal uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pid := p.pidFn()
			if pid == 0 {
				continue
			}
			if !processAlive(pid) {
				zero := 0
				out <- agentstate.Detected{State: agentstate.NewExited(&zero, nil), Tier: p.Tier(), Cause: "process:reaped"}
				return
			}
			total := p.totalWritten()
			if total != lastTotal {
				out <- agentstate.Detected{State: agentstate.NewWorking(), Tier: p.Tier(), Cause: "process:output_flowing"}
			} else {
				out <- agentstate.Detected{State: agentstate.NewIdle(), Tier: p.Tier(), Cause: "process:output_quiet"}
			}
			lastTotal = total
		}
	}
}

// processAlive reports whether pid still exists, using signal 0 (no actual
// signal delivered, just an existence/permission check).
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil
}
