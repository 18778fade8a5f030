package ptybackend

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Tmux is the tmux-attach backend variant: rather than forking the agent
// itself, it attaches to an existing tmux session/pane and proxies
// input/output through `tmux attach-session`, polling for pane death with a
// configurable interval. Grounded on spec.md §4.3's "Tmux attach" backend
// description; the attach command itself is run the same way the Native
// backend runs any command — inside a fresh PTY — since `tmux attach`
// requires a controlling terminal of its own.
type Tmux struct {
	session      string
	pollInterval time.Duration
	native       *Native
}

// NewTmux builds a backend that attaches to the named tmux session.
// pollInterval defaults to 500ms (see DESIGN.md, Open Questions) when <= 0.
func NewTmux(session string, cols, rows uint16, pollInterval time.Duration) *Tmux {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	cfg := Config{
		Command: "tmux",
		Args:    []string{"attach-session", "-t", session},
		Cols:    cols,
		Rows:    rows,
	}
	return &Tmux{
		session:      session,
		pollInterval: pollInterval,
		native:       NewNative(cfg),
	}
}

func (t *Tmux) PID() int { return t.native.PID() }

// Run proxies the attach-session PTY while separately polling tmux for the
// target pane's death. watchPaneDeath cancels ctx as soon as the pane itself
// dies, which is what makes the exit status meaningful: since the only way
// this backend's own attach-session process exits on its own is the pane
// dying, by the time Run returns PaneAlive() is authoritative for whether
// this was a real exit or a still-alive pane (caller disconnected/killed).
func (t *Tmux) Run(ctx context.Context, outputTx chan<- []byte, inputRx <-chan Input) (ExitStatus, error) {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go t.watchPaneDeath(watchCtx, cancelWatch)

	return t.native.Run(watchCtx, outputTx, inputRx)
}

// PaneAlive reports whether the target tmux session/pane still exists.
func (t *Tmux) PaneAlive() bool { return t.paneAlive() }

func (t *Tmux) paneAlive() bool {
	cmd := exec.Command("tmux", "has-session", "-t", t.session)
	return cmd.Run() == nil
}

func (t *Tmux) watchPaneDeath(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.paneAlive() {
				cancel()
				return
			}
		}
	}
}

func (t *Tmux) Signal(sig int) error {
	return fmt.Errorf("tmux backend: signaling the pane directly is not supported, use tmux send-keys")
}

func (t *Tmux) Close() error { return t.native.Close() }
