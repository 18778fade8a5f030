package ptybackend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Native is the fork-exec PTY backend: it allocates a fresh PTY pair, sets
// the slave as the child's controlling terminal, and puts the child in its
// own process group so signals can be delivered to the whole subtree.
//
// Grounded on internal/egg/server.go's pty.StartWithSize usage; process
// group creation and kill(-pgid) delivery follow
// _examples/Hyper-Int-OrcaBot/sandbox/internal/pty/pty.go's Signal idiom,
// generalized from a single-process signal to a group signal per spec.md
// §5/§9 ("kill(-pgid, sig) so all children of the agent receive it").
type Native struct {
	cfg Config

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	pid    int
	closed bool
}

// NewNative constructs a Native backend; the process is not started until
// Run is called.
func NewNative(cfg Config) *Native {
	return &Native{cfg: cfg}
}

func (n *Native) PID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pid
}

// Run starts the child, pumps PTY output to outputTx, and applies Input
// messages from inputRx until the child exits or ctx is cancelled.
func (n *Native) Run(ctx context.Context, outputTx chan<- []byte, inputRx <-chan Input) (ExitStatus, error) {
	defer close(outputTx)

	cmd := exec.Command(n.cfg.Command, n.cfg.Args...)
	cmd.Dir = n.cfg.Dir
	cmd.Env = n.cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: n.cfg.Cols, Rows: n.cfg.Rows})
	if err != nil {
		return ExitStatus{}, fmt.Errorf("starting pty: %w", err)
	}

	n.mu.Lock()
	n.ptmx = ptmx
	n.cmd = cmd
	n.pid = cmd.Process.Pid
	n.mu.Unlock()

	readDone := make(chan struct{})
	go n.readLoop(ptmx, outputTx, readDone)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var exitErr error
inputLoop:
	for {
		select {
		case <-ctx.Done():
			break inputLoop
		case in, ok := <-inputRx:
			if !ok {
				break inputLoop
			}
			n.applyInput(in)
		case exitErr = <-waitErr:
			break inputLoop
		}
	}

	if exitErr == nil {
		select {
		case exitErr = <-waitErr:
		case <-readDone:
			// child's PTY closed without Wait() having reported yet; give
			// Wait a moment but don't block forever.
		}
	}

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	_ = ptmx.Close()
	<-readDone

	return exitStatusFromError(exitErr), nil
}

func (n *Native) readLoop(f *os.File, outputTx chan<- []byte, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		nr, err := f.Read(buf)
		if nr > 0 {
			chunk := make([]byte, nr)
			copy(chunk, buf[:nr])
			outputTx <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (n *Native) applyInput(in Input) {
	n.mu.Lock()
	ptmx := n.ptmx
	closed := n.closed
	n.mu.Unlock()
	if closed || ptmx == nil {
		if in.Drain != nil {
			close(in.Drain)
		}
		return
	}
	if len(in.Write) > 0 {
		if _, err := ptmx.Write(in.Write); err != nil {
			slog.Warn("pty write failed", "error", err)
		}
	}
	if in.Resize != nil {
		if err := pty.Setsize(ptmx, &pty.Winsize{Cols: in.Resize.Cols, Rows: in.Resize.Rows}); err != nil {
			slog.Warn("pty resize failed", "error", err)
		}
	}
	if in.Signal != nil {
		if err := n.Signal(*in.Signal); err != nil {
			slog.Warn("pty signal failed", "error", err)
		}
	}
	if in.Drain != nil {
		close(in.Drain)
	}
}

// Signal delivers sig to the child's process group (negative PID), so every
// grandchild the agent spawned receives it too.
func (n *Native) Signal(sig int) error {
	n.mu.Lock()
	pid := n.pid
	n.mu.Unlock()
	if pid == 0 {
		return os.ErrProcessDone
	}
	return syscall.Kill(-pid, syscall.Signal(sig))
}

// Close force-terminates the backend (SIGKILL the process group, close the
// PTY file).
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.pid != 0 {
		_ = syscall.Kill(-n.pid, syscall.SIGKILL)
	}
	if n.ptmx != nil {
		return n.ptmx.Close()
	}
	return nil
}

func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		zero := 0
		return ExitStatus{Code: &zero}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				sig := int(status.Signal())
				return ExitStatus{Signal: &sig}
			}
			code := status.ExitStatus()
			return ExitStatus{Code: &code}
		}
		code := exitErr.ExitCode()
		return ExitStatus{Code: &code}
	}
	return ExitStatus{}
}
