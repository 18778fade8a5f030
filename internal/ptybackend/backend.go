// Package ptybackend abstracts a child agent process behind a pseudo
// terminal: spawn, pump output, accept input and resize, report exit.
//
// Grounded on the teacher's internal/egg/server.go RunSession (StartWithSize,
// readPTY) for the native backend, and on
// _examples/Hyper-Int-OrcaBot/sandbox/internal/pty/pty.go for the
// process-group signal-delivery idiom the teacher's own single-process
// signaling doesn't need but this spec's §5/§9 require.
package ptybackend

import "context"

// ExitStatus is how a backend reports its child's termination.
type ExitStatus struct {
	Code   *int
	Signal *int
}

// Input is what the session loop sends down to a running backend.
type Input struct {
	Write  []byte
	Resize *Size
	Signal *int
	Drain  chan struct{} // closed once pending writes have been flushed
}

// Size is a terminal window size in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

// Backend is the PTY Backend trait: given channels to move bytes and
// control messages, it runs until the child exits or the context is
// cancelled, then reports how the child ended.
type Backend interface {
	// Run blocks moving bytes between the PTY and the given channels until
	// the child exits or ctx is cancelled. outputTx is closed by Run before
	// it returns.
	Run(ctx context.Context, outputTx chan<- []byte, inputRx <-chan Input) (ExitStatus, error)

	// PID returns the child's process ID, or 0 before the child has
	// started. For tmux-attach this is the local attach-session process,
	// not the process running inside the pane.
	PID() int

	// Signal delivers a signal to the child's process group.
	Signal(sig int) error

	// Close forcibly tears down the backend (SIGKILL equivalent).
	Close() error
}

// Config describes how to start a native backend.
type Config struct {
	Command    string
	Args       []string
	Dir        string
	Env        []string // full environment, already filtered/merged by the caller
	Cols, Rows uint16
}
