// Package session implements the central select-style multiplexer that
// owns the PTY backend task, the composite detector, consumer input, and
// every timer/signal arm described in spec.md §4.6.
//
// Grounded on the teacher's internal/egg/server.go RunSession/readPTY
// goroutine wiring (a PTY reader goroutine feeding both the replay buffer
// and the terminal emulator, a cmd.Wait() goroutine closing `done`, a
// GracefulStop-style drain before a hard kill).
package session

import (
	"context"
	"io"
	"syscall"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/ptybackend"
	"github.com/coopdev/coop/internal/store"
)

// Outcome is the session loop's return value.
type Outcome struct {
	Exit   bool
	Status ptybackend.ExitStatus
	Switch *store.SwitchRequest
}

// Config bundles everything the loop needs to run.
type Config struct {
	Store    *store.Store
	Backend  ptybackend.Backend
	Detector func(ctx context.Context, out chan<- agentstate.Detected) // composite.Run-shaped

	IdleTimeout     time.Duration
	DrainTimeout    time.Duration
	ShutdownTimeout time.Duration
	ScreenDebounce  time.Duration

	// AuditLog, when set, receives every byte written to the child's stdin
	// for fallback transcription (spec.md's supplemented --audit-log flag).
	AuditLog io.Writer
}

// runState tracks the loop's mutable bookkeeping across select arms,
// mirroring spec.md §4.6's SessionState.
type runState struct {
	lastState agentstate.State

	// pendingSwitch is set once a SwitchRequest has been accepted (either
	// immediately via force/Idle, or stashed awaiting Idle). switchSignaled
	// tracks whether SIGHUP has already been sent for it.
	pendingSwitch *store.SwitchRequest
	switchSignaled bool

	draining      bool
	drainDeadline time.Time
}

// Run executes the session loop to completion and returns the outcome.
func Run(ctx context.Context, cfg Config) Outcome {
	st := cfg.Store
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	st.ChildPID.Store(0)

	outputTx := make(chan []byte, 256)
	inputRx := make(chan ptybackend.Input, 256)

	var backendStatus ptybackend.ExitStatus
	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		backendStatus, _ = cfg.Backend.Run(loopCtx, outputTx, inputRx)
	}()
	go publishPID(loopCtx, cfg.Backend, st)

	detectorRx := make(chan agentstate.Detected, 256)
	go cfg.Detector(loopCtx, detectorRx)

	rs := &runState{lastState: st.AgentState()}

	screenTicker := time.NewTicker(debounceOr(cfg.ScreenDebounce))
	defer screenTicker.Stop()

	var idleTimerC <-chan time.Time
	if cfg.IdleTimeout > 0 {
		idleTimerC = time.After(cfg.IdleTimeout)
	}

	escapeTicker := time.NewTicker(2 * time.Second)
	escapeTicker.Stop() // only armed while draining
	defer escapeTicker.Stop()

mainLoop:
	for {
		var drainDeadlineC <-chan time.Time
		if rs.draining {
			drainDeadlineC = time.After(time.Until(rs.drainDeadline))
		}

		select {
		case data, ok := <-outputTx:
			if !ok {
				break mainLoop
			}
			feedOutput(st, data)

		case in, ok := <-st.InputTx:
			if !ok {
				continue
			}
			handleInput(st, in, inputRx, cfg.AuditLog)

		case ev, ok := <-detectorRx:
			if !ok {
				continue
			}
			if processDetectedState(st, rs, ev) {
				maybeApplySwitch(st, rs, cfg.Backend)
				if rs.lastState.Kind == agentstate.Exited || (rs.pendingSwitch != nil && rs.switchSignaled) {
					break mainLoop
				}
			}

		case <-screenTicker.C:
			if st.Screen.Changed() {
				seq := st.Screen.Snapshot().Sequence
				st.Output.Send(store.OutputEvent{IsScreen: true, ScreenSeq: seq})
			}

		case <-idleTimerC:
			st.RequestShutdown()

		case <-escapeTicker.C:
			select {
			case inputRx <- ptybackend.Input{Write: []byte{0x1b}}:
			default:
			}

		case <-drainDeadlineC:
			if rs.draining {
				_ = cfg.Backend.Signal(int(syscall.SIGHUP))
				break mainLoop
			}

		case req, ok := <-st.SwitchRequests:
			if !ok {
				continue
			}
			if rs.pendingSwitch == nil {
				handleSwitchRequest(st, rs, cfg.Backend, req)
				if rs.switchSignaled {
					break mainLoop
				}
			}

		case <-st.Shutdown:
			if cfg.DrainTimeout > 0 && rs.lastState.Kind != agentstate.Idle {
				rs.draining = true
				rs.drainDeadline = time.Now().Add(cfg.DrainTimeout)
				escapeTicker.Reset(2 * time.Second)
			} else {
				_ = cfg.Backend.Signal(int(syscall.SIGHUP))
				break mainLoop
			}

		case <-loopCtx.Done():
			break mainLoop
		}
	}

	cancelLoop()
	drainOutput(st, outputTx, 500*time.Millisecond)
	close(inputRx)

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	select {
	case <-backendDone:
	case <-time.After(shutdownTimeout):
		_ = cfg.Backend.Close()
		<-backendDone
		code := 137
		sig := 9
		backendStatus = ptybackend.ExitStatus{Code: &code, Signal: &sig}
	}

	if rs.pendingSwitch != nil && rs.lastState.Kind != agentstate.Exited {
		return Outcome{Switch: rs.pendingSwitch}
	}

	exited := agentstate.NewExited(backendStatus.Code, backendStatus.Signal)
	deliverExit(st, rs, exited)
	return Outcome{Exit: true, Status: backendStatus}
}

func debounceOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 33 * time.Millisecond
	}
	return d
}

func publishPID(ctx context.Context, b ptybackend.Backend, st *store.Store) {
	for i := 0; i < 50; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
		if pid := b.PID(); pid != 0 {
			st.ChildPID.Store(int64(pid))
			return
		}
	}
}

func feedOutput(st *store.Store, data []byte) {
	offset := st.Ring.TotalWritten()
	st.Ring.Write(data)
	st.RingTotalWritten.Store(st.Ring.TotalWritten())
	st.Screen.Feed(data)
	st.Output.Send(store.OutputEvent{Raw: data, Offset: offset})
}

func handleInput(st *store.Store, in store.InputEvent, inputRx chan<- ptybackend.Input, auditLog io.Writer) {
	switch {
	case in.Drain != nil:
		d := make(chan struct{})
		inputRx <- ptybackend.Input{Drain: d}
		go func() {
			<-d
			close(in.Drain)
		}()
	case in.Resize != nil:
		st.Screen.Resize(in.Resize.Cols, in.Resize.Rows)
		select {
		case inputRx <- ptybackend.Input{Resize: &ptybackend.Size{Cols: uint16(in.Resize.Cols), Rows: uint16(in.Resize.Rows)}}:
		default:
		}
	case in.Signal != nil:
		pid := st.ChildPID.Load()
		if pid != 0 {
			_ = syscall.Kill(-int(pid), syscall.Signal(*in.Signal))
		}
	default:
		if len(in.Write) > 0 {
			st.BytesWritten.Add(uint64(len(in.Write)))
			if auditLog != nil {
				_, _ = auditLog.Write(in.Write)
			}
			inputRx <- ptybackend.Input{Write: in.Write}
		}
	}
}

// processDetectedState applies the transition rules in spec.md §4.7 and
// reports whether the loop should consider breaking (Exited, or a
// previously-stashed switch that just became applicable because the state
// turned Idle).
func processDetectedState(st *store.Store, rs *runState, ev agentstate.Detected) bool {
	if rs.lastState.Kind == agentstate.Exited {
		return false
	}

	next := ev.State
	prev := rs.lastState

	switch next.Kind {
	case agentstate.Prompt, agentstate.WaitingForInput:
		st.BumpInputGate(st.InputDelay)
	}

	seq := st.StateSeq.Add(1)
	st.Detection.Tier = ev.Tier
	st.Detection.Cause = ev.Cause
	st.SetAgentState(next)
	rs.lastState = next

	lastMsg := st.GetLastMessage()
	st.State.Send(agentstate.Transition{Prev: prev, Next: next, Seq: seq, Cause: ev.Cause, LastMessage: lastMsg})
	if next.Kind == agentstate.Prompt {
		st.Prompt.Send(next.Prompt)
	}

	return next.Kind == agentstate.Exited || (next.Kind == agentstate.Idle && rs.pendingSwitch != nil)
}

// handleSwitchRequest implements arm 8 of the session loop.
func handleSwitchRequest(st *store.Store, rs *runState, backend ptybackend.Backend, req store.SwitchRequest) {
	if st.AgentState().Kind == agentstate.Exited {
		rs.pendingSwitch = &req
		return
	}
	if req.Force || st.AgentState().Kind == agentstate.Idle {
		seq := st.StateSeq.Add(1)
		prev := rs.lastState
		st.State.Send(agentstate.Transition{Prev: prev, Next: prev, Seq: seq, Cause: "switching"})
		_ = backend.Signal(int(syscall.SIGHUP))
		rs.pendingSwitch = &req
		rs.switchSignaled = true
		return
	}
	reqCopy := req
	rs.pendingSwitch = &reqCopy
}

// maybeApplySwitch signals a previously-stashed switch once the state has
// become Idle.
func maybeApplySwitch(st *store.Store, rs *runState, backend ptybackend.Backend) {
	if rs.pendingSwitch == nil || rs.switchSignaled {
		return
	}
	if st.AgentState().Kind != agentstate.Idle {
		return
	}
	seq := st.StateSeq.Add(1)
	prev := rs.lastState
	st.State.Send(agentstate.Transition{Prev: prev, Next: prev, Seq: seq, Cause: "switching"})
	_ = backend.Signal(int(syscall.SIGHUP))
	rs.switchSignaled = true
}

func drainOutput(st *store.Store, outputTx <-chan []byte, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case data, ok := <-outputTx:
			if !ok {
				return
			}
			feedOutput(st, data)
		case <-deadline:
			return
		}
	}
}

func deliverExit(st *store.Store, rs *runState, exited agentstate.State) {
	if rs.lastState.Kind == agentstate.Exited {
		return
	}
	seq := st.StateSeq.Add(1)
	prev := rs.lastState
	st.SetAgentState(exited)
	rs.lastState = exited
	st.State.Send(agentstate.Transition{Prev: prev, Next: exited, Seq: seq, Cause: "backend_exit"})
}
