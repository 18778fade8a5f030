package session

import (
	"context"
	"testing"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/ptybackend"
	"github.com/coopdev/coop/internal/store"
)

// fakeBackend is a minimal ptybackend.Backend double: Run echoes every
// Write it receives back out on outputTx and exits when ctx is cancelled
// or inputRx is closed, whichever happens first.
type fakeBackend struct {
	pid      int
	exitCode int
}

func (f *fakeBackend) Run(ctx context.Context, outputTx chan<- []byte, inputRx <-chan ptybackend.Input) (ptybackend.ExitStatus, error) {
	defer close(outputTx)
	for {
		select {
		case <-ctx.Done():
			code := f.exitCode
			return ptybackend.ExitStatus{Code: &code}, nil
		case in, ok := <-inputRx:
			if !ok {
				code := f.exitCode
				return ptybackend.ExitStatus{Code: &code}, nil
			}
			if in.Drain != nil {
				close(in.Drain)
				continue
			}
			if len(in.Write) > 0 {
				select {
				case outputTx <- in.Write:
				case <-ctx.Done():
					code := f.exitCode
					return ptybackend.ExitStatus{Code: &code}, nil
				}
			}
		}
	}
}

func (f *fakeBackend) PID() int        { return f.pid }
func (f *fakeBackend) Signal(int) error { return nil }
func (f *fakeBackend) Close() error    { return nil }

func noopDetector(ctx context.Context, out chan<- agentstate.Detected) {
	<-ctx.Done()
}

func TestSessionLoopEchoesOutputIntoRingAndScreen(t *testing.T) {
	st := store.New("test-agent", 1<<16, 80, 24)
	backend := &fakeBackend{pid: 4242}

	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcomeCh <- Run(context.Background(), Config{
			Store:    st,
			Backend:  backend,
			Detector: noopDetector,
		})
	}()

	st.InputTx <- store.InputEvent{Write: []byte("hello-roundtrip")}

	deadline := time.After(2 * time.Second)
	for {
		if st.Ring.TotalWritten() >= uint64(len("hello-roundtrip")) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for echoed output to reach the ring")
		case <-time.After(10 * time.Millisecond):
		}
	}

	a, b, ok := st.Ring.ReadFrom(0)
	if !ok {
		t.Fatal("ReadFrom(0) returned ok=false")
	}
	got := string(a) + string(b)
	if got != "hello-roundtrip" {
		t.Fatalf("ring contents = %q, want %q", got, "hello-roundtrip")
	}

	st.RequestShutdown()
	select {
	case <-outcomeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not exit after shutdown request")
	}
}

func TestSessionLoopDeliversExitedOnBackendExit(t *testing.T) {
	st := store.New("test-agent", 1<<16, 80, 24)
	backend := &fakeBackend{pid: 99, exitCode: 0}

	transitions, unsub := st.State.Subscribe(8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcomeCh <- Run(ctx, Config{
			Store:    st,
			Backend:  backend,
			Detector: noopDetector,
		})
	}()

	cancel() // backend's Run treats ctx.Done as "exit now"

	var outcome Outcome
	select {
	case outcome = <-outcomeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not return after backend exit")
	}
	if !outcome.Exit {
		t.Fatalf("outcome.Exit = false, want true")
	}

	select {
	case tr := <-transitions:
		if tr.Next.Kind != agentstate.Exited {
			t.Fatalf("final transition kind = %v, want Exited", tr.Next.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no Exited transition broadcast")
	}

	if st.AgentState().Kind != agentstate.Exited {
		t.Fatalf("store.AgentState().Kind = %v, want Exited", st.AgentState().Kind)
	}
}

func TestSessionLoopIdleTimeoutCancelsShutdown(t *testing.T) {
	st := store.New("test-agent", 1<<16, 80, 24)
	backend := &fakeBackend{pid: 7}

	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcomeCh <- Run(context.Background(), Config{
			Store:       st,
			Backend:     backend,
			Detector:    noopDetector,
			IdleTimeout: 30 * time.Millisecond,
		})
	}()

	select {
	case <-st.Shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never cancelled the shutdown token")
	}

	select {
	case <-outcomeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not exit after idle-triggered shutdown")
	}
}
