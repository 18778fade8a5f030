package ptybackend

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"
)

func TestNativeRunEchoesInputAndExits(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}

	backend := NewNative(Config{Command: "/bin/cat", Cols: 80, Rows: 24})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outputTx := make(chan []byte, 64)
	inputRx := make(chan Input, 4)

	done := make(chan struct{})
	var status ExitStatus
	go func() {
		defer close(done)
		status, _ = backend.Run(ctx, outputTx, inputRx)
	}()

	// give the child a moment to start before writing
	deadline := time.After(2 * time.Second)
	for backend.PID() == 0 {
		select {
		case <-deadline:
			t.Fatal("child never reported a PID")
		case <-time.After(10 * time.Millisecond):
		}
	}

	inputRx <- Input{Write: []byte("hello\n")}

	var got bytes.Buffer
	readDeadline := time.After(2 * time.Second)
readLoop:
	for {
		select {
		case chunk, ok := <-outputTx:
			if !ok {
				break readLoop
			}
			got.Write(chunk)
			if bytes.Contains(got.Bytes(), []byte("hello")) {
				break readLoop
			}
		case <-readDeadline:
			t.Fatal("timed out waiting for echoed output")
		}
	}

	if !bytes.Contains(got.Bytes(), []byte("hello")) {
		t.Fatalf("output = %q, want it to contain %q", got.String(), "hello")
	}

	// cat never exits on its own; terminate it via the same process-group
	// signal path the session loop uses, so Run observes a real child exit
	// instead of only a cancelled context.
	sig := 15 // SIGTERM
	inputRx <- Input{Signal: &sig}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("backend did not exit after SIGTERM")
	}
	if status.Signal == nil && status.Code == nil {
		t.Fatal("expected a terminal ExitStatus")
	}
}

func TestNativeSignalBeforeStartReturnsErrProcessDone(t *testing.T) {
	backend := NewNative(Config{Command: "/bin/cat"})
	if err := backend.Signal(15); err != os.ErrProcessDone {
		t.Fatalf("Signal before start = %v, want os.ErrProcessDone", err)
	}
}

func TestNativeCloseBeforeRunIsSafe(t *testing.T) {
	backend := NewNative(Config{Command: "/bin/cat"})
	if err := backend.Close(); err != nil {
		t.Fatalf("Close before Run = %v, want nil", err)
	}
}
