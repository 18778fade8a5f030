package attach

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coopdev/coop/internal/store"
	"github.com/coopdev/coop/internal/wsapi"
)

// TestDetachHotkeyStopsAtTheHotkeyByte exercises spec.md §8 scenario 6: the
// user types A, B, then the detach hotkey (Ctrl-]), then C. The server must
// see exactly "AB" forwarded as raw input, the detach key itself must never
// reach the server, the keystroke after it must never be sent, and Run must
// report a Detached outcome.
func TestDetachHotkeyStopsAtTheHotkeyByte(t *testing.T) {
	st := store.New("test-agent", 4096, 80, 24)
	h := wsapi.NewHandler(st)
	srv := httptest.NewServer(h)
	defer srv.Close()

	stdin := bytes.NewReader([]byte{'A', 'B', detachKey, 'C'})
	var stdout bytes.Buffer

	cfg := Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Stdin:  stdin,
		Stdout: &stdout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan struct {
		outcome Outcome
		err     error
	}, 1)
	go func() {
		outcome, _, err := Run(ctx, cfg)
		resultCh <- struct {
			outcome Outcome
			err     error
		}{outcome, err}
	}()

	var forwarded []byte
	deadline := time.After(4 * time.Second)
collect:
	for {
		select {
		case ev := <-st.InputTx:
			if len(ev.Write) > 0 {
				forwarded = append(forwarded, ev.Write...)
			}
			if len(forwarded) >= 2 {
				break collect
			}
		case res := <-resultCh:
			t.Fatalf("Run returned before 2 bytes were forwarded: outcome=%v err=%v forwarded=%q", res.outcome, res.err, forwarded)
		case <-deadline:
			t.Fatalf("timed out waiting for forwarded input, got %q", forwarded)
		}
	}

	if string(forwarded) != "AB" {
		t.Fatalf("forwarded input = %q, want %q", forwarded, "AB")
	}

	select {
	case res := <-resultCh:
		if res.outcome != Detached {
			t.Fatalf("outcome = %v, want Detached (err=%v)", res.outcome, res.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run to return after detach")
	}

	// The 'C' typed after the detach key must never have been forwarded.
	select {
	case ev := <-st.InputTx:
		t.Fatalf("unexpected extra input forwarded after detach: %q", ev.Write)
	default:
	}
}
