package wsapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coopdev/coop/internal/store"
)

func newTestServer(t *testing.T, st *store.Store) (*httptest.Server, string) {
	t.Helper()
	h := NewHandler(st)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// TestReplayThenLivePushCoversEveryByteOnce exercises spec.md §8 scenario 3:
// a client replays everything written before it connected, then receives
// exactly the bytes written after connecting as live pushes — no gap, no
// duplication.
func TestReplayThenLivePushCoversEveryByteOnce(t *testing.T) {
	st := store.New("test-agent", 1<<16, 80, 24)
	st.Ready.Store(true)

	preConnect := []byte("before you arrived\n")
	st.Ring.Write(preConnect)

	_, wsURL := newTestServer(t, st)
	conn := dial(t, wsURL+"/ws?subscribe=output")
	defer conn.CloseNow()

	writeJSON(t, conn, ReplayGetRequest{Event: TypeReplayGet, Offset: 0})
	var replay ReplayPayload
	readJSON(t, conn, &replay)

	gotPre, err := base64.StdEncoding.DecodeString(replay.Data)
	if err != nil {
		t.Fatalf("decode replay data: %v", err)
	}
	if string(gotPre) != string(preConnect) {
		t.Fatalf("replay data = %q, want %q", gotPre, preConnect)
	}
	if replay.NextOffset != uint64(len(preConnect)) {
		t.Fatalf("replay next_offset = %d, want %d", replay.NextOffset, len(preConnect))
	}

	postConnect := []byte("after you arrived\n")
	offset := st.Ring.TotalWritten()
	st.Ring.Write(postConnect)
	st.Output.Send(store.OutputEvent{Raw: postConnect, Offset: offset})

	var pty PtyPayload
	readJSON(t, conn, &pty)
	if pty.Event != TypePty {
		t.Fatalf("push event = %q, want %q", pty.Event, TypePty)
	}
	gotPost, err := base64.StdEncoding.DecodeString(pty.Data)
	if err != nil {
		t.Fatalf("decode pty data: %v", err)
	}
	if string(gotPost) != string(postConnect) {
		t.Fatalf("live push data = %q, want %q", gotPost, postConnect)
	}
	if pty.Offset != offset {
		t.Fatalf("live push offset = %d, want %d", pty.Offset, offset)
	}
}

func TestAuthRequiredBeforeOtherCommands(t *testing.T) {
	st := store.New("test-agent", 4096, 80, 24)
	st.AuthToken = "secret"

	_, wsURL := newTestServer(t, st)
	conn := dial(t, wsURL+"/ws")
	defer conn.CloseNow()

	writeJSON(t, conn, Envelope{Event: TypeStatusGet})
	var errPayload ErrorPayload
	readJSON(t, conn, &errPayload)
	if errPayload.Code != "UNAUTHORIZED" {
		t.Fatalf("error code = %q, want UNAUTHORIZED", errPayload.Code)
	}

	writeJSON(t, conn, AuthRequest{Event: TypeAuth, Token: "secret"})
	// auth success has no reply; now status:get should succeed.
	writeJSON(t, conn, Envelope{Event: TypeStatusGet})
	var status StatusPayload
	readJSON(t, conn, &status)
	if status.Event != TypeStatus {
		t.Fatalf("event = %q, want %q", status.Event, TypeStatus)
	}
}

func TestPingPong(t *testing.T) {
	st := store.New("test-agent", 4096, 80, 24)
	_, wsURL := newTestServer(t, st)
	conn := dial(t, wsURL+"/ws")
	defer conn.CloseNow()

	writeJSON(t, conn, Envelope{Event: TypePing})
	var pong Envelope
	readJSON(t, conn, &pong)
	if pong.Event != TypePong {
		t.Fatalf("event = %q, want %q", pong.Event, TypePong)
	}
}

func TestInputSendForwardsToStore(t *testing.T) {
	st := store.New("test-agent", 4096, 80, 24)
	_, wsURL := newTestServer(t, st)
	conn := dial(t, wsURL+"/ws")
	defer conn.CloseNow()

	writeJSON(t, conn, InputSendRequest{Event: TypeInputSend, Text: "hi", Enter: true})

	select {
	case ev := <-st.InputTx:
		if string(ev.Write) != "hi\r" {
			t.Fatalf("input event = %q, want %q", ev.Write, "hi\r")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded input")
	}
}

var _ http.Handler = (*Handler)(nil)
