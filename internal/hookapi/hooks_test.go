package hookapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/store"
)

func newTestHandler() (*Handler, *store.Store) {
	st := store.New("test-agent", 4096, 80, 24)
	return NewHandler(st), st
}

func doStop(t *testing.T, h *Handler, stopHookActive bool) (int, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]bool{"stop_hook_active": stopHookActive})
	req := httptest.NewRequest(http.MethodPost, "/hooks/stop", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleStop(w, req)
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return w.Code, got
}

func doResolve(t *testing.T, h *Handler, payload map[string]any) (int, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/hooks/stop/resolve", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleResolve(w, req)
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return w.Code, got
}

func TestStopAllowModeReturnsEmpty(t *testing.T) {
	h, st := newTestHandler()
	st.Stop.Mode = store.StopAllow

	_, got := doStop(t, h, false)
	if _, blocked := got["decision"]; blocked {
		t.Fatalf("allow mode should not block, got %v", got)
	}
}

// TestStopAutoModeSignalSingleShot exercises spec.md §8 scenario 5: first
// call blocks, resolve accepts, the next call allows, and the call after
// that blocks again (the signal is single-shot).
func TestStopAutoModeSignalSingleShot(t *testing.T) {
	h, st := newTestHandler()
	st.Stop.Mode = store.StopAuto

	if code, got := doStop(t, h, false); code != http.StatusOK || got["decision"] != "block" {
		t.Fatalf("first stop call = (%d, %v), want block", code, got)
	}

	if code, got := doResolve(t, h, map[string]any{"status": "done"}); code != http.StatusOK || got["accepted"] != true {
		t.Fatalf("resolve = (%d, %v), want accepted:true", code, got)
	}

	if _, got := doStop(t, h, false); got["decision"] != nil {
		t.Fatalf("stop call right after resolve should allow, got %v", got)
	}

	if _, got := doStop(t, h, false); got["decision"] != "block" {
		t.Fatalf("second stop call after consumption should block again, got %v", got)
	}
}

func TestStopGateModeReturnsConfiguredPrompt(t *testing.T) {
	h, st := newTestHandler()
	st.Stop.Mode = store.StopGate
	st.Stop.Prompt = "finish your current task first"

	_, got := doStop(t, h, false)
	if got["decision"] != "block" || got["reason"] != "finish your current task first" {
		t.Fatalf("gate mode reason mismatch: %v", got)
	}
}

func TestStopSafetyValveAlwaysAllows(t *testing.T) {
	h, st := newTestHandler()
	st.Stop.Mode = store.StopAuto

	_, got := doStop(t, h, true)
	if _, blocked := got["decision"]; blocked {
		t.Fatalf("stop_hook_active=true must always allow, got %v", got)
	}
}

func TestStopUnrecoverableErrorAllows(t *testing.T) {
	h, st := newTestHandler()
	st.Stop.Mode = store.StopAuto
	st.SetAgentState(agentstate.NewError("invalid api key", agentstate.ErrUnauthorized))

	_, got := doStop(t, h, false)
	if _, blocked := got["decision"]; blocked {
		t.Fatalf("unrecoverable error should allow stop, got %v", got)
	}
}

func TestResolveRejectsBadSchema(t *testing.T) {
	h, st := newTestHandler()
	st.Stop.Mode = store.StopAuto
	st.Stop.Schema = map[string]any{
		"properties": map[string]any{
			"status": map[string]any{"enum": []any{"done", "continue"}},
		},
	}

	code, got := doResolve(t, h, map[string]any{"status": "bogus"})
	if code != http.StatusBadRequest || got["accepted"] != false {
		t.Fatalf("resolve with bad enum value = (%d, %v), want 400/accepted:false", code, got)
	}
}

func TestStopEmitsTypedEvents(t *testing.T) {
	h, st := newTestHandler()
	st.Stop.Mode = store.StopAuto
	evCh, unsub := st.Stop.Tx.Subscribe(8)
	defer unsub()

	doStop(t, h, false)

	select {
	case ev := <-evCh:
		if ev.Type != store.StopBlockedEvent {
			t.Fatalf("event type = %v, want blocked", ev.Type)
		}
		if ev.Seq != 0 {
			t.Fatalf("first emitted event seq = %d, want 0", ev.Seq)
		}
	default:
		t.Fatal("expected a StopEvent to be broadcast")
	}
}

func TestHandleStartReturnsBase64Script(t *testing.T) {
	h, st := newTestHandler()
	st.Start.Text = "hello context"

	req := httptest.NewRequest(http.MethodPost, "/hooks/start", nil)
	w := httptest.NewRecorder()
	h.handleStart(w, req)

	var got startResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Contains([]byte(got.Shell), []byte("base64 -d")) {
		t.Fatalf("shell snippet missing base64 -d: %q", got.Shell)
	}
}
