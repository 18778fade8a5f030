package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coopdev/coop/internal/store"
)

func newTestMux(st *store.Store) http.Handler {
	return NewServer(st, "").mux()
}

// TestInputRoundtripReachesStore exercises spec.md §8 scenario 2: a POST
// /api/v1/input call reaches the store's input channel carrying exactly the
// bytes the request described (including the Enter-appended \r).
func TestInputRoundtripReachesStore(t *testing.T) {
	st := store.New("test-agent", 4096, 80, 24)
	mux := newTestMux(st)

	body, _ := json.Marshal(inputRequest{Text: "run tests", Enter: true})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/input", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}

	select {
	case ev := <-st.InputTx:
		if string(ev.Write) != "run tests\r" {
			t.Fatalf("forwarded input = %q, want %q", ev.Write, "run tests\r")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded input")
	}
}

func TestHealthReportsReadyAndAgent(t *testing.T) {
	st := store.New("claude", 4096, 80, 24)
	st.Ready.Store(true)
	mux := newTestMux(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var got healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Ready || got.Agent != "claude" || got.Status != "ok" {
		t.Fatalf("health response = %+v", got)
	}
}

func TestOutputReplayMatchesRingContents(t *testing.T) {
	st := store.New("test-agent", 1<<16, 80, 24)
	data := []byte("hello from the ring")
	st.Ring.Write(data)
	mux := newTestMux(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/output?offset=0", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(got["data"].(string))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(data) {
		t.Fatalf("replay data = %q, want %q", decoded, data)
	}
}

func TestAuthRequiredForProtectedEndpoints(t *testing.T) {
	st := store.New("test-agent", 4096, 80, 24)
	st.AuthToken = "secret-token"
	mux := newTestMux(st)

	body, _ := json.Marshal(inputRequest{Text: "x"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/input", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/input", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer secret-token")
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", w2.Code)
	}

	// Health (and other unauthenticated endpoints) must not require the token.
	req3 := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w3 := httptest.NewRecorder()
	mux.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200 even without a token", w3.Code)
	}
}

func TestConfigStopPutAndGetRoundtrip(t *testing.T) {
	st := store.New("test-agent", 4096, 80, 24)
	mux := newTestMux(st)

	putBody, _ := json.Marshal(stopConfigRequest{Mode: "auto", Prompt: "wrap it up"})
	putReq := httptest.NewRequest(http.MethodPut, "/api/v1/config/stop", bytes.NewReader(putBody))
	putW := httptest.NewRecorder()
	mux.ServeHTTP(putW, putReq)

	var putResp map[string]any
	json.Unmarshal(putW.Body.Bytes(), &putResp)
	if putResp["updated"] != true {
		t.Fatalf("put response = %v, want updated:true", putResp)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/config/stop", nil)
	getW := httptest.NewRecorder()
	mux.ServeHTTP(getW, getReq)

	var getResp map[string]any
	json.Unmarshal(getW.Body.Bytes(), &getResp)
	if getResp["mode"] != "auto" || getResp["prompt"] != "wrap it up" {
		t.Fatalf("get response = %v", getResp)
	}
}
