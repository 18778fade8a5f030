// Package httpapi implements the §6 HTTP surface: health, screen, output
// replay, status, input, agent, and config endpoints, bound to both a TCP
// listener and a Unix socket with the same router.
//
// Grounded on internal/transport/server.go's net/http ServeMux + PathValue
// routing and writeJSON/writeError helpers, generalized from task-queue
// endpoints to the PTY-session endpoints this spec calls for.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/hookapi"
	"github.com/coopdev/coop/internal/store"
	"github.com/coopdev/coop/internal/wsapi"
)

// Server binds the core HTTP API to one or more listeners.
type Server struct {
	store      *store.Store
	hooks      *hookapi.Handler
	ws         *wsapi.Handler
	authToken  string
	socketPath string
}

func NewServer(s *store.Store, socketPath string) *Server {
	return &Server{
		store:      s,
		hooks:      hookapi.NewHandler(s),
		ws:         wsapi.NewHandler(s),
		authToken:  s.AuthToken,
		socketPath: socketPath,
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/screen", s.handleScreen)
	mux.HandleFunc("GET /api/v1/screen/text", s.handleScreenText)
	mux.HandleFunc("GET /api/v1/output", s.handleOutput)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/input", s.auth(s.handleInput))
	mux.HandleFunc("POST /api/v1/input/keys", s.auth(s.handleInputKeys))
	mux.HandleFunc("POST /api/v1/resize", s.auth(s.handleResize))
	mux.HandleFunc("POST /api/v1/signal", s.auth(s.handleSignal))
	mux.HandleFunc("GET /api/v1/agent", s.handleAgentGet)
	mux.HandleFunc("POST /api/v1/agent/nudge", s.auth(s.handleNudge))
	mux.HandleFunc("POST /api/v1/agent/respond", s.auth(s.handleRespond))
	mux.HandleFunc("GET /api/v1/config/stop", s.auth(s.handleConfigStopGet))
	mux.HandleFunc("PUT /api/v1/config/stop", s.auth(s.handleConfigStopPut))
	mux.HandleFunc("GET /api/v1/config/start", s.auth(s.handleConfigStartGet))
	mux.HandleFunc("PUT /api/v1/config/start", s.auth(s.handleConfigStartPut))
	mux.HandleFunc("POST /api/v1/shutdown", s.auth(s.handleShutdown))

	// Hook endpoints are unauthenticated by spec: the child agent calls them
	// with no knowledge of the session's bearer token.
	s.hooks.Register(mux)

	mux.Handle("/ws", s.ws)

	return mux
}

// auth wraps a handler with the bearer-token check; a no-op when no token is
// configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		tok := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(tok) > len(prefix) && tok[:len(prefix)] == prefix {
			tok = tok[len(prefix):]
		}
		if tok != s.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// ListenAndServeTCP binds the router to host:port.
func (s *Server) ListenAndServeTCP(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return s.serve(ctx, ln, "")
}

// ListenAndServeHealthTCP binds a second, unauthenticated listener exposing
// only GET /api/v1/health — spec.md's --port-health, for operators who want
// a liveness probe that never touches the session's bearer token.
func (s *Server) ListenAndServeHealthTCP(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// ListenAndServeUnix binds the same router to a Unix domain socket, removing
// any stale socket file first.
func (s *Server) ListenAndServeUnix(ctx context.Context) error {
	if s.socketPath == "" {
		return nil
	}
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	return s.serve(ctx, ln, s.socketPath)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, cleanupPath string) error {
	srv := &http.Server{Handler: s.mux()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		if cleanupPath != "" {
			os.Remove(cleanupPath)
		}
		return nil
	case err := <-errCh:
		if cleanupPath != "" {
			os.Remove(cleanupPath)
		}
		return err
	}
}

// --- handlers ---

type healthResponse struct {
	Status     string         `json:"status"`
	PID        int            `json:"pid"`
	UptimeSecs int64          `json:"uptime_secs"`
	Agent      string         `json:"agent"`
	Terminal   terminalSize   `json:"terminal"`
	WSClients  int64          `json:"ws_clients"`
	Ready      bool           `json:"ready"`
}

type terminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Screen.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		PID:        int(s.store.ChildPID.Load()),
		UptimeSecs: int64(time.Since(s.store.StartedAt).Seconds()),
		Agent:      s.store.Agent,
		Terminal:   terminalSize{Cols: snap.Cols, Rows: snap.Rows},
		WSClients:  s.store.WSClientCount.Load(),
		Ready:      s.store.Ready.Load(),
	})
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	withCursor := r.URL.Query().Get("cursor") == "true"
	snap := s.store.Screen.Snapshot()
	resp := map[string]any{
		"lines":      snap.Lines,
		"ansi":       snap.ANSILines,
		"cols":       snap.Cols,
		"rows":       snap.Rows,
		"alt_screen": snap.AltScreen,
		"sequence":   snap.Sequence,
	}
	if withCursor {
		resp["cursor"] = map[string]int{"row": snap.Cursor.Row, "col": snap.Cursor.Col}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScreenText(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Screen.Snapshot()
	text := ""
	for i, l := range snap.Lines {
		if i > 0 {
			text += "\n"
		}
		text += l
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	offset, err := parseUintQuery(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	a, b, ok := s.store.Ring.ReadFrom(offset)
	if !ok {
		a, b = []byte{}, nil
	}
	if limit, lerr := parseUintQuery(r, "limit", 0); lerr == nil && limit > 0 {
		combined := append(append([]byte{}, a...), b...)
		if uint64(len(combined)) > limit {
			combined = combined[:limit]
		}
		a, b = combined, nil
	}
	data := append(append([]byte{}, a...), b...)
	next := offset
	if offset < s.store.Ring.OldestOffset() {
		next = s.store.Ring.OldestOffset()
	}
	next += uint64(len(data))
	writeJSON(w, http.StatusOK, map[string]any{
		"data":          base64.StdEncoding.EncodeToString(data),
		"offset":        offset,
		"next_offset":   next,
		"total_written": s.store.Ring.TotalWritten(),
	})
}

func parseUintQuery(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.store.AgentState()
	var exitCode *int
	if st.Kind == agentstate.Exited {
		exitCode = st.Exit.Code
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         st.Kind.String(),
		"pid":           s.store.ChildPID.Load(),
		"exit_code":     exitCode,
		"screen_seq":    s.store.Screen.Snapshot().Sequence,
		"bytes_read":    s.store.Ring.TotalWritten(),
		"bytes_written": s.store.BytesWritten.Load(),
		"ws_clients":    s.store.WSClientCount.Load(),
	})
}

type inputRequest struct {
	Text  string `json:"text"`
	Enter bool   `json:"enter"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	text := req.Text
	if req.Enter {
		text += "\r"
	}
	s.store.InputTx <- store.InputEvent{Write: []byte(text)}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleInputKeys(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.store.InputTx <- store.InputEvent{Write: []byte(wsapi.EncodeKeys(req.Keys))}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.store.InputTx <- store.InputEvent{Resize: &store.ResizeEvent{Cols: req.Cols, Rows: req.Rows}}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type signalRequest struct {
	Signal int `json:"signal"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sig := req.Signal
	s.store.InputTx <- store.InputEvent{Signal: &sig}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	st := s.store.AgentState()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        st.Kind.String(),
		"last_message": s.store.GetLastMessage(),
	})
}

type nudgeRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req nudgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.store.InputTx <- store.InputEvent{Write: []byte(req.Message + "\r")}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type respondRequest struct {
	Accept  *bool             `json:"accept,omitempty"`
	Option  string            `json:"option,omitempty"`
	Text    string            `json:"text,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	switch {
	case req.Option != "":
		s.store.InputTx <- store.InputEvent{Write: []byte(req.Option + "\r")}
	case req.Accept != nil:
		if *req.Accept {
			s.store.InputTx <- store.InputEvent{Write: []byte("y\r")}
		} else {
			s.store.InputTx <- store.InputEvent{Write: []byte("n\r")}
		}
	case req.Text != "":
		s.store.InputTx <- store.InputEvent{Write: []byte(req.Text + "\r")}
	case len(req.Answers) > 0:
		for _, v := range req.Answers {
			s.store.InputTx <- store.InputEvent{Write: []byte(v + "\r")}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfigStopGet(w http.ResponseWriter, r *http.Request) {
	st := &s.store.Stop
	st.Mu.Lock()
	defer st.Mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   st.Mode.String(),
		"prompt": st.Prompt,
		"schema": st.Schema,
	})
}

type stopConfigRequest struct {
	Mode   string         `json:"mode"`
	Prompt string         `json:"prompt,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

func (s *Server) handleConfigStopPut(w http.ResponseWriter, r *http.Request) {
	var req stopConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	st := &s.store.Stop
	st.Mu.Lock()
	st.Mode = store.ParseStopMode(req.Mode)
	st.Prompt = req.Prompt
	st.Schema = req.Schema
	st.Mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (s *Server) handleConfigStartGet(w http.ResponseWriter, r *http.Request) {
	sc := &s.store.Start
	sc.Mu.Lock()
	defer sc.Mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"text":     sc.Text,
		"shell":    sc.Shell,
		"by_event": sc.ByEvent,
	})
}

type startConfigRequest struct {
	Text    string                           `json:"text,omitempty"`
	Shell   []string                         `json:"shell,omitempty"`
	ByEvent map[string]store.StartOverride   `json:"by_event,omitempty"`
}

func (s *Server) handleConfigStartPut(w http.ResponseWriter, r *http.Request) {
	var req startConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sc := &s.store.Start
	sc.Mu.Lock()
	sc.Text = req.Text
	sc.Shell = req.Shell
	sc.ByEvent = req.ByEvent
	sc.Mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.store.RequestShutdown()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
