// Package hookapi implements the stop/resolve/start HTTP contract described
// in spec.md §4.11: the child agent calls /hooks/stop before it is allowed to
// end its turn, an operator (or automation) resolves that gate via
// /hooks/stop/resolve, and /hooks/start hands the child a startup shell
// snippet.
//
// Grounded on Hyper-Int-OrcaBot's sandbox/internal/agenthooks/hooks.go (the
// shell-script-over-stdin / curl-back-to-daemon hook contract, generalized
// here from OrcaBot's single "agent-stopped" webhook into the three-mode
// stop policy) and internal/transport/server.go's net/http ServeMux +
// writeJSON/writeError idiom.
package hookapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/store"
)

// Handler serves /hooks/stop, /hooks/stop/resolve, /hooks/start.
type Handler struct {
	Store *store.Store
}

func NewHandler(st *store.Store) *Handler { return &Handler{Store: st} }

// Register wires the hook routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /hooks/stop", h.handleStop)
	mux.HandleFunc("POST /hooks/stop/resolve", h.handleResolve)
	mux.HandleFunc("POST /hooks/start", h.handleStart)
}

type stopRequest struct {
	StopHookActive bool `json:"stop_hook_active"`
}

type allowResponse struct{}

type blockResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	st := &h.Store.Stop
	st.Mu.Lock()
	defer st.Mu.Unlock()

	// Safety valve: the agent asserts it's already inside a stop hook and
	// must be let through unconditionally (spec.md §4.11, §9).
	if req.StopHookActive {
		st.Emit(store.StopSafetyValveEvent, nil, "")
		writeJSON(w, http.StatusOK, allowResponse{})
		return
	}

	// An unrecoverable agent error always allows stop; the session loop
	// leaves the child up rather than killing it (spec.md §7).
	if agent := h.Store.AgentState(); agent.Kind == agentstate.Error && agent.Err.Category.Unrecoverable() {
		st.Emit(store.StopErrorEvent, nil, agent.Err.Detail)
		writeJSON(w, http.StatusOK, allowResponse{})
		return
	}

	switch st.Mode {
	case store.StopAllow:
		st.Emit(store.StopAllowedEvent, nil, "")
		writeJSON(w, http.StatusOK, allowResponse{})
		return
	case store.StopGate:
		if st.Signaled {
			st.Signaled = false
			st.Emit(store.StopSignaledEvent, st.SignalBody, "")
			writeJSON(w, http.StatusOK, allowResponse{})
			return
		}
		st.Emit(store.StopBlockedEvent, nil, "")
		writeJSON(w, http.StatusOK, blockResponse{Decision: "block", Reason: st.Prompt})
		return
	case store.StopAuto:
		if st.Signaled {
			st.Signaled = false
			st.Emit(store.StopSignaledEvent, st.SignalBody, "")
			writeJSON(w, http.StatusOK, allowResponse{})
			return
		}
		st.Emit(store.StopBlockedEvent, nil, "")
		writeJSON(w, http.StatusOK, blockResponse{Decision: "block", Reason: autoBlockReason(st.Prompt, st.Schema)})
		return
	}
	writeJSON(w, http.StatusOK, allowResponse{})
}

// autoBlockReason generates the Auto-mode block reason: an optional
// operator-configured prompt prefix, followed by one `coop send '{...}'`
// example invocation per enum value of the schema's primary enum field
// (the first top-level property carrying a JSON-Schema "enum" array).
// Falls back to the default {status: "done"|"continue"} schema when none is
// configured. Grounded on the original implementation's
// generate_auto_block_reason.
func autoBlockReason(prompt string, schema map[string]any) string {
	field, values := primaryEnum(schema)
	if field == "" {
		field, values = "status", []string{"done", "continue"}
	}
	var lines []string
	if prompt != "" {
		lines = append(lines, prompt)
	}
	lines = append(lines, "Please confirm by running one of:")
	for _, v := range values {
		body, _ := json.Marshal(map[string]string{field: v})
		lines = append(lines, fmt.Sprintf("`coop send '%s'`", string(body)))
	}
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func primaryEnum(schema map[string]any) (string, []string) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return "", nil
	}
	// Deterministic order: sort property names, pick the first with an enum.
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		rawEnum, ok := def["enum"].([]any)
		if !ok || len(rawEnum) == 0 {
			continue
		}
		values := make([]string, 0, len(rawEnum))
		for _, v := range rawEnum {
			if s, ok := v.(string); ok {
				values = append(values, s)
			}
		}
		if len(values) > 0 {
			return name, values
		}
	}
	return "", nil
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	st := &h.Store.Stop
	st.Mu.Lock()
	defer st.Mu.Unlock()

	schema := st.Schema
	if schema == nil && st.Mode == store.StopAuto {
		schema = defaultAutoSchema()
	}
	if schema != nil {
		if err := validateAgainstSchema(body, schema); err != nil {
			st.Emit(store.StopRejectedEvent, body, err.Error())
			writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": false, "error": err.Error()})
			return
		}
	}

	st.SignalBody = body
	st.Signaled = true
	st.Seq++
	st.Emit(store.StopSignaledEvent, body, "")

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func defaultAutoSchema() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"status":  map[string]any{"enum": []any{"done", "continue"}},
			"message": map[string]any{"type": "string"},
		},
	}
}

// validateAgainstSchema is a minimal enum/required check, not a general JSON
// Schema validator: enough to reject a resolve body whose primary enum field
// is missing or holds an unrecognized value.
func validateAgainstSchema(body map[string]any, schema map[string]any) error {
	field, values := primaryEnum(schema)
	if field == "" {
		return nil
	}
	raw, ok := body[field]
	if !ok {
		return fmt.Errorf("missing required field %q", field)
	}
	got, ok := raw.(string)
	if !ok {
		return fmt.Errorf("field %q must be a string", field)
	}
	for _, v := range values {
		if v == got {
			return nil
		}
	}
	return fmt.Errorf("field %q value %q not in enum %v", field, got, values)
}

type startResponse struct {
	Shell string `json:"shell"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	event := r.URL.Query().Get("event")

	sc := &h.Store.Start
	sc.Mu.Lock()
	defer sc.Mu.Unlock()

	text, shell := sc.Text, sc.Shell
	if event != "" {
		if ov, ok := sc.ByEvent[event]; ok {
			if ov.Text != "" {
				text = ov.Text
			}
			if len(ov.Shell) > 0 {
				shell = ov.Shell
			}
		}
	}

	snippet := ""
	if text != "" {
		snippet += fmt.Sprintf("printf '%%s' %s | base64 -d\n", shellQuote(base64.StdEncoding.EncodeToString([]byte(text))))
	}
	for _, cmd := range shell {
		snippet += cmd + "\n"
	}

	writeJSON(w, http.StatusOK, startResponse{Shell: snippet})
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
