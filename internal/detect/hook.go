package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/coopdev/coop/internal/agentstate"
)

// hookEvent is the JSON line shape the child's hook commands write to the
// FIFO: one object per invocation of PreToolUse/PostToolUse/
// UserPromptSubmit/Stop, grounded on
// _examples/Hyper-Int-OrcaBot/sandbox/internal/agenthooks/hooks.go's hook
// script contract (a single JSON object read from stdin by the shell
// script, then re-emitted here as a line on the FIFO).
type hookEvent struct {
	Event   string `json:"event"` // "PreToolUse" | "PostToolUse" | "UserPromptSubmit" | "Stop"
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`
	Message string `json:"message,omitempty"`
}

// HookDetector is Tier 1: the most authoritative detector, reading
// newline-delimited JSON events the child's agent configuration writes to a
// named pipe via installed hook commands. It also republishes the raw JSON
// line on rawTx for the Store's hook broadcast channel.
type HookDetector struct {
	path  string
	rawTx chan<- []byte
}

// NewHookDetector builds a Tier-1 detector reading the FIFO at path.
func NewHookDetector(path string, rawTx chan<- []byte) *HookDetector {
	return &HookDetector{path: path, rawTx: rawTx}
}

func (h *HookDetector) Tier() int { return 1 }

func (h *HookDetector) Run(ctx context.Context, out chan<- agentstate.Detected) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := h.readOnce(ctx, out); err != nil {
			slog.Warn("hook detector: fifo read interrupted", "path", h.path, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// readOnce opens the FIFO (blocks until a writer appears, per FIFO
// semantics), scans it line by line until EOF (the last writer closed its
// end), then returns so Run can reopen it for the next writer.
func (h *HookDetector) readOnce(ctx context.Context, out chan<- agentstate.Detected) error {
	f, err := os.OpenFile(h.path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-done:
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if h.rawTx != nil {
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case h.rawTx <- cp:
			default:
			}
		}
		var ev hookEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("hook detector: malformed json line", "error", err)
			continue
		}
		if state, cause, ok := translateHookEvent(ev); ok {
			select {
			case out <- agentstate.Detected{State: state, Tier: h.Tier(), Cause: cause}:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return scanner.Err()
}

func translateHookEvent(ev hookEvent) (agentstate.State, string, bool) {
	switch ev.Event {
	case "UserPromptSubmit":
		return agentstate.NewWorking(), "hook:UserPromptSubmit", true
	case "PreToolUse":
		return agentstate.NewWorking(), "hook:PreToolUse:" + ev.Tool, true
	case "PostToolUse":
		return agentstate.NewWorking(), "hook:PostToolUse:" + ev.Tool, true
	case "Stop":
		return agentstate.NewIdle(), "hook:Stop", true
	default:
		return agentstate.State{}, "", false
	}
}
