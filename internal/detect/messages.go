package detect

import (
	"context"
	"encoding/json"

	"github.com/coopdev/coop/internal/agentstate"
)

// messageEvent is a line of the child's own JSONL output, broadcast on the
// Store's message channel with a source tag. Shape follows
// internal/agent/claude.go's streamEvent/resultEvent parsing.
type messageEvent struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// MessageDetector is Tier 3: consumes raw JSONL message lines from whatever
// channel its caller supplies and emits high-confidence states for specific
// message kinds. The orchestrator does not construct it, and the session
// loop does not feed it.
type MessageDetector struct {
	linesRx   <-chan []byte
	lastMu    chan string // 1-buffered mailbox holding the latest assistant text
	LastText  func() string
}

// NewMessageDetector builds a Tier-3 detector reading raw JSONL lines from
// linesRx, one structured message per send.
func NewMessageDetector(linesRx <-chan []byte) *MessageDetector {
	d := &MessageDetector{linesRx: linesRx, lastMu: make(chan string, 1)}
	d.LastText = d.lastText
	return d
}

func (m *MessageDetector) Tier() int { return 3 }

func (m *MessageDetector) Run(ctx context.Context, out chan<- agentstate.Detected) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-m.linesRx:
			if !ok {
				return
			}
			var ev messageEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			state, cause, ok := m.translate(ev)
			if !ok {
				continue
			}
			select {
			case out <- agentstate.Detected{State: state, Tier: m.Tier(), Cause: cause}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *MessageDetector) translate(ev messageEvent) (agentstate.State, string, bool) {
	switch ev.Type {
	case "assistant":
		for _, block := range ev.Message.Content {
			if block.Type == "text" && block.Text != "" {
				m.setLastText(block.Text)
				return agentstate.NewIdle(), "message:assistant", true
			}
			if block.Type == "tool_use" {
				return agentstate.NewWorking(), "message:tool_use", true
			}
		}
		return agentstate.State{}, "", false
	case "tool_use", "tool_call":
		return agentstate.NewWorking(), "message:" + ev.Type, true
	default:
		return agentstate.State{}, "", false
	}
}

func (m *MessageDetector) setLastText(s string) {
	select {
	case <-m.lastMu:
	default:
	}
	m.lastMu <- s
}

func (m *MessageDetector) lastText() string {
	select {
	case s := <-m.lastMu:
		m.lastMu <- s
		return s
	default:
		return ""
	}
}
