// Package store holds the process-singleton shared state the session loop
// and every transport read and write: the screen, the ring, the current
// agent state, broadcast channels, and lifecycle flags.
//
// Grounded on the teacher's internal/egg/server.go Session struct (field
// ownership split between "terminal" and "driver" concerns, a done channel
// as the cancellation signal) generalized to the atomics-plus-RWMutex model
// spec.md §3/§9 describes.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/ring"
	"github.com/coopdev/coop/internal/screen"
)

// GroomLevel controls whether the agent's on-disk config is snapshotted and
// restored around the session (spec.md's supplemented --groom flag).
type GroomLevel int

const (
	GroomManual GroomLevel = iota
	GroomPristine
)

// InputEvent is what producers (HTTP/WS/gRPC/hook handlers) send to the
// session loop's sole input consumer.
type InputEvent struct {
	Write  []byte
	Resize *ResizeEvent
	Signal *int
	Drain  chan struct{}
}

type ResizeEvent struct {
	Cols, Rows int
}

// OutputEvent is broadcast to every subscribed consumer whenever the PTY
// produces bytes or the screen materially changes.
type OutputEvent struct {
	Raw        []byte
	Offset     uint64 // absolute ring offset of Raw[0], valid when Raw != nil
	ScreenSeq  uint64
	IsScreen   bool
}

// Broadcast is a minimal fan-out primitive: many senders, many receivers,
// each receiver getting its own buffered channel; a slow receiver is
// dropped from rather than blocking the sender (spec.md §5: "lag is
// silently dropped").
type Broadcast[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel and an unsubscribe function. bufSize bounds
// how far this subscriber can lag before new sends are dropped for it.
func (b *Broadcast[T]) Subscribe(bufSize int) (<-chan T, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan T, bufSize)
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Send delivers v to every current subscriber, dropping it for anyone whose
// buffer is full rather than blocking.
func (b *Broadcast[T]) Send(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Count returns the current subscriber count.
func (b *Broadcast[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// StopMode is the stop-hook policy (spec.md §4.11). Named and ordered to
// match the original implementation's StopMode enum: Allow (default) never
// blocks, Auto blocks and hands the agent actionable `coop send` examples,
// Gate blocks with the configured prompt verbatim until an operator
// resolves it.
type StopMode int

const (
	StopAllow StopMode = iota
	StopAuto
	StopGate
)

func (m StopMode) String() string {
	switch m {
	case StopAuto:
		return "auto"
	case StopGate:
		return "gate"
	default:
		return "allow"
	}
}

// ParseStopMode parses the YAML/JSON mode name back into a StopMode,
// defaulting to StopAllow for an empty or unrecognized string.
func ParseStopMode(s string) StopMode {
	switch s {
	case "auto":
		return StopAuto
	case "gate":
		return StopGate
	default:
		return StopAllow
	}
}

// StopEventType classifies a single stop-hook verdict, mirroring the
// original implementation's StopType enum.
type StopEventType int

const (
	StopSignaledEvent StopEventType = iota
	StopErrorEvent
	StopSafetyValveEvent
	StopBlockedEvent
	StopAllowedEvent
	StopRejectedEvent
)

func (t StopEventType) String() string {
	switch t {
	case StopSignaledEvent:
		return "signaled"
	case StopErrorEvent:
		return "error"
	case StopSafetyValveEvent:
		return "safety_valve"
	case StopBlockedEvent:
		return "blocked"
	case StopAllowedEvent:
		return "allowed"
	case StopRejectedEvent:
		return "rejected"
	default:
		return "unknown"
	}
}

// StopEvent is the verdict broadcast on StopState.Tx for every /hooks/stop
// and /hooks/stop/resolve call (spec.md §3, §4.11).
type StopEvent struct {
	Type        StopEventType
	Signal      map[string]any
	ErrorDetail string
	Seq         uint64
}

// StopState is the stop-hook's tiny state machine.
type StopState struct {
	Mu            sync.Mutex
	Mode          StopMode
	Prompt        string
	Schema        map[string]any
	Signaled      bool
	SignalBody    map[string]any
	Seq           uint64

	seq atomic.Uint64
	Tx  *Broadcast[StopEvent]
}

// Emit records and broadcasts a StopEvent, stamping it with the next
// monotonic stop-event sequence number. Safe to call with Mu held or not.
func (s *StopState) Emit(typ StopEventType, signal map[string]any, errDetail string) StopEvent {
	ev := StopEvent{Type: typ, Signal: signal, ErrorDetail: errDetail, Seq: s.seq.Add(1) - 1}
	if s.Tx != nil {
		s.Tx.Send(ev)
	}
	return ev
}

// StartConfig configures the start-hook's injected shell snippet.
type StartConfig struct {
	Mu     sync.Mutex
	Text   string // base64'd at injection time
	Shell  []string
	ByEvent map[string]StartOverride
}

type StartOverride struct {
	Text  string
	Shell []string
}

// Store is the process-singleton shared state.
type Store struct {
	// terminal
	Screen            *screen.Screen
	Ring              *ring.Ring
	RingTotalWritten  atomic.Uint64
	ChildPID          atomic.Int64
	ExitStatusMu      sync.Mutex
	ExitCode          *int
	ExitSignal        *int

	// driver
	stateMu    sync.RWMutex
	agentState agentstate.State
	StateSeq   atomic.Uint64
	Detection  struct {
		Tier  int
		Cause string
	}
	LastMessage atomic.Pointer[string]

	// channels
	InputTx  chan InputEvent
	Output   *Broadcast[OutputEvent]
	State    *Broadcast[agentstate.Transition]
	Prompt   *Broadcast[agentstate.PromptContext]
	Hook     *Broadcast[[]byte]
	Message  *Broadcast[[]byte]

	// config
	StartedAt     time.Time
	Agent         string
	AuthToken     string
	NudgeTimeout  time.Duration
	InputDelay    time.Duration
	Groom         GroomLevel

	// lifecycle
	Shutdown      chan struct{}
	shutdownOnce  sync.Once
	WSClientCount atomic.Int64
	BytesWritten  atomic.Uint64
	Ready         atomic.Bool

	// input gate: earliest-allowed-write instant, used to debounce bursts
	// across prompt transitions.
	inputGateMu sync.Mutex
	inputGateAt time.Time

	Stop  StopState
	Start StartConfig

	// SwitchRequests carries session-switch requests from transports to the
	// session loop.
	SwitchRequests chan SwitchRequest
}

// SwitchRequest asks the session loop to kill and restart the child.
type SwitchRequest struct {
	Credentials map[string]string
	Force       bool
	Profile     string
}

// New builds a Store. ringSize is the ring buffer's byte capacity; cols/rows
// size the initial screen.
func New(agent string, ringSize, cols, rows int) *Store {
	s := &Store{
		Screen:         screen.New(cols, rows),
		Ring:           ring.New(ringSize),
		InputTx:        make(chan InputEvent, 256),
		Output:         NewBroadcast[OutputEvent](),
		State:          NewBroadcast[agentstate.Transition](),
		Prompt:         NewBroadcast[agentstate.PromptContext](),
		Hook:           NewBroadcast[[]byte](),
		Message:        NewBroadcast[[]byte](),
		StartedAt:      time.Now(),
		Agent:          agent,
		NudgeTimeout:   30 * time.Second,
		InputDelay:     400 * time.Millisecond,
		Shutdown:       make(chan struct{}),
		SwitchRequests: make(chan SwitchRequest, 1),
	}
	s.Stop.Tx = NewBroadcast[StopEvent]()
	s.agentState = agentstate.NewStarting()
	return s
}

// AgentState returns the current agent state.
func (s *Store) AgentState() agentstate.State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.agentState
}

// SetAgentState overwrites the current agent state. The session loop is the
// only writer; callers elsewhere should go through the detector/transition
// pipeline instead of calling this directly.
func (s *Store) SetAgentState(st agentstate.State) {
	s.stateMu.Lock()
	s.agentState = st
	s.stateMu.Unlock()
}

// RequestShutdown cancels the Shutdown channel exactly once.
func (s *Store) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.Shutdown) })
}

// SetLastMessage records the most recent assistant message text.
func (s *Store) SetLastMessage(text string) {
	s.LastMessage.Store(&text)
}

// GetLastMessage returns the most recent assistant message text, or "".
func (s *Store) GetLastMessage() string {
	if p := s.LastMessage.Load(); p != nil {
		return *p
	}
	return ""
}

// BumpInputGate sets the earliest-allowed-write instant to now+delay.
func (s *Store) BumpInputGate(delay time.Duration) {
	s.inputGateMu.Lock()
	s.inputGateAt = time.Now().Add(delay)
	s.inputGateMu.Unlock()
}

// InputGateOpen reports whether the input gate has cleared.
func (s *Store) InputGateOpen() bool {
	s.inputGateMu.Lock()
	defer s.inputGateMu.Unlock()
	return time.Now().After(s.inputGateAt)
}

// InputGateWait returns how long the caller should wait before the gate
// opens (zero or negative if already open).
func (s *Store) InputGateWait() time.Duration {
	s.inputGateMu.Lock()
	defer s.inputGateMu.Unlock()
	return time.Until(s.inputGateAt)
}
