// Package agentstate defines the state machine coop's detectors and session
// loop drive: what the wrapped agent is doing right now, and why.
package agentstate

import "fmt"

// Kind discriminates the AgentState union.
type Kind int

const (
	Starting Kind = iota
	Working
	Idle
	WaitingForInput
	Prompt
	Error
	Exited
)

func (k Kind) String() string {
	switch k {
	case Starting:
		return "starting"
	case Working:
		return "working"
	case Idle:
		return "idle"
	case WaitingForInput:
		return "waiting_for_input"
	case Prompt:
		return "prompt"
	case Error:
		return "error"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// PromptKind enumerates the reasons an agent can be blocked on a prompt.
type PromptKind int

const (
	PromptPermission PromptKind = iota
	PromptPlan
	PromptSetup
	PromptQuestion
)

func (k PromptKind) String() string {
	switch k {
	case PromptPermission:
		return "permission"
	case PromptPlan:
		return "plan"
	case PromptSetup:
		return "setup"
	case PromptQuestion:
		return "question"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies an Error state for recovery decisions (see
// Tier-2/Tier-4 detectors and the stop-hook policy).
type ErrorCategory int

const (
	ErrUnauthorized ErrorCategory = iota
	ErrQuotaExceeded
	ErrNetworkDown
	ErrFatalInternal
	ErrOther
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrQuotaExceeded:
		return "quota_exceeded"
	case ErrNetworkDown:
		return "network_down"
	case ErrFatalInternal:
		return "fatal_internal"
	default:
		return "other"
	}
}

// Unrecoverable reports whether this category should let the stop hook
// unblock the child rather than keep it pinned waiting for input that will
// never come.
func (c ErrorCategory) Unrecoverable() bool {
	return c == ErrUnauthorized || c == ErrFatalInternal
}

// Question is a single open question surfaced in a multi-question prompt.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// PromptContext carries everything a consumer needs to answer a Prompt state.
type PromptContext struct {
	Kind            PromptKind `json:"kind"`
	Subtype         string     `json:"subtype,omitempty"`
	Tool            string     `json:"tool,omitempty"`
	InputPreview    string     `json:"input_preview,omitempty"`
	ScreenLines     []string   `json:"screen_lines,omitempty"`
	Options         []string   `json:"options,omitempty"`
	OptionsFallback bool       `json:"options_fallback,omitempty"`
	Questions       []Question `json:"questions,omitempty"`
	QuestionCurrent int        `json:"question_current,omitempty"`
	AuthURL         string     `json:"auth_url,omitempty"`
	Ready           bool       `json:"ready"`
}

// ExitInfo records how the wrapped process ended.
type ExitInfo struct {
	Code   *int `json:"code,omitempty"`
	Signal *int `json:"signal,omitempty"`
}

// ErrorInfo is the payload of an Error state.
type ErrorInfo struct {
	Detail   string        `json:"detail"`
	Category ErrorCategory `json:"category"`
}

// State is the tagged union described in the data model: exactly one of the
// Kind-specific fields is meaningful for a given Kind.
type State struct {
	Kind   Kind
	Prompt PromptContext
	Err    ErrorInfo
	Exit   ExitInfo
}

func (s State) String() string {
	switch s.Kind {
	case Prompt:
		return fmt.Sprintf("prompt(%s)", s.Prompt.Kind)
	case Error:
		return fmt.Sprintf("error(%s: %s)", s.Err.Category, s.Err.Detail)
	case Exited:
		if s.Exit.Code != nil {
			return fmt.Sprintf("exited(code=%d)", *s.Exit.Code)
		}
		if s.Exit.Signal != nil {
			return fmt.Sprintf("exited(signal=%d)", *s.Exit.Signal)
		}
		return "exited"
	default:
		return s.Kind.String()
	}
}

// Terminal reports whether no further transition is possible without a
// session switch.
func (s State) Terminal() bool {
	return s.Kind == Exited
}

func NewStarting() State { return State{Kind: Starting} }
func NewWorking() State  { return State{Kind: Working} }
func NewIdle() State     { return State{Kind: Idle} }
func NewWaitingForInput() State {
	return State{Kind: WaitingForInput}
}
func NewPrompt(ctx PromptContext) State {
	return State{Kind: Prompt, Prompt: ctx}
}
func NewError(detail string, category ErrorCategory) State {
	return State{Kind: Error, Err: ErrorInfo{Detail: detail, Category: category}}
}
func NewExited(code, signal *int) State {
	return State{Kind: Exited, Exit: ExitInfo{Code: code, Signal: signal}}
}

// Detected is the unit a Detector emits: a state plus its provenance.
type Detected struct {
	State State
	Tier  int
	Cause string
}

// Transition is what the session loop broadcasts to consumers on every
// delivered state change.
type Transition struct {
	Prev        State
	Next        State
	Seq         uint64
	Cause       string
	LastMessage string
}
