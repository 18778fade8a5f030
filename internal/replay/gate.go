// Package replay implements the client-side Replay Gate: a small state
// machine that reconciles live PTY broadcast bytes with on-demand replay
// responses so a terminal never sees a duplicated or missing byte, no
// matter which arrives first.
//
// Grounded on the teacher's internal/egg/server.go Session stream handler
// (snapshot-then-cursor pattern), inverted to the client side per spec.md
// §4.8 since the teacher performs the equivalent reconciliation server-side
// through its single replay buffer rather than a client-side gate.
package replay

// State discriminates the gate's two modes.
type State int

const (
	Pending State = iota
	Synced
)

// Result is what a Gate call hands back to the caller: bytes to write (if
// any) and whether this is the first payload since the last reset (so the
// caller can wrap it in terminal sync-begin/end control codes).
type Result struct {
	Bytes   []byte
	IsFirst bool
}

// Gate reconciles live `Pty{data,offset}` messages and on-demand
// `Replay{data,offset,next_offset}` responses into a single duplicate-free
// byte stream.
type Gate struct {
	state      State
	gateOffset uint64
	firstPaint bool
}

// New returns a Gate in the Pending state.
func New() *Gate {
	return &Gate{state: Pending, firstPaint: true}
}

// OnPTY handles a live broadcast chunk of length `len` starting at `offset`.
func (g *Gate) OnPTY(data []byte, offset uint64) Result {
	switch g.state {
	case Pending:
		return Result{}
	default: // Synced
		end := offset + uint64(len(data))
		switch {
		case end <= g.gateOffset:
			// Fully duplicate.
			return Result{}
		case offset >= g.gateOffset:
			g.gateOffset = end
			return Result{Bytes: data}
		default:
			skip := g.gateOffset - offset
			g.gateOffset = end
			return Result{Bytes: data[skip:]}
		}
	}
}

// OnReplay handles a `Replay{data,offset,next_offset}` response.
func (g *Gate) OnReplay(data []byte, offset, nextOffset uint64) Result {
	switch g.state {
	case Pending:
		g.state = Synced
		g.gateOffset = nextOffset
		isFirst := g.firstPaint
		g.firstPaint = false
		return Result{Bytes: data, IsFirst: isFirst}
	default: // Synced
		if nextOffset <= g.gateOffset {
			return Result{}
		}
		var skip uint64
		if g.gateOffset > offset {
			skip = g.gateOffset - offset
		}
		if skip > uint64(len(data)) {
			skip = uint64(len(data))
		}
		g.gateOffset = nextOffset
		return Result{Bytes: data[skip:], IsFirst: false}
	}
}

// Reset returns the gate to Pending (called on reconnect and user-initiated
// refresh).
func (g *Gate) Reset() {
	g.state = Pending
	g.gateOffset = 0
	g.firstPaint = true
}

// GateOffset returns the current synced offset (next_offset a reconnect
// should request replay from), valid only when State() == Synced.
func (g *Gate) GateOffset() uint64 { return g.gateOffset }

func (g *Gate) State() State { return g.state }
