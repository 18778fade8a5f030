// Package screen wraps a VT100/xterm terminal emulator, fed the same bytes
// as the ring buffer, to produce lightweight snapshots of "what the
// terminal currently looks like" for consumers that don't want to replay
// raw bytes themselves.
//
// Grounded on the teacher's internal/egg/vterm.go VTerm, extended with the
// plain-line/cursor/alt-screen/sequence snapshot shape this spec calls for.
package screen

import (
	"regexp"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

const maxScrollbackLines = 50000

// Cursor is a (row, col) position, zero-based.
type Cursor struct {
	Row int
	Col int
}

// Snapshot is a cheap consistent copy of the terminal's current state.
type Snapshot struct {
	Lines     []string
	ANSILines []string
	Cols      int
	Rows      int
	AltScreen bool
	Cursor    Cursor
	Sequence  uint64
}

// Screen is a terminal emulator sized cols x rows, fed PTY bytes, producing
// Snapshots on demand. All methods are safe for concurrent use: one writer
// (Feed), many readers (Snapshot/Changed).
type Screen struct {
	mu sync.Mutex

	emu *vt.Emulator

	scrollback []string
	sbHead     int
	sbLen      int

	altScreen    bool
	cursorHidden bool
	cols, rows   int

	sequence uint64
	changed  bool
}

// New creates a Screen with the given dimensions.
func New(cols, rows int) *Screen {
	s := &Screen{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	s.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if s.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if s.sbLen == len(s.scrollback) {
					s.scrollback[s.sbHead] = ""
				}
				s.scrollback[s.sbHead] = rendered
				s.sbHead = (s.sbHead + 1) % len(s.scrollback)
				if s.sbLen < len(s.scrollback) {
					s.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range s.scrollback {
				s.scrollback[i] = ""
			}
			s.sbLen = 0
			s.sbHead = 0
		},
		AltScreen: func(on bool) {
			s.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			s.cursorHidden = !visible
		},
	})
	return s
}

// Feed drives the emulator with PTY output and marks the screen as changed.
func (s *Screen) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Write(p)
	s.sequence++
	s.changed = true
}

// Resize reflows the grid, preserving content per VT conventions (delegated
// to the underlying emulator).
func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
	s.sequence++
	s.changed = true
}

// Changed reports and clears the changed flag, for the session loop's ~33ms
// debounce timer to decide whether a ScreenUpdate broadcast is due.
func (s *Screen) Changed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changed {
		s.changed = false
		return true
	}
	return false
}

// Snapshot returns a consistent copy of lines, ansi lines, cursor and
// alt-screen state.
func (s *Screen) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ansi := s.emu.Render()
	ansiLines := strings.Split(ansi, "\n")
	plainLines := make([]string, len(ansiLines))
	for i, l := range ansiLines {
		plainLines[i] = stripANSI(l)
	}

	pos := s.emu.CursorPosition()
	return Snapshot{
		Lines:     plainLines,
		ANSILines: ansiLines,
		Cols:      s.cols,
		Rows:      s.rows,
		AltScreen: s.altScreen,
		Cursor:    Cursor{Row: pos.Y, Col: pos.X},
		Sequence:  s.sequence,
	}
}

// Replay generates a byte sequence — scrollback, then a full grid repaint
// with cursor position and visibility restored — suitable for a freshly
// attached client. Grounded directly on VTerm.Snapshot.
func (s *Screen) Replay() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf strings.Builder
	lines := s.scrollbackLinesLocked()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for range max(s.rows-1, 0) {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(s.emu.Render())

	pos := s.emu.CursorPosition()
	buf.WriteString(csiCup(pos.Y+1, pos.X+1))
	if s.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (s *Screen) ScrollbackLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sbLen
}

// Close releases the emulator's resources.
func (s *Screen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Close()
}

func (s *Screen) scrollbackLinesLocked() []string {
	if s.sbLen == 0 {
		return nil
	}
	lines := make([]string, s.sbLen)
	start := (s.sbHead - s.sbLen + len(s.scrollback)) % len(s.scrollback)
	for i := range s.sbLen {
		lines[i] = s.scrollback[(start+i)%len(s.scrollback)]
	}
	return lines
}

func csiCup(row, col int) string {
	var b strings.Builder
	b.WriteString("\x1b[")
	b.WriteString(itoa(row))
	b.WriteByte(';')
	b.WriteString(itoa(col))
	b.WriteByte('H')
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}

var ansiEscapeRE = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\].*?\x07|\x1b[()][0-9A-Za-z]`)

// stripANSI removes CSI/OSC escape sequences, leaving plain visible text.
func stripANSI(s string) string {
	return ansiEscapeRE.ReplaceAllString(s, "")
}
