// Package audit implements --audit-log PATH: a fallback transcription of
// every byte sent to the child's stdin, reconstructed into readable lines
// (backspace, Enter, Ctrl+C/Ctrl+D, and escape sequences all handled)
// independent of whatever the agent itself logs.
//
// Grounded on the teacher's internal/egg/audit.go inputAuditor.
package audit

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Log converts raw PTY input bytes into timestamped readable lines and
// writes them to an underlying file.
type Log struct {
	buf        []byte
	w          io.Writer
	closer     io.Closer
	mu         sync.Mutex
	escState   int // 0=normal, 1=got ESC, 2=in CSI sequence
	flushTimer *time.Timer
	now        func() time.Time
}

// Open creates (truncating) the audit log file at path.
func Open(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{w: f, closer: f, now: time.Now}, nil
}

// Write feeds raw input bytes through the line-reconstruction state machine.
// Matches io.Writer so it can be composed with other input-path writers; it
// never returns an error and always reports the full length written.
func (a *Log) Write(input []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range input {
		if a.escState > 0 {
			a.consumeEsc(b)
			continue
		}
		switch {
		case b == 0x1b: // ESC
			a.escState = 1
		case b == 0x0d || b == 0x0a: // Enter
			a.emitLine()
		case b == 0x7f || b == 0x08: // Backspace / Delete
			if len(a.buf) > 0 {
				a.buf = a.buf[:len(a.buf)-1]
			}
		case b == 0x09: // Tab
			a.buf = append(a.buf, '\t')
		case b == 0x03: // Ctrl+C
			a.buf = append(a.buf, '^', 'C')
			a.emitLine()
		case b == 0x04: // Ctrl+D
			a.buf = append(a.buf, '^', 'D')
			a.emitLine()
		case b >= 0x20: // Printable
			a.buf = append(a.buf, b)
		}
	}
	a.resetFlushTimer()
	return len(input), nil
}

func (a *Log) emitLine() {
	line := string(a.buf)
	a.buf = a.buf[:0]
	ts := a.now().UTC().Format(time.RFC3339)
	fmt.Fprintf(a.w, "%s\t%s\n", ts, line)
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
}

// consumeEsc skips CSI sequences: ESC [ <params> <final byte 0x40-0x7E>.
func (a *Log) consumeEsc(b byte) {
	switch a.escState {
	case 1:
		if b == '[' {
			a.escState = 2
		} else {
			a.escState = 0
		}
	case 2:
		if b >= 0x40 && b <= 0x7e {
			a.escState = 0
		}
	}
}

// resetFlushTimer flushes a partial line after 2s of input idle.
func (a *Log) resetFlushTimer() {
	if a.flushTimer != nil {
		a.flushTimer.Stop()
	}
	a.flushTimer = time.AfterFunc(2*time.Second, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if len(a.buf) > 0 {
			a.emitLine()
		}
	})
}

// Close flushes any remaining buffered line and closes the underlying file.
func (a *Log) Close() error {
	a.mu.Lock()
	if a.flushTimer != nil {
		a.flushTimer.Stop()
	}
	if len(a.buf) > 0 {
		a.emitLine()
	}
	a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
