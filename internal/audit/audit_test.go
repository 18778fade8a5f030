package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestLog(buf *bytes.Buffer) *Log {
	return &Log{w: buf, now: func() time.Time { return time.Unix(0, 0) }}
}

func TestWriteEmitsLineOnEnter(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLog(&buf)

	l.Write([]byte("hello\r"))

	got := buf.String()
	if !strings.Contains(got, "\thello\n") {
		t.Fatalf("output = %q, want a line containing %q", got, "\thello\n")
	}
}

func TestWriteHandlesBackspace(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLog(&buf)

	l.Write([]byte("helllo\x7f\r")) // trailing typo corrected with backspace

	got := buf.String()
	if !strings.Contains(got, "\thelllo\n") {
		// one backspace removes the final "o", leaving "helll", then Enter.
	}
	if !strings.Contains(got, "\thelll\n") {
		t.Fatalf("output = %q, want a line containing %q", got, "\thelll\n")
	}
}

func TestWriteSkipsEscapeSequences(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLog(&buf)

	// ESC [ A is a cursor-up CSI sequence; should be swallowed entirely.
	l.Write([]byte("ab\x1b[Acd\r"))

	got := buf.String()
	if !strings.Contains(got, "\tabcd\n") {
		t.Fatalf("output = %q, want escape sequence stripped to %q", got, "\tabcd\n")
	}
}

func TestWriteMarksCtrlC(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLog(&buf)

	l.Write([]byte("partial\x03"))

	got := buf.String()
	if !strings.Contains(got, "\tpartial^C\n") {
		t.Fatalf("output = %q, want a line containing %q", got, "\tpartial^C\n")
	}
}

func TestCloseFlushesPartialLine(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLog(&buf)

	l.Write([]byte("unterminated"))
	if buf.Len() != 0 {
		t.Fatalf("expected no output before Close/flush, got %q", buf.String())
	}

	l.Close()

	if !strings.Contains(buf.String(), "\tunterminated\n") {
		t.Fatalf("output after Close = %q, want flushed partial line", buf.String())
	}
}
