package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/coopdev/coop/internal/agentstate"
)

// transcriptLine is the subset of a JSONL transcript entry this detector
// understands. Unknown types are ignored, matching spec.md §4.4's "absence
// of new lines ... unchanged" tolerance.
type transcriptLine struct {
	Type string `json:"type"`
}

// TranscriptDetector is Tier 2: tails the child's on-disk JSONL session log
// from a starting byte offset, using fsnotify to wake on writes instead of
// polling. Declared but unused in the teacher's go.mod; wired here for its
// natural purpose.
type TranscriptDetector struct {
	path    string
	startAt int64
}

// NewTranscriptDetector builds a Tier-2 detector tailing path starting at
// byte offset startAt (0 unless resuming a prior run via --resume).
func NewTranscriptDetector(path string, startAt int64) *TranscriptDetector {
	return &TranscriptDetector{path: path, startAt: startAt}
}

func (t *TranscriptDetector) Tier() int { return 2 }

func (t *TranscriptDetector) Run(ctx context.Context, out chan<- agentstate.Detected) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("transcript detector: fsnotify unavailable, detector disabled", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(t.path); err != nil {
		slog.Warn("transcript detector: watch failed, tier silently idle", "path", t.path, "error", err)
		// The watch is not retried: if the file does not exist yet at
		// startup, this tier emits nothing beyond the initial drain.
	}

	offset := t.startAt
	offset = t.drain(offset, out)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				offset = t.drain(offset, out)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("transcript detector: watcher error", "error", err)
		}
	}
}

// drain reads any new lines appended since offset, returning the new
// offset.
func (t *TranscriptDetector) drain(offset int64, out chan<- agentstate.Detected) int64 {
	f, err := os.Open(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("transcript detector: open failed", "error", err)
		}
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		slog.Warn("transcript detector: seek failed", "error", err)
		return offset
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	newOffset := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		newOffset += int64(len(line)) + 1
		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue
		}
		if state, cause, ok := translateTranscriptLine(tl); ok {
			out <- agentstate.Detected{State: state, Tier: 2, Cause: cause}
		}
	}
	return newOffset
}

func translateTranscriptLine(tl transcriptLine) (agentstate.State, string, bool) {
	switch tl.Type {
	case "tool_result", "tool_use":
		return agentstate.NewWorking(), "transcript:" + tl.Type, true
	default:
		return agentstate.State{}, "", false
	}
}
