// Package optparse implements the pluggable numbered-menu-option extractor
// described in spec.md §4.12: given the last N rendered screen lines, pull
// out option text in ascending numeric order, skipping description
// continuation lines, separator runs, and footer navigation hints.
package optparse

import (
	"regexp"
	"strconv"
	"strings"
)

// selection caret glyphs the parser recognizes, followed by a regular or
// non-breaking space.
var selectionCarets = []string{"❯", ">"}

// trailing selection glyphs that mark the currently chosen option.
var selectionSuffixes = []string{"✓", "✔"}

var numberedOptionRE = regexp.MustCompile(`^\s*(?:[❯>][ \x{00A0}])?\s*(\d+)[.)]\s+(.*?)\s*(?:[✓✔]\s*)?$`)

// separatorRunRE matches a line made entirely of box-drawing characters
// (and whitespace), used as a menu separator.
var separatorRunRE = regexp.MustCompile(`^[\s\x{2500}-\x{257F}\-=_]+$`)

// footerHintPhrases are substrings that mark a line as navigation help
// rather than an option, e.g. "↑/↓ to navigate · enter to select".
var footerHintPhrases = []string{
	"to navigate", "to select", "to confirm", "to cancel", "esc to", "tab to",
}

// Parse extracts numbered options from lines, in ascending numeric order.
// Continuation lines (indented well past the option's own indent, with no
// leading number) are treated as descriptions and skipped; separator runs
// and footer hints are skipped entirely.
func Parse(lines []string) []string {
	type numbered struct {
		n    int
		text string
	}
	var found []numbered

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		if line == "" {
			continue
		}
		if separatorRunRE.MatchString(line) {
			continue
		}
		if isFooterHint(line) {
			continue
		}
		m := numberedOptionRE.FindStringSubmatch(line)
		if m == nil {
			// Not a numbered line: either a continuation/description line
			// (deeply indented, no number) or unrelated chrome. Both are
			// skipped — the parser only returns lines it recognizes as
			// options.
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, text: strings.TrimSpace(m[2])})
	}

	if len(found) == 0 {
		return nil
	}

	// Stable sort by option number (ascending), matching menu order.
	for i := 1; i < len(found); i++ {
		j := i
		for j > 0 && found[j-1].n > found[j].n {
			found[j-1], found[j] = found[j], found[j-1]
			j--
		}
	}

	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.text
	}
	return out
}

func isFooterHint(line string) bool {
	lower := strings.ToLower(line)
	for _, phrase := range footerHintPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
