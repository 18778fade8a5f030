package detect

import (
	"context"
	"strings"
	"time"

	"github.com/coopdev/coop/internal/agentstate"
)

// OptionParser extracts numbered menu options from rendered screen lines
// (see internal/optparse). Accepted here as a function value so this
// package doesn't need to import the parser's implementation details.
type OptionParser func(lines []string) []string

// DialogSignature is a known per-agent dialog: it fires only when at least
// MinPhrases of Phrases co-occur in the snapshot, avoiding false positives
// from a single generic word appearing on screen.
type DialogSignature struct {
	Kind       agentstate.PromptKind
	Phrases    []string
	MinPhrases int
}

// defaultIdleGlyphs are the phrases ScraperDetector.IdleGlyphs defaults to:
// substrings that, alone, indicate the agent is sitting at an idle prompt.
var defaultIdleGlyphs = []string{"Waiting for input", "Press any key"}

// ScraperDetector is Tier 5: calls Snapshot at two cadences (fast during
// the startup window, slow afterward) and classifies the rendered screen
// for idle-prompt glyphs, known dialog signatures, and option menus.
// Grounded on internal/egg/vterm.go's snapshot rendering plus spec.md
// §4.4/§4.12's option-parser contract.
type ScraperDetector struct {
	Snapshot     func() []string
	Signatures   []DialogSignature
	IdleGlyphs   []string
	ParseOptions OptionParser

	FastInterval time.Duration
	SlowInterval time.Duration
	StartupWindow time.Duration
}

// NewScraperDetector builds a Tier-5 detector. snapshot returns the current
// visible screen lines (plain text).
func NewScraperDetector(snapshot func() []string, parseOptions OptionParser, sigs []DialogSignature) *ScraperDetector {
	return &ScraperDetector{
		Snapshot:      snapshot,
		Signatures:    sigs,
		IdleGlyphs:    defaultIdleGlyphs,
		ParseOptions:  parseOptions,
		FastInterval:  200 * time.Millisecond,
		SlowInterval:  2 * time.Second,
		StartupWindow: 10 * time.Second,
	}
}

func (s *ScraperDetector) Tier() int { return 5 }

func (s *ScraperDetector) Run(ctx context.Context, out chan<- agentstate.Detected) {
	start := time.Now()
	for {
		interval := s.SlowInterval
		if time.Since(start) < s.StartupWindow {
			interval = s.FastInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		lines := s.Snapshot()
		if state, cause, ok := s.classify(lines); ok {
			select {
			case out <- agentstate.Detected{State: state, Tier: s.Tier(), Cause: cause}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *ScraperDetector) classify(lines []string) (agentstate.State, string, bool) {
	joined := strings.Join(lines, "\n")

	for _, sig := range s.Signatures {
		hits := 0
		for _, phrase := range sig.Phrases {
			if strings.Contains(joined, phrase) {
				hits++
			}
		}
		min := sig.MinPhrases
		if min <= 0 {
			min = 2
		}
		if hits >= min {
			ctx := agentstate.PromptContext{Kind: sig.Kind, ScreenLines: lines, Ready: true}
			if s.ParseOptions != nil {
				opts := s.ParseOptions(lines)
				ctx.Options = opts
				ctx.OptionsFallback = len(opts) == 0
			} else {
				ctx.OptionsFallback = true
			}
			return agentstate.NewPrompt(ctx), "scraper:dialog", true
		}
	}

	for _, glyph := range s.IdleGlyphs {
		if strings.Contains(joined, glyph) {
			return agentstate.NewWaitingForInput(), "scraper:idle_glyph", true
		}
	}

	return agentstate.State{}, "", false
}
