// Package groom implements --groom pristine's before/after snapshotting of
// an agent's on-disk config files, so a session can run against a clean
// config and leave the operator's own settings untouched.
//
// Grounded on the teacher's internal/egg/snapshot.go (SnapshotAgentConfig /
// ConfigSnapshot.Restore), generalized from wingthing's three hardcoded
// agents to coop's agent-profile set.
package groom

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// agentConfigFiles maps agent names to the config files --groom pristine
// snapshots and restores, relative to $HOME.
var agentConfigFiles = map[string][]string{
	"claude": {"~/.claude/settings.json"},
	"codex":  {"~/.codex/config.json"},
	"cursor": {"~/.cursor/settings.json"},
	"gemini": {"~/.gemini/settings.json"},
}

// Snapshot holds copies of an agent's config files taken before a session.
type Snapshot struct {
	files map[string][]byte // path -> original content (nil = didn't exist)
}

// Take reads the given agent's critical config files and saves their
// contents. Returns nil if the agent has no known config files or $HOME
// cannot be resolved, in which case Restore is a no-op.
func Take(agent string) *Snapshot {
	paths, ok := agentConfigFiles[agent]
	if !ok {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("groom: could not resolve home directory, skipping snapshot", "error", err)
		return nil
	}

	snap := &Snapshot{files: make(map[string][]byte, len(paths))}
	for _, p := range paths {
		abs := expandTilde(p, home)
		data, err := os.ReadFile(abs)
		if err != nil {
			snap.files[abs] = nil
		} else {
			snap.files[abs] = data
		}
	}
	return snap
}

// Restore reverts config files to their pre-session state: files the agent
// created are removed, files it modified are rewritten back to their
// original contents.
func (s *Snapshot) Restore() {
	if s == nil {
		return
	}
	for path, data := range s.files {
		if data == nil {
			if _, err := os.Stat(path); err == nil {
				slog.Info("groom: removing agent-created config", "path", path)
				if err := os.Remove(path); err != nil {
					slog.Warn("groom: failed to remove agent-created config", "path", path, "error", err)
				}
			}
			continue
		}
		current, err := os.ReadFile(path)
		if err != nil || string(current) != string(data) {
			slog.Info("groom: restoring config", "path", path)
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				slog.Warn("groom: failed to prepare config directory", "path", path, "error", err)
				continue
			}
			if err := os.WriteFile(path, data, 0600); err != nil {
				slog.Warn("groom: failed to restore config", "path", path, "error", err)
			}
		}
	}
}

func expandTilde(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	if path == "~" {
		return home
	}
	return path
}
