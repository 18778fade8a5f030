// Package config loads the agent-config YAML file the --agent-config flag
// points at: the agent's stop-hook policy, start-hook shell snippet, and
// detector tuning.
//
// Grounded on the teacher's internal/config/config.go Manager (separate
// user/project layers merged field-by-field) and wing.go's YAML
// load/save idiom, generalized from UI/LLM settings to coop's hook policy.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StopPolicy configures the three-mode stop-hook gate.
type StopPolicy struct {
	Mode   string         `yaml:"mode"` // "allow" | "auto" | "gate"
	Prompt string         `yaml:"prompt,omitempty"`
	Schema map[string]any `yaml:"schema,omitempty"`
}

// StartOverride is a per-hook-event override of the top-level start snippet.
type StartOverride struct {
	Text  string   `yaml:"text,omitempty"`
	Shell []string `yaml:"shell,omitempty"`
}

// StartPolicy configures the start-hook's injected shell snippet.
type StartPolicy struct {
	Text    string                   `yaml:"text,omitempty"`
	Shell   []string                 `yaml:"shell,omitempty"`
	ByEvent map[string]StartOverride `yaml:"by_event,omitempty"`
}

// DetectorConfig tunes the optional file-backed detectors.
type DetectorConfig struct {
	HookPath       string `yaml:"hook_path,omitempty"`
	TranscriptPath string `yaml:"transcript_path,omitempty"`
}

// AgentConfig is the top-level shape of the --agent-config YAML file.
type AgentConfig struct {
	Agent     string         `yaml:"agent,omitempty"`
	Stop      StopPolicy     `yaml:"stop,omitempty"`
	Start     StartPolicy    `yaml:"start,omitempty"`
	Detectors DetectorConfig `yaml:"detectors,omitempty"`
}

// Manager merges a built-in default config with a file loaded from disk, the
// same user/project-layer pattern the teacher's Manager used for settings.json.
type Manager struct {
	fileConfig *AgentConfig
	merged     *AgentConfig
}

func NewManager() *Manager {
	return &Manager{fileConfig: &AgentConfig{}, merged: &AgentConfig{}}
}

// Load resolves path as either a bare built-in profile name ("claude",
// "codex", "cursor", "gemini", "generic") or a filesystem path to a YAML
// file, and merges whichever it finds over defaults. A missing file (and
// an empty path) is not an error — coop runs with defaults in that case.
func (m *Manager) Load(path string) error {
	if path == "" {
		m.mergeDefaults()
		return nil
	}

	if data, ok, err := readBuiltinProfile(path); ok {
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, m.fileConfig); err != nil {
			return fmt.Errorf("parse built-in profile %s: %w", path, err)
		}
		m.mergeDefaults()
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.mergeDefaults()
			return nil
		}
		return fmt.Errorf("read agent config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, m.fileConfig); err != nil {
		return fmt.Errorf("parse agent config %s: %w", path, err)
	}
	m.mergeDefaults()
	return nil
}

func (m *Manager) mergeDefaults() {
	merged := *m.fileConfig
	if merged.Stop.Mode == "" {
		merged.Stop.Mode = "allow"
	}
	m.merged = &merged
}

// Get returns the merged effective config.
func (m *Manager) Get() *AgentConfig {
	return m.merged
}

// StopModeValue maps the YAML mode string onto store.StopMode's int values
// (Allow=0, Auto=1, Gate=2, matching the original implementation's StopMode
// enum order) without importing store (avoids a config -> store -> config
// cycle risk); callers translate via the returned int.
func (c *StopPolicy) StopModeValue() int {
	switch c.Mode {
	case "auto":
		return 1
	case "gate":
		return 2
	default:
		return 0
	}
}
