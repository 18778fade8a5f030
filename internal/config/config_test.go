package config

import "testing"

func TestLoadBuiltinProfile(t *testing.T) {
	m := NewManager()
	if err := m.Load("claude"); err != nil {
		t.Fatalf("Load(claude): %v", err)
	}
	cfg := m.Get()
	if cfg.Agent != "claude" {
		t.Fatalf("agent = %q, want claude", cfg.Agent)
	}
	if cfg.Stop.Mode != "auto" {
		t.Fatalf("stop mode = %q, want auto", cfg.Stop.Mode)
	}
	if cfg.Stop.Schema == nil {
		t.Fatal("expected a schema on the claude profile's auto-mode stop policy")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	m := NewManager()
	if err := m.Load("/nonexistent/path/to/agent-config.yaml"); err != nil {
		t.Fatalf("Load of a missing file should not error: %v", err)
	}
	if mode := m.Get().Stop.Mode; mode != "allow" {
		t.Fatalf("default stop mode = %q, want allow", mode)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	m := NewManager()
	if err := m.Load(""); err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if mode := m.Get().Stop.Mode; mode != "allow" {
		t.Fatalf("default stop mode = %q, want allow", mode)
	}
}

func TestStopModeValue(t *testing.T) {
	cases := map[string]int{"allow": 0, "auto": 1, "gate": 2, "": 0, "bogus": 0}
	for mode, want := range cases {
		p := StopPolicy{Mode: mode}
		if got := p.StopModeValue(); got != want {
			t.Errorf("StopModeValue(%q) = %d, want %d", mode, got, want)
		}
	}
}
