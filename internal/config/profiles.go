package config

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed profiles/*.yaml
var builtinProfiles embed.FS

// builtinProfileNames lists the agents spec.md's --agent-config expansion
// ships a ready-made YAML document for; anything else is treated as a
// filesystem path by Load.
var builtinProfileNames = map[string]string{
	"claude":  "profiles/claude.yaml",
	"codex":   "profiles/codex.yaml",
	"cursor":  "profiles/cursor.yaml",
	"gemini":  "profiles/gemini.yaml",
	"generic": "profiles/generic.yaml",
}

// readBuiltinProfile returns the embedded YAML bytes for a bare profile
// name (e.g. "claude"), or ok=false if name isn't one of the built-ins.
func readBuiltinProfile(name string) (data []byte, ok bool, err error) {
	rel, known := builtinProfileNames[name]
	if !known {
		return nil, false, nil
	}
	data, err = fs.ReadFile(builtinProfiles, rel)
	if err != nil {
		return nil, true, fmt.Errorf("read built-in profile %s: %w", name, err)
	}
	return data, true, nil
}
