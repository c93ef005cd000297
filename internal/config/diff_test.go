package config_test

import (
	"testing"

	"github.com/cheshiremew/lumina/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Characters: []config.CharacterConfig{
			{Name: "Alice", PersonaPrompt: "kind"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.CharactersChanged {
		t.Error("expected CharactersChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.CharacterChanges) != 0 {
		t.Errorf("expected 0 character changes, got %d", len(d.CharacterChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelInfo}}
	newCfg := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelDebug}}

	d := config.Diff(old, newCfg)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogLevelDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_CharacterPersonaPromptChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Bob", PersonaPrompt: "grumpy"},
		},
	}
	newCfg := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Bob", PersonaPrompt: "cheerful"},
		},
	}

	d := config.Diff(old, newCfg)
	if !d.CharactersChanged {
		t.Error("expected CharactersChanged=true")
	}
	if len(d.CharacterChanges) != 1 {
		t.Fatalf("expected 1 character change, got %d", len(d.CharacterChanges))
	}
	if !d.CharacterChanges[0].PersonaPromptChanged {
		t.Error("expected PersonaPromptChanged=true")
	}
	if d.CharacterChanges[0].TraitsChanged {
		t.Error("expected TraitsChanged=false")
	}
}

func TestDiff_CharacterTraitsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Carol", InitialTraits: config.BigFiveConfig{Openness: 0.3}},
		},
	}
	newCfg := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Carol", InitialTraits: config.BigFiveConfig{Openness: 0.8}},
		},
	}

	d := config.Diff(old, newCfg)
	if !d.CharactersChanged {
		t.Error("expected CharactersChanged=true")
	}
	found := false
	for _, cc := range d.CharacterChanges {
		if cc.Name == "Carol" && cc.TraitsChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected Carol's TraitsChanged=true")
	}
}

func TestDiff_CharacterAdded(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Eve"},
		},
	}
	newCfg := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Eve"},
			{Name: "Frank"},
		},
	}

	d := config.Diff(old, newCfg)
	if !d.CharactersChanged {
		t.Error("expected CharactersChanged=true")
	}
	found := false
	for _, cc := range d.CharacterChanges {
		if cc.Name == "Frank" && cc.Added {
			found = true
		}
	}
	if !found {
		t.Error("expected Frank Added=true")
	}
}

func TestDiff_CharacterRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Grace"},
			{Name: "Hank"},
		},
	}
	newCfg := &config.Config{
		Characters: []config.CharacterConfig{
			{Name: "Grace"},
		},
	}

	d := config.Diff(old, newCfg)
	if !d.CharactersChanged {
		t.Error("expected CharactersChanged=true")
	}
	found := false
	for _, cc := range d.CharacterChanges {
		if cc.Name == "Hank" && cc.Removed {
			found = true
		}
	}
	if !found {
		t.Error("expected Hank Removed=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Characters: []config.CharacterConfig{
			{Name: "A", PersonaPrompt: "p1"},
			{Name: "B"},
		},
	}
	newCfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelWarn},
		Characters: []config.CharacterConfig{
			{Name: "A", PersonaPrompt: "p2"},
			{Name: "C"},
		},
	}

	d := config.Diff(old, newCfg)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.CharactersChanged {
		t.Error("expected CharactersChanged=true")
	}
	// A: persona changed, B: removed, C: added
	changes := make(map[string]config.CharacterDiff)
	for _, cc := range d.CharacterChanges {
		changes[cc.Name] = cc
	}
	if !changes["A"].PersonaPromptChanged {
		t.Error("expected A PersonaPromptChanged=true")
	}
	if !changes["B"].Removed {
		t.Error("expected B Removed=true")
	}
	if !changes["C"].Added {
		t.Error("expected C Added=true")
	}
}
