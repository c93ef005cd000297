package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" && len(cfg.Characters) > 0 {
		slog.Warn("no LLM provider configured; characters will not be able to chat, dream, or evolve")
	}

	// Embeddings ↔ memory dimensions
	if cfg.Memory.EmbeddingDimensions != 0 && cfg.Memory.EmbeddingDimensions != 384 {
		slog.Warn("memory.embedding_dimensions does not match the spec's fixed dimension (384); proceeding with the configured value",
			"embedding_dimensions", cfg.Memory.EmbeddingDimensions)
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" && len(cfg.Characters) > 0 {
		slog.Warn("memory.postgres_dsn is empty; long-term memory will not be available for any character")
	}

	// Character duplicate name detection
	namesSeen := make(map[string]int, len(cfg.Characters))
	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[ch.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of characters[%d]", prefix, ch.Name, prev))
			}
			namesSeen[ch.Name] = i
		}

		if ch.InitialRelationshipLevel < -3 || ch.InitialRelationshipLevel > 5 {
			errs = append(errs, fmt.Errorf("%s.initial_relationship_level %d is out of range [-3, 5]", prefix, ch.InitialRelationshipLevel))
		}

		for _, trait := range []struct {
			name string
			v    float64
		}{
			{"openness", ch.InitialTraits.Openness},
			{"conscientiousness", ch.InitialTraits.Conscientiousness},
			{"extraversion", ch.InitialTraits.Extraversion},
			{"agreeableness", ch.InitialTraits.Agreeableness},
			{"neuroticism", ch.InitialTraits.Neuroticism},
		} {
			if trait.v != 0 && (trait.v < 0 || trait.v > 1) {
				errs = append(errs, fmt.Errorf("%s.initial_traits.%s %.2f is out of range [0, 1]", prefix, trait.name, trait.v))
			}
		}
	}

	// Dreaming thresholds
	if cfg.Dreaming.ExtractionThreshold < 0 {
		errs = append(errs, fmt.Errorf("dreaming.extraction_threshold must be >= 0"))
	}
	if cfg.Dreaming.ConsolidationThreshold < 0 {
		errs = append(errs, fmt.Errorf("dreaming.consolidation_threshold must be >= 0"))
	}

	// Graph curator
	if cfg.GraphCurator.PruneThreshold < 0 || cfg.GraphCurator.PruneThreshold > 1 {
		errs = append(errs, fmt.Errorf("graph_curator.prune_threshold %.2f is out of range [0, 1]", cfg.GraphCurator.PruneThreshold))
	}

	// Chat history overflow strategy
	switch cfg.Chat.HistoryOverflow {
	case "", "slide", "reset":
	default:
		errs = append(errs, fmt.Errorf("chat.history_overflow %q is invalid; valid values: slide, reset", cfg.Chat.HistoryOverflow))
	}

	// Tooling — web_search server (optional; only required if Dreaming.WebSearchEnabled)
	ws := cfg.Tooling.WebSearch
	if cfg.Dreaming.WebSearchEnabled {
		if ws.Command == "" && ws.URL == "" {
			errs = append(errs, fmt.Errorf("tooling.web_search requires command or url when dreaming.web_search_enabled is true"))
		}
	}
	if ws.Command != "" && ws.URL != "" {
		errs = append(errs, fmt.Errorf("tooling.web_search: command and url are mutually exclusive"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
