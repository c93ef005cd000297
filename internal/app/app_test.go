package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cheshiremew/lumina/internal/app"
	"github.com/cheshiremew/lumina/internal/config"
	memorymock "github.com/cheshiremew/lumina/pkg/memory/mock"
	llmmock "github.com/cheshiremew/lumina/pkg/provider/llm/mock"
)

// testConfig returns a minimal config with one character for tests.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Characters: []config.CharacterConfig{
			{
				Name:          "Mira",
				PersonaPrompt: "A warm, curious companion.",
			},
		},
	}
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := testProviders()
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graph := &memorymock.GraphStore{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graph),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
	if len(application.Characters()) != 1 {
		t.Errorf("Characters() len = %d, want 1", len(application.Characters()))
	}
	if application.LLM() == nil {
		t.Error("LLM() should not be nil when an LLM provider is configured")
	}
}

func TestNew_NoCharacters(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Characters = nil

	providers := testProviders()
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graph := &memorymock.GraphStore{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graph),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if len(application.Characters()) != 0 {
		t.Errorf("Characters() len = %d, want 0", len(application.Characters()))
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := testProviders()
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graph := &memorymock.GraphStore{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graph),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := testProviders()
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graph := &memorymock.GraphStore{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graph),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}
}

func TestNew_WiresGraphComponentsWhenGraphStoreAvailable(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := testProviders()
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graphStore := &memorymock.GraphStore{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graphStore),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if application.Resolver() == nil {
		t.Error("Resolver() should not be nil when a graph store is configured")
	}
	if application.GraphWriter() == nil {
		t.Error("GraphWriter() should not be nil when a graph store is configured")
	}
	if application.GraphCurator() == nil {
		t.Error("GraphCurator() should not be nil when a graph store is configured")
	}
	if application.VectorStore() == nil {
		t.Error("VectorStore() should not be nil when an episodic store is configured")
	}
	if application.MemoryCore() == nil {
		t.Error("MemoryCore() should not be nil when a conversation store is configured")
	}
	if application.Dreaming() == nil {
		t.Error("Dreaming() should not be nil when an LLM provider and memory store are configured")
	}
	if application.Chat() == nil {
		t.Error("Chat() should not be nil when an LLM provider and memory store are configured")
	}
	if application.Proactive() == nil {
		t.Error("Proactive() should not be nil when the Chat Orchestrator is configured")
	}
}

func TestNew_NoDreamingChatProactiveWithoutLLM(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	providers := &app.Providers{} // no LLM provider
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graphStore := &memorymock.GraphStore{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graphStore),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if application.Dreaming() != nil {
		t.Error("Dreaming() should be nil without an LLM provider")
	}
	if application.Chat() != nil {
		t.Error("Chat() should be nil without an LLM provider")
	}
	if application.Proactive() != nil {
		t.Error("Proactive() should be nil without a Chat Orchestrator")
	}
}

func TestNew_NoGraphComponentsWithoutGraphStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Characters = nil // avoid the missing-DSN error path
	providers := testProviders()

	application, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if application.Resolver() != nil {
		t.Error("Resolver() should be nil without a graph store")
	}
	if application.GraphWriter() != nil {
		t.Error("GraphWriter() should be nil without a graph store")
	}
	if application.GraphCurator() != nil {
		t.Error("GraphCurator() should be nil without a graph store")
	}
	if application.VectorStore() != nil {
		t.Error("VectorStore() should be nil without an episodic store")
	}
	if application.MemoryCore() != nil {
		t.Error("MemoryCore() should be nil without a conversation store")
	}
}

func TestNew_MissingDSNWithCharactersFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig() // has one character, no memory.postgres_dsn, no injected stores
	providers := testProviders()

	_, err := app.New(context.Background(), cfg, providers)
	if err == nil {
		t.Fatal("expected error when characters are configured without a memory store")
	}
}

func TestNew_LoadsCharacterStateWhenDataDirConfigured(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Characters[0].DataDir = t.TempDir()
	cfg.Characters[0].InitialRelationshipLevel = 2

	providers := testProviders()
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graph := &memorymock.GraphStore{}

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graph),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	characters := application.Characters()
	if len(characters) != 1 {
		t.Fatalf("Characters() len = %d, want 1", len(characters))
	}
	if characters[0].State == nil {
		t.Fatal("State should be populated when DataDir is configured")
	}
	profile := characters[0].State.Profile()
	if profile.Relationship.Level != 2 {
		t.Errorf("Relationship.Level = %d, want 2 (seeded from config)", profile.Relationship.Level)
	}
	if profile.State.EnergyLevel != 100 {
		t.Errorf("EnergyLevel = %d, want 100 (default seed)", profile.State.EnergyLevel)
	}
}

func TestNew_InvalidDataDirFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	// A regular file cannot be used as a character's data directory.
	cfg.Characters[0].DataDir = filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(cfg.Characters[0].DataDir, []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to seed test file: %v", err)
	}

	providers := testProviders()
	conversations := &memorymock.ConversationStore{}
	episodic := &memorymock.EpisodicStore{}
	graph := &memorymock.GraphStore{}

	_, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithConversationStore(conversations),
		app.WithEpisodicStore(episodic),
		app.WithGraphStore(graph),
	)
	if err == nil {
		t.Fatal("expected error when a character's data_dir cannot be created")
	}
}
