// Package app wires all Lumina subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main processing loop, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithConversationStore, WithGraphStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cheshiremew/lumina/internal/character"
	"github.com/cheshiremew/lumina/internal/chat"
	"github.com/cheshiremew/lumina/internal/config"
	"github.com/cheshiremew/lumina/internal/dreaming"
	"github.com/cheshiremew/lumina/internal/entityresolve"
	"github.com/cheshiremew/lumina/internal/graph"
	"github.com/cheshiremew/lumina/internal/memorycore"
	"github.com/cheshiremew/lumina/internal/proactive"
	"github.com/cheshiremew/lumina/internal/resilience"
	"github.com/cheshiremew/lumina/internal/tooling"
	"github.com/cheshiremew/lumina/internal/vectorstore"
	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/memory/postgres"
	"github.com/cheshiremew/lumina/pkg/provider/embeddings"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// CharacterRuntime bundles what a single configured character needs at
// runtime: its ID, its static config, and its Character State manager. All
// characters in one deployment share the same Postgres store and are
// logically partitioned by CharacterID.
type CharacterRuntime struct {
	ID     string
	Config config.CharacterConfig
	State  *character.Manager
}

// App owns all subsystem lifetimes and wires the memory pipeline, tool
// manifest, and resilience layer together for every configured character.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	conversations memory.ConversationStore
	episodic      memory.EpisodicStore
	graph         memory.GraphStore
	tools         *tooling.Manifest
	llmFallback   *resilience.LLMFallback
	resolver      *entityresolve.Resolver
	graphWriter   *graph.Writer
	graphCurator  *graph.Curator
	vectorStore   *vectorstore.Store
	memoryCore    *memorycore.Core
	dreaming      *dreaming.Scheduler
	proactive     *proactive.Loop
	chat          *chat.Orchestrator
	characters    []CharacterRuntime

	// closers are called in reverse registration order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConversationStore injects an L1 conversation store instead of creating
// one from config.
func WithConversationStore(s memory.ConversationStore) Option {
	return func(a *App) { a.conversations = s }
}

// WithEpisodicStore injects an L2 episodic store instead of creating one
// from config.
func WithEpisodicStore(s memory.EpisodicStore) Option {
	return func(a *App) { a.episodic = s }
}

// WithGraphStore injects an L3 graph store instead of creating one from
// config.
func WithGraphStore(g memory.GraphStore) Option {
	return func(a *App) { a.graph = g }
}

// WithTooling injects a tool manifest instead of creating one from config.
func WithTooling(m *tooling.Manifest) Option {
	return func(a *App) { a.tools = m }
}

// WithResolver injects an entity resolver instead of creating one from config.
func WithResolver(r *entityresolve.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: memory store connection,
// tool manifest construction, LLM resilience wrapping, and character
// enumeration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Memory store ───────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Tooling manifest ────────────────────────────────────────────────
	a.initTooling()

	// ── 3. LLM resilience wrapping ─────────────────────────────────────────
	a.initLLMFallback()

	// ── 4. Entity resolver + graph writer/curator ─────────────────────────
	a.initGraph()

	// ── 5. Vector store (hybrid retrieval) ─────────────────────────────────
	a.initVectorStore()

	// ── 6. Memory Core façade ───────────────────────────────────────────────
	a.initMemoryCore()

	// ── 7. Characters ──────────────────────────────────────────────────────
	if err := a.initCharacters(); err != nil {
		return nil, fmt.Errorf("app: init characters: %w", err)
	}

	// ── 8. Dreaming Scheduler ──────────────────────────────────────────────
	a.initDreaming()

	// ── 9. Chat Orchestrator ────────────────────────────────────────────────
	a.initChat()

	// ── 10. Proactive Loop ───────────────────────────────────────────────────
	a.initProactive()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory sets up the PostgreSQL memory store or uses injected mocks.
func (a *App) initMemory(ctx context.Context) error {
	if a.conversations != nil && a.episodic != nil && a.graph != nil {
		return nil // fully injected
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		if len(a.cfg.Characters) > 0 {
			return fmt.Errorf("memory.postgres_dsn is required when characters are configured and memory stores are not injected")
		}
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = 384 // the fixed dimension config.Validate checks against
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}

	if a.conversations == nil {
		a.conversations = store.L1()
	}
	if a.episodic == nil {
		a.episodic = store.L2()
	}
	if a.graph == nil {
		a.graph = store.L3()
	}

	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initTooling constructs the web_search tool manifest when a server is
// configured. The manifest is handed to the Chat Orchestrator; no Dreaming
// phase uses it.
func (a *App) initTooling() {
	if a.tools != nil {
		return
	}
	srv := a.cfg.Tooling.WebSearch
	if srv.Command == "" && srv.URL == "" {
		return
	}
	a.tools = tooling.NewManifest(tooling.ServerConfig{
		Name:    srv.Name,
		Command: srv.Command,
		Args:    srv.Args,
		URL:     srv.URL,
	}, slog.Default())
	a.closers = append(a.closers, a.tools.Close)
}

// initLLMFallback wraps the configured LLM provider in a [resilience.LLMFallback]
// so that a provider outage degrades gracefully instead of failing every chat
// turn. Only the Chat Orchestrator uses the wrapped provider; the Dreaming
// Scheduler and Graph Curator call the raw provider behind their own
// circuit breakers.
func (a *App) initLLMFallback() {
	if a.providers == nil || a.providers.LLM == nil {
		return
	}
	a.llmFallback = resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{})
}

// initGraph builds the entity resolver and the graph writer/curator that sit
// on top of it. Skipped entirely when no graph store is configured (e.g. a
// minimal deployment with no characters).
func (a *App) initGraph() {
	if a.graph == nil {
		return
	}

	if a.resolver == nil {
		opts := []entityresolve.Option{
			entityresolve.WithPhoneticFallback(a.cfg.EntityResolution.PhoneticFallbackEnabled),
		}
		if a.cfg.EntityResolution.SimilarityThreshold > 0 {
			opts = append(opts, entityresolve.WithSimilarityThreshold(a.cfg.EntityResolution.SimilarityThreshold))
		}
		a.resolver = entityresolve.New(a.graph, a.providerEmbeddings(), a.cfg.EntityResolution.AliasMap, opts...)
	}

	a.graphWriter = graph.NewWriter(a.graph, a.resolver)

	a.graphCurator = graph.NewCurator(a.graph, a.providerLLM(), graph.CuratorConfig{
		DecayInterval:              time.Duration(a.cfg.GraphCurator.DecayIntervalHours) * time.Hour,
		PruneThreshold:             a.cfg.GraphCurator.PruneThreshold,
		ConflictArbitrationEnabled: a.cfg.GraphCurator.ConflictArbitrationEnabled,
		ConflictClusterSimilarity:  a.cfg.GraphCurator.ConflictClusterSimilarity,
	})
}

// initVectorStore builds the hybrid-retrieval vector store on top of the L2
// episodic store and (if present) the L3 graph store. Skipped entirely when
// no episodic store is configured.
func (a *App) initVectorStore() {
	if a.episodic == nil {
		return
	}
	a.vectorStore = vectorstore.New(a.episodic, a.graph)
}

// initMemoryCore builds the Memory Core façade on top of the L1
// conversation store and the vector store. Skipped when no conversation
// store is configured.
func (a *App) initMemoryCore() {
	if a.conversations == nil {
		return
	}
	a.memoryCore = memorycore.New(a.conversations, a.vectorStore, memorycore.WithEmbedder(a.providerEmbeddings()))
}

// providerEmbeddings returns the configured embeddings provider, or nil.
func (a *App) providerEmbeddings() embeddings.Provider {
	if a.providers == nil {
		return nil
	}
	return a.providers.Embeddings
}

// providerLLM returns the configured raw LLM provider (not the resilience
// wrapper), or nil. The curator and Dreaming Scheduler use the raw provider
// directly: both already wrap their own arbitration/extraction calls in a
// dedicated [resilience.CircuitBreaker], so a second breaker underneath would
// only double-count failures.
func (a *App) providerLLM() llm.Provider {
	if a.providers == nil {
		return nil
	}
	return a.providers.LLM
}

// providerLLMResilient returns the fallback-wrapped LLM provider for paths
// with no circuit breaker of their own — currently the Chat Orchestrator's
// live turn path, the one most exposed to a transient provider outage.
func (a *App) providerLLMResilient() llm.Provider {
	if a.llmFallback == nil {
		return nil
	}
	return a.llmFallback
}

// initCharacters enumerates the configured characters into runtime handles,
// loading (or seeding) each one's Character State from its data directory.
// Character IDs are derived from the configured name; memory store rows are
// partitioned by this ID.
func (a *App) initCharacters() error {
	characters := make([]CharacterRuntime, 0, len(a.cfg.Characters))
	for _, cc := range a.cfg.Characters {
		runtime := CharacterRuntime{
			ID:     cc.Name,
			Config: cc,
		}
		if cc.DataDir != "" {
			seed := character.Profile{
				Name:        cc.Name,
				Description: cc.PersonaPrompt,
				BigFive: character.BigFive{
					Openness:          cc.InitialTraits.Openness,
					Conscientiousness: cc.InitialTraits.Conscientiousness,
					Extraversion:      cc.InitialTraits.Extraversion,
					Agreeableness:     cc.InitialTraits.Agreeableness,
					Neuroticism:       cc.InitialTraits.Neuroticism,
				},
				Relationship: character.Relationship{Level: cc.InitialRelationshipLevel},
			}
			mgr, err := character.NewManager(cc.DataDir, seed)
			if err != nil {
				return fmt.Errorf("character %q: %w", cc.Name, err)
			}
			runtime.State = mgr
		}
		characters = append(characters, runtime)
	}
	a.characters = characters
	if len(characters) == 0 {
		slog.Warn("no characters configured")
	}
	return nil
}

// characterLookup resolves a character ID to its [character.Manager],
// shared by the Dreaming Scheduler, Chat Orchestrator, and Proactive Loop so
// all three see the same in-process character state handles.
func (a *App) characterLookup(characterID string) (*character.Manager, bool) {
	for _, c := range a.characters {
		if c.ID == characterID && c.State != nil {
			return c.State, true
		}
	}
	return nil, false
}

// initDreaming builds the Dreaming Scheduler on top of the Memory Core,
// Vector Store, and (optionally) Graph Writer. Skipped entirely when either
// the Memory Core or an LLM provider is unavailable: extraction,
// consolidation, and evolution all require the LM.
func (a *App) initDreaming() {
	if a.memoryCore == nil || a.providerLLM() == nil {
		return
	}

	d := a.cfg.Dreaming
	a.dreaming = dreaming.New(
		a.memoryCore,
		a.vectorStore,
		a.graphWriter,
		a.providerLLM(),
		a.providerEmbeddings(),
		a.characterLookup,
		dreaming.Config{
			ExtractionThreshold:       d.ExtractionThreshold,
			ExtractionBatchSize:       d.ExtractionBatchSize,
			ConsolidationThreshold:    d.ConsolidationThreshold,
			ConsolidationFetchLimit:   d.ConsolidationFetchLimit,
			BatchConsolidationEnabled: d.BatchConsolidationEnabled,
		},
	)
	if d.BatchClusterMinSize > 0 {
		a.dreaming.BatchManager().Configure(dreaming.WithBatchClusterMinSize(d.BatchClusterMinSize))
	}
	if d.BatchClusterMaxDistance > 0 {
		a.dreaming.BatchManager().Configure(dreaming.WithBatchClusterMaxDistance(d.BatchClusterMaxDistance))
	}

	// Phase 2b (spec §4.6's Batch Consolidator) is driven by clusters the
	// Vector Store observes during SearchHybrid; the Scheduler owns the
	// BatchManager but can only exist once the Store is already built, so
	// the observer is attached after the fact rather than passed as a
	// construction-time vectorstore.Option.
	if d.BatchConsolidationEnabled && a.vectorStore != nil {
		a.vectorStore.SetClusterObserver(a.dreaming.BatchManager().Observe)
	}
}

// initChat builds the Chat Orchestrator on top of the Memory Core. Skipped
// when either the Memory Core or an LLM provider is unavailable. Chat is the
// only live-turn path with no circuit breaker of its own, so it runs through
// the fallback-wrapped provider rather than the raw one.
func (a *App) initChat() {
	if a.memoryCore == nil || a.providerLLM() == nil {
		return
	}

	c := a.cfg.Chat
	overflow := chat.OverflowSlide
	if c.HistoryOverflow == "reset" {
		overflow = chat.OverflowReset
	}

	a.chat = chat.New(
		a.memoryCore,
		a.providerLLMResilient(),
		a.providerEmbeddings(),
		a.characterLookup,
		a.tools,
		chat.Config{
			HistoryLimit:         c.HistoryLimit,
			FreeTierHistoryLimit: c.FreeTierHistoryLimit,
			SummarizeKeepLast:    c.SummarizeKeepLast,
			HistoryOverflow:      overflow,
			RAGLimit:             c.RAGLimit,
		},
	)
}

// initProactive builds the Proactive Loop over every character with a
// loaded Character State. Skipped when the Chat Orchestrator (the trigger's
// target) is unavailable, since a push conversation has nowhere to stream
// to.
func (a *App) initProactive() {
	if a.chat == nil {
		return
	}

	handles := make([]proactive.CharacterHandle, 0, len(a.characters))
	for _, c := range a.characters {
		handles = append(handles, proactive.CharacterHandle{ID: c.ID, State: c.State})
	}

	thresholds := config.DefaultIdleThresholdSeconds
	if len(a.cfg.Proactive.IdleThresholdSeconds) > 0 {
		merged := make(map[int]int, len(config.DefaultIdleThresholdSeconds))
		for level, seconds := range config.DefaultIdleThresholdSeconds {
			merged[level] = seconds
		}
		for level, seconds := range a.cfg.Proactive.IdleThresholdSeconds {
			merged[level] = seconds
		}
		thresholds = merged
	}

	a.proactive = proactive.New(handles, thresholds, a.proactiveTrigger)
}

// proactiveTrigger drains a proactive turn's token stream to completion; the
// Chat Orchestrator itself owns appending the result to session history and
// the L1 conversation log, so the trigger has nothing left to do with the
// tokens once they have been forwarded.
func (a *App) proactiveTrigger(ctx context.Context, characterID, reason string) error {
	stream, err := a.chat.StreamProactive(ctx, characterID, reason)
	if err != nil {
		return err
	}
	for range stream {
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Conversations returns the L1 conversation store. May be nil if memory is
// not configured.
func (a *App) Conversations() memory.ConversationStore { return a.conversations }

// Episodic returns the L2 episodic store. May be nil if memory is not
// configured.
func (a *App) Episodic() memory.EpisodicStore { return a.episodic }

// Graph returns the L3 knowledge graph store. May be nil if memory is not
// configured.
func (a *App) Graph() memory.GraphStore { return a.graph }

// Tooling returns the web_search tool manifest. May be nil if no tool server
// is configured.
func (a *App) Tooling() *tooling.Manifest { return a.tools }

// LLM returns the resilience-wrapped LLM provider. May be nil if no LLM
// provider is configured.
func (a *App) LLM() *resilience.LLMFallback { return a.llmFallback }

// Characters returns the configured character runtimes.
func (a *App) Characters() []CharacterRuntime { return a.characters }

// Resolver returns the entity resolver. May be nil if memory is not configured.
func (a *App) Resolver() *entityresolve.Resolver { return a.resolver }

// GraphWriter returns the knowledge-graph write path. May be nil if memory
// is not configured.
func (a *App) GraphWriter() *graph.Writer { return a.graphWriter }

// GraphCurator returns the knowledge-graph maintenance loop. May be nil if
// memory is not configured.
func (a *App) GraphCurator() *graph.Curator { return a.graphCurator }

// VectorStore returns the hybrid-retrieval vector store. May be nil if
// memory is not configured.
func (a *App) VectorStore() *vectorstore.Store { return a.vectorStore }

// MemoryCore returns the Memory Core façade. May be nil if memory is not
// configured.
func (a *App) MemoryCore() *memorycore.Core { return a.memoryCore }

// Dreaming returns the Dreaming Scheduler. May be nil if no LLM provider or
// memory store is configured.
func (a *App) Dreaming() *dreaming.Scheduler { return a.dreaming }

// Chat returns the Chat Orchestrator. May be nil if no LLM provider or
// memory store is configured.
func (a *App) Chat() *chat.Orchestrator { return a.chat }

// Proactive returns the Proactive Loop. May be nil if the Chat Orchestrator
// is unavailable.
func (a *App) Proactive() *proactive.Loop { return a.proactive }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background subsystems (proactive loop, dreaming scheduler)
// for every configured character and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running", "characters", len(a.characters))

	if a.memoryCore != nil {
		a.memoryCore.Start(ctx)
		a.closers = append(a.closers, a.memoryCore.Stop)
	}

	characterIDs := make([]string, 0, len(a.characters))
	for _, c := range a.characters {
		characterIDs = append(characterIDs, c.ID)
	}

	if a.graphCurator != nil {
		a.graphCurator.Start(ctx, characterIDs)
		a.closers = append(a.closers, func() error {
			a.graphCurator.Stop()
			return nil
		})
	}

	if a.dreaming != nil {
		a.dreaming.Start(ctx, characterIDs)
		a.closers = append(a.closers, func() error {
			a.dreaming.Stop()
			return nil
		})
	}

	if a.proactive != nil {
		a.proactive.Start(ctx)
		a.closers = append(a.closers, a.proactive.Stop)
	}

	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
