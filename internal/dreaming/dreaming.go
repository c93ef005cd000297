// Package dreaming implements the Dreaming Scheduler: the background
// pipeline that turns raw conversation turns into episodic memories
// (Extractor), distills high-traffic memories into deduplicated ones
// (Consolidator and its Phase 2b Batch Manager), and periodically shifts a
// character's personality in response to accumulated experience
// (Evolution).
//
// All three phases run per character, gated by their own thresholds, behind
// a per-character "digest lock" that prevents two cycles from racing on the
// same character's data (spec §5). LM calls are wrapped by a
// [resilience.CircuitBreaker], generalizing the teacher's
// internal/resilience/llm_fallback.go pattern from cross-provider failover
// to cross-cycle retry/backoff against a single configured provider: a
// string of transient failures opens the breaker and a cycle degrades to
// "skip, log, retry next time" instead of hammering a dead endpoint.
package dreaming

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cheshiremew/lumina/internal/character"
	"github.com/cheshiremew/lumina/internal/graph"
	"github.com/cheshiremew/lumina/internal/memorycore"
	"github.com/cheshiremew/lumina/internal/observe"
	"github.com/cheshiremew/lumina/internal/resilience"
	"github.com/cheshiremew/lumina/internal/vectorstore"
	"github.com/cheshiremew/lumina/pkg/provider/embeddings"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
)

// defaultCycleInterval is how often the Scheduler's own loop wakes up to
// attempt a pass for every subscribed character. Each phase's own threshold
// gate decides whether that pass actually does anything.
const defaultCycleInterval = time.Minute

// defaultExtractionThreshold/defaultConsolidationThreshold/
// defaultExtractionBatchSize/defaultConsolidationFetchLimit mirror
// original_source/python_backend/dreaming.py's literal constants, used
// whenever the corresponding config.DreamingConfig field is zero.
const (
	defaultExtractionThreshold     = 20
	defaultExtractionBatchSize     = 10
	defaultConsolidationThreshold  = 20
	defaultConsolidationFetchLimit = 10
	defaultMaxRetryCount           = 5

	// minEvolutionInterval is the spec's literal "minutes_since_last >= 15"
	// gate (original_source used 30 minutes; spec.md §4.6 explicitly says
	// 15, and the spec governs).
	minEvolutionInterval        = 15 * time.Minute
	minEvolutionProcessedCount  = 20
	minEvolutionTextLength      = 500
	evolutionContextSampleSize  = 10
	evolutionTextTruncateLength = 2000
)

// CharacterLookup resolves a character ID to its [character.Manager]. The
// Scheduler never constructs or owns character managers itself.
type CharacterLookup func(characterID string) (*character.Manager, bool)

// Config tunes a Scheduler's phase thresholds. Zero fields fall back to the
// defaults above, matching original_source's literal constants.
type Config struct {
	ExtractionThreshold       int
	ExtractionBatchSize       int
	ConsolidationThreshold    int
	ConsolidationFetchLimit   int
	BatchConsolidationEnabled bool
	CycleInterval             time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExtractionThreshold <= 0 {
		c.ExtractionThreshold = defaultExtractionThreshold
	}
	if c.ExtractionBatchSize <= 0 {
		c.ExtractionBatchSize = defaultExtractionBatchSize
	}
	if c.ConsolidationThreshold <= 0 {
		c.ConsolidationThreshold = defaultConsolidationThreshold
	}
	if c.ConsolidationFetchLimit <= 0 {
		c.ConsolidationFetchLimit = defaultConsolidationFetchLimit
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = defaultCycleInterval
	}
	return c
}

// characterState holds the per-character digest lock plus the Evolution
// phase's running counters (spec §4.6 Phase 3: minutes since last run,
// processed-memory count, and accumulated extraction/consolidation text).
type characterState struct {
	mu sync.Mutex

	lastEvolution  time.Time
	processedCount int
	textLen        int
	text           strings.Builder
}

// Scheduler runs the Dreaming pipeline for a set of characters.
//
// Safe for concurrent use: RunOnce serializes against itself per character
// via the digest lock, and concurrent calls for different characters never
// block each other.
type Scheduler struct {
	core        *memorycore.Core
	vectorStore *vectorstore.Store
	writer      *graph.Writer // nil disables triple-writing from extracted memories
	llmProvider llm.Provider
	embedder    embeddings.Provider
	characters  CharacterLookup
	batches     *BatchManager

	cfg     Config
	breaker *resilience.CircuitBreaker

	statesMu sync.Mutex
	states   map[string]*characterState

	done     chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler. writer may be nil, in which case the
// Extractor never attempts to lift triples into the knowledge graph.
func New(
	core *memorycore.Core,
	vectorStore *vectorstore.Store,
	writer *graph.Writer,
	llmProvider llm.Provider,
	embedder embeddings.Provider,
	characters CharacterLookup,
	cfg Config,
) *Scheduler {
	s := &Scheduler{
		core:        core,
		vectorStore: vectorStore,
		writer:      writer,
		llmProvider: llmProvider,
		embedder:    embedder,
		characters:  characters,
		batches:     newBatchManager(),
		cfg:         cfg.withDefaults(),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "dreaming-scheduler",
		}),
		states: make(map[string]*characterState),
		done:   make(chan struct{}),
	}
	return s
}

// BatchManager returns the Scheduler's Phase 2b batch manager, so
// [vectorstore.WithClusterObserver] can be wired to its Observe method.
func (s *Scheduler) BatchManager() *BatchManager { return s.batches }

// Start begins the periodic Dreaming loop in a background goroutine,
// attempting one RunOnce pass per subscribed character ID every
// CycleInterval.
func (s *Scheduler) Start(ctx context.Context, characterIDs []string) {
	go s.loop(ctx, characterIDs)
}

// Stop halts the Dreaming loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) loop(ctx context.Context, characterIDs []string) {
	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			for _, characterID := range characterIDs {
				if err := s.RunOnce(ctx, characterID); err != nil {
					slog.Warn("dreaming cycle failed", "character_id", characterID, "error", err)
				}
			}
		}
	}
}

// RunOnce runs all three phases, in order, for one character under its
// digest lock. Per spec, phases are independent: a skip or failure in one
// never prevents the next from running.
func (s *Scheduler) RunOnce(ctx context.Context, characterID string) error {
	if characterID == "" {
		return fmt.Errorf("%w: character id is required", ErrValidation)
	}

	metrics := observe.DefaultMetrics()
	start := time.Now()
	defer func() {
		metrics.DreamingCycleDuration.Record(ctx, time.Since(start).Seconds())
	}()

	state := s.stateFor(characterID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := s.runExtractor(ctx, characterID, state); err != nil {
		metrics.RecordDreamingPhaseRun(ctx, "extraction", "error")
		slog.Warn("dreaming extractor phase failed", "character_id", characterID, "error", err)
	} else {
		metrics.RecordDreamingPhaseRun(ctx, "extraction", "ran")
	}
	if err := s.runConsolidator(ctx, characterID); err != nil {
		metrics.RecordDreamingPhaseRun(ctx, "consolidation", "error")
		slog.Warn("dreaming consolidator phase failed", "character_id", characterID, "error", err)
	} else {
		metrics.RecordDreamingPhaseRun(ctx, "consolidation", "ran")
	}
	if s.cfg.BatchConsolidationEnabled {
		if err := s.drainBatches(ctx, characterID); err != nil {
			metrics.RecordDreamingPhaseRun(ctx, "batch_consolidation", "error")
			slog.Warn("dreaming batch consolidator phase failed", "character_id", characterID, "error", err)
		} else {
			metrics.RecordDreamingPhaseRun(ctx, "batch_consolidation", "ran")
		}
	}
	if err := s.runEvolution(ctx, characterID, state); err != nil {
		metrics.RecordDreamingPhaseRun(ctx, "evolution", "error")
		slog.Warn("dreaming evolution phase failed", "character_id", characterID, "error", err)
	} else {
		metrics.RecordDreamingPhaseRun(ctx, "evolution", "ran")
	}
	return nil
}

func (s *Scheduler) stateFor(characterID string) *characterState {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st, ok := s.states[characterID]
	if !ok {
		st = &characterState{}
		s.states[characterID] = st
	}
	return st
}

// callLM wraps an LM request through the cycle-level circuit breaker,
// translating a breaker-open rejection into [ErrTransientUpstream].
func (s *Scheduler) callLM(ctx context.Context, req llm.CompletionRequest) (string, error) {
	metrics := observe.DefaultMetrics()
	start := time.Now()
	var content string
	err := s.breaker.Execute(func() error {
		resp, err := s.llmProvider.Complete(ctx, req)
		if err != nil {
			return err
		}
		content = resp.Content
		return nil
	})
	metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		metrics.RecordProviderError(ctx, "dreaming", "llm")
		return "", fmt.Errorf("%w: %w", ErrTransientUpstream, err)
	}
	metrics.RecordProviderRequest(ctx, "dreaming", "llm", "ok")
	return content, nil
}

// stripCodeFence removes a leading/trailing ``` or ```json fence the LM
// sometimes wraps JSON output in, matching original_source's extraction of
// response.strip().removeprefix("```json")...removesuffix("```").
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
