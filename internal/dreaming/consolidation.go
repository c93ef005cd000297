package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
	"github.com/cheshiremew/lumina/pkg/types"
)

// consolidationSystemPrompt mirrors dreaming.py's consolidation template:
// distill, deepen, deduplicate, and resolve contradictions among a batch of
// high-traffic memories, again splitting any entry that covers more than
// one subject.
const consolidationSystemPrompt = `You are a memory consolidation engine. Given a list of frequently-recalled memories, produce a smaller set of distilled memories that:
- Deduplicate near-identical entries.
- Resolve contradictions in favor of the most specific/most recent information.
- Deepen shallow entries by combining related facts about the same subject.
- Split any distilled entry that still covers more than one subject.

Respond with ONLY a JSON array, no commentary, no markdown fence:
[{"memory": "..."}]`

// consolidationInput is one element of the prompt's input list, mirroring
// dreaming.py's [{id, memory, hits, date}] shape.
type consolidationInput struct {
	ID     string `json:"id"`
	Memory string `json:"memory"`
	Hits   int    `json:"hits"`
	Date   string `json:"date"`
}

// runConsolidator implements Phase 2 (spec §4.6): active high-hit memories
// → archived + new distilled active memories.
func (s *Scheduler) runConsolidator(ctx context.Context, characterID string) error {
	const minHitCount = 1

	count, err := s.core.CountConsolidationCandidates(ctx, characterID, minHitCount)
	if err != nil {
		return fmt.Errorf("%w: count consolidation candidates: %w", ErrStorage, err)
	}
	if count < s.cfg.ConsolidationThreshold {
		return nil
	}

	candidates, err := s.core.ConsolidationCandidates(ctx, characterID, minHitCount, s.cfg.ConsolidationFetchLimit)
	if err != nil {
		return fmt.Errorf("%w: fetch consolidation candidates: %w", ErrStorage, err)
	}
	if len(candidates) == 0 {
		return nil
	}

	return s.consolidate(ctx, characterID, candidates)
}

// consolidate drives one consolidation LM call over inputs and applies its
// result: archive the inputs, insert the distilled outputs. Shared by Phase
// 2 and Phase 2b — both follow the identical archive/insert contract, only
// their candidate-selection differs.
func (s *Scheduler) consolidate(ctx context.Context, characterID string, inputs []memory.EpisodicMemory) error {
	items, err := s.consolidateMemories(ctx, inputs)
	if err != nil {
		return err
	}

	for _, item := range items {
		if strings.TrimSpace(item.Memory) == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, item.Memory)
		if err != nil {
			return fmt.Errorf("%w: embed consolidated memory: %w", ErrStorage, err)
		}
		if _, err := s.vectorStore.AddMemory(ctx, memory.EpisodicMemory{
			CharacterID: characterID,
			Content:     item.Memory,
			Embedding:   vec,
			Status:      memory.MemoryStatusActive,
			Type:        memory.MemoryTypeSummary,
		}); err != nil {
			return fmt.Errorf("%w: insert consolidated memory: %w", ErrStorage, err)
		}
	}

	ids := make([]string, 0, len(inputs))
	for _, m := range inputs {
		ids = append(ids, m.ID)
	}
	if err := s.core.ArchiveMemories(ctx, ids); err != nil {
		return fmt.Errorf("%w: archive consolidated inputs: %w", ErrStorage, err)
	}
	return nil
}

func (s *Scheduler) consolidateMemories(ctx context.Context, inputs []memory.EpisodicMemory) ([]extractedItem, error) {
	payload := make([]consolidationInput, 0, len(inputs))
	for _, m := range inputs {
		payload = append(payload, consolidationInput{
			ID:     m.ID,
			Memory: m.Content,
			Hits:   m.HitCount,
			Date:   m.CreatedAt.Format("2006-01-02"),
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal consolidation input: %w", ErrValidation, err)
	}

	content, err := s.callLM(ctx, llm.CompletionRequest{
		SystemPrompt: consolidationSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: string(body)},
		},
		Temperature:    0.5,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}

	var items []extractedItem
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &items); err != nil {
		return nil, wrapMalformed(fmt.Errorf("parse consolidation response: %w", err))
	}
	return items, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Phase 2b — Batch Consolidator
// ─────────────────────────────────────────────────────────────────────────────

// defaultBatchClusterMinSize/defaultBatchClusterMaxDistance mirror
// config.DreamingConfig's defaults when left at zero.
const (
	defaultBatchClusterMinSize     = 3
	defaultBatchClusterMaxDistance = 0.08
)

// BatchManager accumulates semantic clusters observed by
// [vectorstore.Store]'s SearchHybrid, per the spec's supplemented Phase 2b:
// "when a retrieval pass surfaces a cluster of semantically related
// memories, the same consolidation LM call runs over that cluster", grounded
// on original_source/surreal_memory.py's "pending batch created by
// search_hybrid" comment. Registration happens on the hot search path and
// must never block it; Drain happens once per Dreaming cycle.
type BatchManager struct {
	mu             sync.Mutex
	pending        map[string][][]string
	minClusterSize int
	maxDistance    float64
}

// BatchOption configures a BatchManager.
type BatchOption func(*BatchManager)

// WithBatchClusterMinSize overrides the minimum cluster size (default 3)
// required before a cluster registers as a batch candidate.
func WithBatchClusterMinSize(n int) BatchOption {
	return func(b *BatchManager) { b.minClusterSize = n }
}

// WithBatchClusterMaxDistance overrides the cosine-distance band (default
// 0.08) within which consecutive results are considered part of the same
// cluster.
func WithBatchClusterMaxDistance(d float64) BatchOption {
	return func(b *BatchManager) { b.maxDistance = d }
}

func newBatchManager(opts ...BatchOption) *BatchManager {
	b := &BatchManager{
		pending:        make(map[string][][]string),
		minClusterSize: defaultBatchClusterMinSize,
		maxDistance:    defaultBatchClusterMaxDistance,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Configure applies opts to an already-constructed BatchManager (used once,
// right after [Scheduler.BatchManager], before the Scheduler starts taking
// traffic).
func (b *BatchManager) Configure(opts ...BatchOption) {
	for _, o := range opts {
		o(b)
	}
}

// Observe scans results for one or more tight semantic clusters (>= minClusterSize
// results whose cosine distances fall within maxDistance of their
// neighbors) and registers each as a pending batch for characterID. Cheap
// and allocation-light enough to call on every SearchHybrid invocation.
func (b *BatchManager) Observe(characterID string, results []memory.EpisodicResult) {
	withID := make([]memory.EpisodicResult, 0, len(results))
	for _, r := range results {
		if r.Memory.ID != "" {
			withID = append(withID, r)
		}
	}
	sort.Slice(withID, func(i, j int) bool { return withID[i].Distance < withID[j].Distance })

	var cluster []string
	flush := func() {
		if len(cluster) >= b.minClusterSize {
			b.register(characterID, cluster)
		}
		cluster = nil
	}
	for i, r := range withID {
		if i == 0 || r.Distance-withID[i-1].Distance <= b.maxDistance {
			cluster = append(cluster, r.Memory.ID)
			continue
		}
		flush()
		cluster = []string{r.Memory.ID}
	}
	flush()
}

func (b *BatchManager) register(characterID string, ids []string) {
	cp := make([]string, len(ids))
	copy(cp, ids)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[characterID] = append(b.pending[characterID], cp)
}

// Drain returns and clears every pending batch registered for characterID.
func (b *BatchManager) Drain(characterID string) [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	batches := b.pending[characterID]
	delete(b.pending, characterID)
	return batches
}

// drainBatches implements Phase 2b: each registered cluster is resolved back
// to its full episodic memories and run through the same consolidation call
// Phase 2 uses.
func (s *Scheduler) drainBatches(ctx context.Context, characterID string) error {
	for _, ids := range s.batches.Drain(characterID) {
		memories, err := s.resolveBatch(ctx, ids)
		if err != nil {
			return err
		}
		if len(memories) < 2 {
			continue
		}
		if err := s.consolidate(ctx, characterID, memories); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) resolveBatch(ctx context.Context, ids []string) ([]memory.EpisodicMemory, error) {
	out := make([]memory.EpisodicMemory, 0, len(ids))
	for _, id := range ids {
		mem, err := s.core.GetMemory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve batch member %s: %w", ErrStorage, id, err)
		}
		if mem == nil || mem.Status != memory.MemoryStatusActive {
			// Already archived by an earlier cycle or a concurrent
			// consolidation pass; skip rather than re-consolidate it.
			continue
		}
		out = append(out, *mem)
	}
	return out, nil
}
