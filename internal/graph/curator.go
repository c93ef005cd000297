package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cheshiremew/lumina/internal/resilience"
	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
	"github.com/cheshiremew/lumina/pkg/types"
)

// defaultDecayInterval is used when CuratorConfig.DecayInterval is zero.
const defaultDecayInterval = time.Hour

// defaultPruneThreshold mirrors the spec's edge_survival_threshold: edges
// with effective strength below this are deleted by a prune pass.
const defaultPruneThreshold = 0.05

// defaultConflictClusterSimilarity is the cosine-similarity cutoff used to
// greedily cluster an entity's same-relation targets for conflict
// arbitration.
const defaultConflictClusterSimilarity = 0.85

// CuratorConfig tunes a [Curator]'s periodic passes.
type CuratorConfig struct {
	// DecayInterval is how often DecayAll and PruneWeak run. Defaults to
	// one hour when zero.
	DecayInterval time.Duration

	// PruneThreshold is the effective-strength cutoff below which edges are
	// deleted. Defaults to 0.05 when zero.
	PruneThreshold float64

	// ConflictArbitrationEnabled turns on LM-driven keep/merge arbitration
	// over clustered near-duplicate entities. Off by default: natural decay
	// and pruning are enough for most graphs, and arbitration costs an LM
	// call per cluster.
	ConflictArbitrationEnabled bool

	// ConflictClusterSimilarity is the cosine-similarity cutoff for
	// clustering an entity's same-type relation targets. Defaults to 0.85
	// when zero.
	ConflictClusterSimilarity float64
}

// Curator runs the Graph Curator's maintenance passes: periodic decay,
// pruning of edges that have decayed below the survival threshold, and
// (optionally) LM-arbitrated merging of near-duplicate entities that entity
// resolution let through.
//
// The ticker loop follows the same Start/Stop/done-channel shape as the
// teacher's session consolidator: one goroutine, cancellable via context or
// an explicit Stop.
type Curator struct {
	graph memory.GraphStore
	llm   llm.Provider // nil disables conflict arbitration regardless of cfg
	cfg   CuratorConfig

	breaker *resilience.CircuitBreaker

	done     chan struct{}
	stopOnce sync.Once
}

// NewCurator constructs a Curator. llmProvider may be nil, in which case
// conflict arbitration never runs even if cfg.ConflictArbitrationEnabled is
// true.
func NewCurator(graphStore memory.GraphStore, llmProvider llm.Provider, cfg CuratorConfig) *Curator {
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = defaultDecayInterval
	}
	if cfg.PruneThreshold <= 0 {
		cfg.PruneThreshold = defaultPruneThreshold
	}
	if cfg.ConflictClusterSimilarity <= 0 {
		cfg.ConflictClusterSimilarity = defaultConflictClusterSimilarity
	}
	return &Curator{
		graph: graphStore,
		llm:   llmProvider,
		cfg:   cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "graph-curator-arbitration",
		}),
		done: make(chan struct{}),
	}
}

// Start begins the periodic curation loop in a background goroutine for the
// given character IDs (empty string scopes a pass to every character).
func (c *Curator) Start(ctx context.Context, characterIDs []string) {
	go c.loop(ctx, characterIDs)
}

// Stop halts the curation loop. Safe to call multiple times.
func (c *Curator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Curator) loop(ctx context.Context, characterIDs []string) {
	ticker := time.NewTicker(c.cfg.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			for _, characterID := range characterIDs {
				if err := c.RunOnce(ctx, characterID); err != nil {
					slog.Warn("graph curator pass failed", "character_id", characterID, "error", err)
				}
			}
		}
	}
}

// RunOnce performs one decay + prune pass, and — if enabled and an LLM
// provider is configured — one conflict-arbitration pass, scoped to
// characterID ("" scopes to every character).
func (c *Curator) RunOnce(ctx context.Context, characterID string) error {
	decayed, err := c.graph.DecayAll(ctx, characterID)
	if err != nil {
		return fmt.Errorf("graph curator: decay: %w", err)
	}
	pruned, err := c.graph.PruneWeak(ctx, characterID, c.cfg.PruneThreshold)
	if err != nil {
		return fmt.Errorf("graph curator: prune: %w", err)
	}
	slog.Info("graph curator pass complete", "character_id", characterID, "decayed", decayed, "pruned", pruned)

	if !c.cfg.ConflictArbitrationEnabled || c.llm == nil {
		return nil
	}
	if err := c.arbitrateConflicts(ctx, characterID); err != nil {
		return fmt.Errorf("graph curator: conflict arbitration: %w", err)
	}
	return nil
}

// arbitrateConflicts clusters each entity's same-relation-type targets by
// greedy cosine similarity and, for any cluster with more than one member,
// asks the LLM provider for a keep/merge verdict before merging the losers
// into the winner it names.
func (c *Curator) arbitrateConflicts(ctx context.Context, characterID string) error {
	entities, err := c.graph.FindEntities(ctx, memory.EntityFilter{CharacterID: characterID})
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}

	for _, entity := range entities {
		edges, err := c.graph.GetRelations(ctx, entity.ID, memory.WithOutgoing())
		if err != nil {
			return fmt.Errorf("relations for %s: %w", entity.ID, err)
		}
		byRelType := make(map[string][]memory.RelationEdge)
		for _, edge := range edges {
			byRelType[edge.RelType] = append(byRelType[edge.RelType], edge)
		}

		for relType, relEdges := range byRelType {
			targets, err := c.resolveTargets(ctx, relEdges)
			if err != nil {
				return fmt.Errorf("resolve targets for %s/%s: %w", entity.ID, relType, err)
			}
			for _, cluster := range clusterBySimilarity(targets, c.cfg.ConflictClusterSimilarity) {
				if len(cluster) < 2 {
					continue
				}
				if err := c.arbitrateCluster(ctx, characterID, cluster); err != nil {
					slog.Warn("conflict arbitration failed for cluster", "entity", entity.ID, "rel_type", relType, "error", err)
				}
			}
		}
	}
	return nil
}

func (c *Curator) resolveTargets(ctx context.Context, edges []memory.RelationEdge) ([]memory.Entity, error) {
	targets := make([]memory.Entity, 0, len(edges))
	for _, edge := range edges {
		target, err := c.graph.GetEntity(ctx, edge.TargetID)
		if err != nil {
			return nil, err
		}
		if target != nil && len(target.Embedding) > 0 {
			targets = append(targets, *target)
		}
	}
	return targets, nil
}

// arbitrateCluster asks the LLM which entity in cluster to keep and merges
// every other member into it. A breaker-open or malformed response leaves
// the cluster untouched — conflict arbitration is advisory, never
// destructive on failure.
func (c *Curator) arbitrateCluster(ctx context.Context, characterID string, cluster []memory.Entity) error {
	var winnerName string
	err := c.breaker.Execute(func() error {
		verdict, err := c.askArbiter(ctx, cluster)
		if err != nil {
			return err
		}
		winnerName = verdict
		return nil
	})
	if err != nil {
		return err
	}

	winnerID := ""
	for _, e := range cluster {
		if strings.EqualFold(e.Name, winnerName) {
			winnerID = e.ID
			break
		}
	}
	if winnerID == "" {
		// Arbiter named something we don't recognise; default to the
		// first-seen entity rather than guessing destructively.
		winnerID = cluster[0].ID
	}

	for _, e := range cluster {
		if e.ID == winnerID {
			continue
		}
		if err := c.graph.MergeEntities(ctx, characterID, winnerID, e.ID); err != nil {
			return fmt.Errorf("merge %s into %s: %w", e.ID, winnerID, err)
		}
	}
	return nil
}

func (c *Curator) askArbiter(ctx context.Context, cluster []memory.Entity) (string, error) {
	var names strings.Builder
	for i, e := range cluster {
		if i > 0 {
			names.WriteString(", ")
		}
		names.WriteString(e.Name)
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You resolve duplicate knowledge-graph entities. Reply with only the canonical name to keep from the given candidates, nothing else.",
		Messages: []types.Message{
			{Role: "user", Content: fmt.Sprintf("Candidates: %s", names.String())},
		},
		Temperature: 0,
		MaxTokens:   32,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// clusterBySimilarity greedily groups entities whose embeddings have cosine
// similarity >= threshold to the cluster's seed member. Each entity belongs
// to exactly one cluster.
func clusterBySimilarity(entities []memory.Entity, threshold float64) [][]memory.Entity {
	used := make([]bool, len(entities))
	var clusters [][]memory.Entity

	for i := range entities {
		if used[i] {
			continue
		}
		cluster := []memory.Entity{entities[i]}
		used[i] = true
		for j := i + 1; j < len(entities); j++ {
			if used[j] {
				continue
			}
			if cosineSimilarity(entities[i].Embedding, entities[j].Embedding) >= threshold {
				cluster = append(cluster, entities[j])
				used[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
