// Package vectorstore owns the EpisodicMemory lifecycle and implements the
// hybrid retrieval pipeline on top of [memory.EpisodicStore] and
// [memory.GraphStore]: Reciprocal Rank Fusion of vector + lexical candidates,
// 1-hop knowledge-graph enrichment of entity-name matches, time-decay
// reranking, and an importance boost.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cheshiremew/lumina/internal/observe"
	"github.com/cheshiremew/lumina/pkg/memory"
)

// AdaptiveThresholds are the cosine-similarity tiers [Store.Search] retries
// through, in order, stopping at the first tier that returns at least the
// requested number of results. A package-level var (not inlined) so tests
// can assert boundary behavior directly against it.
var AdaptiveThresholds = []float64{0.60, 0.45, 0.30, 0.15}

const (
	defaultVectorWeight     = 0.7
	defaultEnrichmentBudget = 3

	// entityMatchRRFWeight is the RRF list weight given to the synthetic
	// "entity match" candidate list in SearchHybrid, boosting direct
	// entity-name hits above both the vector and lexical lists.
	entityMatchRRFWeight = 2.0

	// minEdgeStrength is the effective-strength floor for edges merged into
	// an entity match's text during 1-hop enrichment.
	minEdgeStrength = 0.1

	// candidatePoolMultiplier sizes the single SearchVector call backing
	// the adaptive-threshold retry tiers: one network round trip, filtered
	// in-process per tier, rather than one round trip per tier.
	candidatePoolMultiplier = 8

	// decayFloor is the minimum time-decay multiplier applied during
	// hybrid-search reranking, regardless of age.
	decayFloor = 0.8

	// decayRatePerHour is the per-hour decay rate subtracted from 1.0
	// before flooring at decayFloor.
	decayRatePerHour = 0.0005

	// importanceBoostDivisor converts Memory.Importance into a multiplier
	// via 1 + importance/importanceBoostDivisor.
	importanceBoostDivisor = 20.0

	// maxEntityMatches caps how many entities SearchHybrid's entity-name
	// match step considers, mirroring the teacher-adjacent original's
	// "LIMIT 3" on its equivalent query.
	maxEntityMatches = 3
)

// Option configures a [Store].
type Option func(*Store)

// WithVectorWeight overrides the default 0.7 vector-list weight used by
// SearchHybrid's RRF fusion.
func WithVectorWeight(weight float64) Option {
	return func(s *Store) { s.vectorWeight = weight }
}

// WithEnrichmentBudget overrides the default graph-enrichment tail budget
// (how many extra graph_context entries SearchHybrid may append beyond
// limit).
func WithEnrichmentBudget(budget int) Option {
	return func(s *Store) { s.enrichmentBudget = budget }
}

// ClusterObserver is handed every SearchHybrid call's fused candidate list
// before it is truncated to the caller's limit. The Dreaming Scheduler's
// Phase 2b BatchManager registers one to watch for tight semantic clusters
// (several results landing within a narrow cosine-distance band) without
// SearchHybrid's hot path importing anything from internal/dreaming.
type ClusterObserver func(characterID string, results []memory.EpisodicResult)

// WithClusterObserver registers obs to be called at the end of every
// SearchHybrid invocation. Nil (the default) disables the hook entirely.
func WithClusterObserver(obs ClusterObserver) Option {
	return func(s *Store) { s.clusterObserver = obs }
}

// Store implements the Vector Store component: episodic memory writes, plain
// vector search with adaptive thresholding, and the full hybrid-search
// pipeline.
type Store struct {
	episodic memory.EpisodicStore
	graph    memory.GraphStore

	vectorWeight     float64
	enrichmentBudget int
	clusterObserver  ClusterObserver
}

// New constructs a Store. graphStore may be nil, in which case entity-match
// enrichment (SearchHybrid steps 3 and the graph-enrichment tail) is skipped
// and SearchHybrid degrades to plain RRF fusion plus reranking.
func New(episodicStore memory.EpisodicStore, graphStore memory.GraphStore, opts ...Option) *Store {
	s := &Store{
		episodic:         episodicStore,
		graph:            graphStore,
		vectorWeight:     defaultVectorWeight,
		enrichmentBudget: defaultEnrichmentBudget,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetClusterObserver rebinds the cluster observer after construction. The
// Dreaming Scheduler's BatchManager must itself be constructed with a
// *Store already wired in, so internal/app builds the Store first with no
// observer and attaches the real one once the Scheduler exists.
func (s *Store) SetClusterObserver(obs ClusterObserver) {
	s.clusterObserver = obs
}

// EpisodicStore returns the underlying L2 store, for collaborators (such as
// the Dreaming Scheduler's Consolidator phase) that need operations the
// Vector Store's own API doesn't expose, like hit-count-ordered fetch and
// archival.
func (s *Store) EpisodicStore() memory.EpisodicStore { return s.episodic }

// AddMemory validates and stores a pre-embedded episodic memory.
func (s *Store) AddMemory(ctx context.Context, mem memory.EpisodicMemory) (string, error) {
	if strings.TrimSpace(mem.Content) == "" {
		return "", fmt.Errorf("vectorstore: memory content must not be empty")
	}
	if len(mem.Embedding) == 0 {
		return "", fmt.Errorf("vectorstore: memory embedding must not be empty")
	}
	id, err := s.episodic.AddMemory(ctx, mem)
	if err != nil {
		return "", fmt.Errorf("vectorstore: add memory: %w", err)
	}
	return id, nil
}

// Search performs plain vector search with adaptive thresholding: it tries
// each tier of [AdaptiveThresholds] in order, filtering one fetched
// candidate pool down to the cosine-similarity cutoff, and returns the first
// tier whose filtered set reaches limit results. If no tier does, it returns
// the lowest tier's filtered set (possibly short of limit).
func (s *Store) Search(ctx context.Context, characterID string, queryEmbedding []float32, limit int) ([]memory.EpisodicResult, error) {
	pool, err := s.episodic.SearchVector(ctx, queryEmbedding, limit*candidatePoolMultiplier, memory.EpisodicFilter{CharacterID: characterID})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}

	var lastTier []memory.EpisodicResult
	for _, threshold := range AdaptiveThresholds {
		tier := filterByCosineScore(pool, threshold)
		lastTier = tier
		if len(tier) >= limit {
			return trim(tier, limit), nil
		}
	}
	return lastTier, nil
}

// filterByCosineScore keeps results whose cosine similarity (1 - Distance)
// is at least threshold, setting Score to that similarity.
func filterByCosineScore(results []memory.EpisodicResult, threshold float64) []memory.EpisodicResult {
	out := make([]memory.EpisodicResult, 0, len(results))
	for _, r := range results {
		score := 1 - r.Distance
		if score >= threshold {
			r.Score = score
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func trim(results []memory.EpisodicResult, limit int) []memory.EpisodicResult {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}

// SearchHybrid runs the full hybrid retrieval pipeline: RRF-fused vector +
// lexical search, entity-name match enrichment with 1-hop graph context,
// time-decay reranking, an importance boost, and a final sort + truncate.
// Returned memories' HitCount is bumped via MarkHit before returning.
func (s *Store) SearchHybrid(ctx context.Context, characterID, query string, queryEmbedding []float32, limit int) ([]memory.EpisodicResult, error) {
	start := time.Now()
	defer func() {
		observe.DefaultMetrics().HybridSearchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	filter := memory.EpisodicFilter{CharacterID: characterID}

	var fused []memory.EpisodicResult
	var entityMatches []memory.EpisodicResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fused, err = s.episodic.SearchHybrid(gctx, query, queryEmbedding, limit, s.vectorWeight, filter)
		return err
	})
	if s.graph != nil {
		g.Go(func() error {
			var err error
			entityMatches, err = s.entityMatchCandidates(gctx, characterID, query)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("vectorstore: search hybrid: %w", err)
	}

	merged := mergeRRF(fused, entityMatches, entityMatchRRFWeight)
	now := time.Now()
	for i := range merged {
		merged[i].Score *= timeDecay(now, merged[i].Memory.CreatedAt)
		merged[i].Score *= importanceBoost(merged[i].Memory.Importance)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	if s.clusterObserver != nil {
		s.clusterObserver(characterID, merged)
	}

	if len(merged) > limit {
		merged = merged[:limit]
	}

	ids := make([]string, 0, len(merged))
	for _, r := range merged {
		if r.Memory.ID != "" {
			ids = append(ids, r.Memory.ID)
		}
	}
	if len(ids) > 0 {
		if err := s.episodic.MarkHit(ctx, ids); err != nil {
			return nil, fmt.Errorf("vectorstore: mark hit: %w", err)
		}
	}

	if s.graph != nil && s.enrichmentBudget > 0 {
		extra, err := s.graphEnrichment(ctx, characterID, merged)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: graph enrichment: %w", err)
		}
		merged = append(merged, extra...)
	}
	return merged, nil
}

// graphEnrichment implements SearchHybrid's optional graph-enrichment tail
// step (spec §4.3): for each of top's results, it walks the mentioned
// entities' 1-hop neighbors and appends up to enrichmentBudget synthetic
// type: graph_context entries not already present in top, so the final
// result count never exceeds limit+enrichment_budget. Appended entries score
// below every entry in top so they never outrank a directly retrieved
// memory.
func (s *Store) graphEnrichment(ctx context.Context, characterID string, top []memory.EpisodicResult) ([]memory.EpisodicResult, error) {
	seen := make(map[string]struct{}, len(top))
	floor := 0.0
	for _, r := range top {
		seen[r.Memory.ID] = struct{}{}
		if r.Score < floor || floor == 0 {
			floor = r.Score
		}
	}
	floor /= 2

	var out []memory.EpisodicResult
	for _, r := range top {
		for _, entityID := range r.Memory.EntityIDs {
			if len(out) >= s.enrichmentBudget {
				return out, nil
			}
			if _, ok := seen[entityID]; ok {
				continue
			}
			seen[entityID] = struct{}{}

			neighbors, edges, err := s.graph.Neighbors(ctx, entityID, memory.TraverseMinStrength(minEdgeStrength))
			if err != nil {
				return nil, fmt.Errorf("graph enrichment neighbors for %s: %w", entityID, err)
			}
			if len(edges) == 0 {
				continue
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Context for %s:\n", entityID)
			for i, edge := range edges {
				targetName := edge.TargetID
				if i < len(neighbors) {
					targetName = neighbors[i].Name
				}
				fmt.Fprintf(&b, "%s %s\n", edge.RelType, targetName)
			}

			out = append(out, memory.EpisodicResult{
				Memory: memory.EpisodicMemory{
					ID:          entityID,
					CharacterID: characterID,
					Content:     b.String(),
					Type:        memory.MemoryTypeGraphContext,
				},
				Score: floor,
			})
		}
	}
	return out, nil
}

// entityMatchCandidates finds entities whose name matches a token of query
// and, for each, merges their 1-hop relation edges (above minEdgeStrength)
// into a synthetic EpisodicResult so they can compete in the RRF fusion as
// their own ranked list.
func (s *Store) entityMatchCandidates(ctx context.Context, characterID, query string) ([]memory.EpisodicResult, error) {
	seen := make(map[string]struct{})
	var matches []memory.Entity

	for _, token := range strings.Fields(query) {
		if len(matches) >= maxEntityMatches {
			break
		}
		if len(token) < 3 {
			continue
		}
		found, err := s.graph.FindEntities(ctx, memory.EntityFilter{CharacterID: characterID, Name: token})
		if err != nil {
			return nil, fmt.Errorf("entity match lookup: %w", err)
		}
		for _, e := range found {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			matches = append(matches, e)
			if len(matches) >= maxEntityMatches {
				break
			}
		}
	}

	out := make([]memory.EpisodicResult, 0, len(matches))
	for _, entity := range matches {
		neighbors, edges, err := s.graph.Neighbors(ctx, entity.ID, memory.TraverseMinStrength(minEdgeStrength))
		if err != nil {
			return nil, fmt.Errorf("neighbors for %s: %w", entity.ID, err)
		}
		text := fmt.Sprintf("Entity: %s", entity.Name)
		if len(edges) > 0 {
			var b strings.Builder
			b.WriteString(text)
			b.WriteString("\nRelations:\n")
			for i, edge := range edges {
				targetName := edge.TargetID
				if i < len(neighbors) {
					targetName = neighbors[i].Name
				}
				fmt.Fprintf(&b, "%s %s %s\n", entity.Name, edge.RelType, targetName)
			}
			text = b.String()
		}
		out = append(out, memory.EpisodicResult{
			Memory: memory.EpisodicMemory{
				ID:          entity.ID,
				CharacterID: characterID,
				Content:     text,
				CreatedAt:   entity.CreatedAt,
				Importance:  1,
			},
		})
	}
	return out, nil
}

// mergeRRF fuses an already-RRF-scored primary list with a secondary
// candidate list, adding secondaryWeight/(60+rank+1) for each secondary
// entry's position. Matches the teacher-adjacent original's k=60 RRF
// constant, reused here for the entity-match boost list specifically (the
// primary list's own vector/lexical fusion already happened inside
// [memory.EpisodicStore.SearchHybrid]).
func mergeRRF(primary, secondary []memory.EpisodicResult, secondaryWeight float64) []memory.EpisodicResult {
	const rrfK = 60

	byID := make(map[string]*memory.EpisodicResult, len(primary)+len(secondary))
	order := make([]string, 0, len(primary)+len(secondary))

	for _, r := range primary {
		copyR := r
		byID[r.Memory.ID] = &copyR
		order = append(order, r.Memory.ID)
	}
	for rank, r := range secondary {
		if existing, ok := byID[r.Memory.ID]; ok {
			existing.Score += secondaryWeight / float64(rrfK+rank+1)
			continue
		}
		copyR := r
		copyR.Score = secondaryWeight / float64(rrfK+rank+1)
		byID[r.Memory.ID] = &copyR
		order = append(order, r.Memory.ID)
	}

	out := make([]memory.EpisodicResult, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// timeDecay computes max(decayFloor, 1 - decayRatePerHour*hours_since(t)).
func timeDecay(now, t time.Time) float64 {
	if t.IsZero() {
		return 1
	}
	hours := now.Sub(t).Hours()
	if hours < 0 {
		hours = 0
	}
	decay := 1 - decayRatePerHour*hours
	if decay < decayFloor {
		return decayFloor
	}
	return decay
}

// importanceBoost computes 1 + importance/importanceBoostDivisor.
func importanceBoost(importance float64) float64 {
	return 1 + importance/importanceBoostDivisor
}
