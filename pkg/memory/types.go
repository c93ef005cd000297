package memory

import (
	"math"
	"time"
)

// ConversationEntry is a single turn written to the raw conversation log (L1).
// It is the atomic, unprocessed unit of history: every user/assistant turn is
// appended here before it is ever summarized, embedded, or linked into the
// knowledge graph.
type ConversationEntry struct {
	// ID is the unique identifier assigned on insert. Zero until persisted.
	ID int64

	// CharacterID scopes the entry to one character's memory store.
	CharacterID string

	// SessionID groups entries belonging to one continuous conversation.
	SessionID string

	// Role is "user" or "assistant".
	Role string

	// Content is the turn's text.
	Content string

	// IsProcessed reports whether the Extractor phase of the Dreaming
	// Scheduler has already turned this entry into episodic memories.
	IsProcessed bool

	// RetryCount counts how many Extractor passes have failed to turn this
	// entry into episodic memories (LM or JSON-parse failure). The
	// Extractor excludes entries at or above its retry ceiling from both
	// its threshold gate and its fetch batch, so a permanently-failing
	// entry stops being retried without ever being falsely marked
	// processed.
	RetryCount int

	// CreatedAt is when the turn was recorded.
	CreatedAt time.Time

	// Embedding is the turn's content vector, set when an embeddings
	// provider is configured (spec §4.5 "log_conversation ... writes
	// ConversationLog with embedding (if embedder present)"). Nil when no
	// embedder is available — the embedder-error fallback per §7 logs
	// without failing the write.
	Embedding []float32
}

// ConversationFilter narrows a full-text search over the conversation log (L1).
// All non-zero fields are applied as AND conditions.
type ConversationFilter struct {
	// CharacterID restricts the search to a single character. Empty matches all.
	CharacterID string

	// SessionID restricts the search to a single session. Empty matches all.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results. Zero means the implementation's default.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// L2 supporting types — episodic memory
// ─────────────────────────────────────────────────────────────────────────────

// Episodic memory status values.
const (
	MemoryStatusActive   = "active"
	MemoryStatusArchived = "archived"
)

// Episodic memory type values.
const (
	MemoryTypeFact    = "fact"
	MemoryTypeSummary = "summary"
	MemoryTypeInsight = "insight"

	// MemoryTypeGraphContext marks a synthetic result produced by hybrid
	// search's optional graph-enrichment tail step rather than fetched
	// directly from episodic_memories; its ID is a knowledge-graph entity
	// ID, not an episodic memory ID.
	MemoryTypeGraphContext = "graph_context"
)

// EpisodicMemory is a discrete, embedded fact or event extracted from the raw
// conversation log (L2). It is the unit of both vector and lexical retrieval.
type EpisodicMemory struct {
	// ID is the unique identifier for this memory (a UUID string).
	ID string

	// CharacterID scopes the memory to one character's memory store.
	CharacterID string

	// Content is the narrative text of the memory, as produced by the
	// Extractor or Consolidator phase of the Dreaming Scheduler.
	Content string

	// Embedding is the vector representation of Content. Its dimension must
	// match the configured embedding model.
	Embedding []float32

	// Importance is a model-assigned salience score in [0, 1], used as an
	// additive boost during hybrid search reranking.
	Importance float64

	// HitCount is how many times this memory has been returned by a retrieval
	// query and actually used in a response. Drives Phase 2b batch
	// consolidation triggers.
	HitCount int

	// EntityIDs lists the knowledge-graph entities mentioned in Content,
	// used to scope graph expansion during hybrid search.
	EntityIDs []string

	// Status is "active" or "archived". Archived memories are excluded from
	// every search method; they remain addressable by [EpisodicStore.GetByID]
	// so insight evidence links stay resolvable after consolidation archives
	// their inputs. Empty is treated as "active".
	Status string

	// Type classifies how this memory was produced: "fact" (Extractor),
	// "summary" (Consolidator), or "insight"; no Dreaming phase writes
	// "insight" memories. Empty is treated as "fact".
	Type string

	// CreatedAt is when this memory was first written.
	CreatedAt time.Time

	// LastHitAt is when this memory was last returned by a retrieval query.
	// Zero if it has never been retrieved.
	LastHitAt time.Time
}

// EpisodicFilter narrows a vector or hybrid search over episodic memories (L2).
// All non-zero fields are applied as AND conditions.
type EpisodicFilter struct {
	// CharacterID restricts results to a single character. Empty matches all.
	CharacterID string

	// After filters memories created after this instant (exclusive).
	After time.Time

	// Before filters memories created before this instant (exclusive).
	Before time.Time
}

// EpisodicResult pairs a retrieved memory with its vector-space distance from
// the query embedding. Lower Distance values indicate higher similarity.
type EpisodicResult struct {
	// Memory is the retrieved episodic memory.
	Memory EpisodicMemory

	// Distance is the cosine distance to the query embedding.
	Distance float64

	// Score is the fused relevance score assigned by hybrid search (RRF plus
	// time-decay and importance boosts). Zero for plain vector search;
	// full-text search stores its ts_rank score here.
	Score float64
}

// ─────────────────────────────────────────────────────────────────────────────
// L3 supporting types — knowledge graph
// ─────────────────────────────────────────────────────────────────────────────

// Entity represents a named node in the knowledge graph (L3): a person,
// place, object, or concept referenced across a character's conversations.
// Insights (consolidated higher-order understandings) are also stored as
// entities, distinguished by Type == "insight".
type Entity struct {
	// ID is the unique, stable identifier for this entity, deterministically
	// derived from the canonical Name alone (see entityresolve.EntityID);
	// CharacterID is not part of it.
	ID string

	// CharacterID scopes the entity to one character's knowledge graph.
	CharacterID string

	// Type classifies the entity: person, place, object, concept, insight, …
	Type string

	// Name is the canonical display name.
	Name string

	// Aliases lists alternate names resolved to this entity.
	Aliases []string

	// Attributes holds arbitrary key/value metadata. For Type == "insight"
	// this typically includes a "confidence" field mirrored from Insight.Confidence.
	Attributes map[string]any

	// Embedding is the vector of the raw name the entity was minted from,
	// used for semantic entity-resolution dedup (cosine similarity >= 0.92).
	Embedding []float32

	// CreatedAt is when the entity was first added to the graph.
	CreatedAt time.Time

	// UpdatedAt is when the entity was last modified.
	UpdatedAt time.Time
}

// EntityFilter specifies predicates for entity lookup queries.
// All non-zero fields are applied as AND conditions.
type EntityFilter struct {
	// CharacterID restricts results to a single character. Empty matches all.
	CharacterID string

	// Type restricts results to entities of this type. Empty matches all types.
	Type string

	// Name restricts results to entities whose name contains this substring
	// (case-insensitive). Empty matches all names.
	Name string
}

// RelationEdge is a directed, typed edge between two entities in the
// knowledge graph (L3). Re-adding an edge with the same (SourceID, TargetID,
// RelType) reinforces it rather than replacing it: Count increments and
// BaseStrength increases, see [GraphStore.Reinforce].
type RelationEdge struct {
	// SourceID is the ID of the originating entity.
	SourceID string

	// TargetID is the ID of the destination entity.
	TargetID string

	// RelType is the semantic label of the relationship (e.g. "works_with",
	// "located_in", "derived_from" for insight-to-evidence links).
	RelType string

	// CharacterID scopes the edge to one character's knowledge graph.
	CharacterID string

	// BaseStrength is the edge's undecayed strength in [0, 1]. It increases by
	// 0.05 per reinforcement, clamped to 1.0.
	BaseStrength float64

	// Count is how many times this exact edge has been reinforced.
	Count int

	// Attributes holds additional edge metadata.
	Attributes map[string]any

	// LastMentioned is when this edge was last reinforced, used as the clock
	// for exponential time-decay of EffectiveStrength.
	LastMentioned time.Time

	// CreatedAt is when this edge was first added.
	CreatedAt time.Time
}

// EffectiveStrength returns the edge's time-decayed strength, computed as
// BaseStrength * 0.99^(days since LastMentioned). Edges fall below the
// pruning threshold (0.05) naturally as they age without reinforcement.
func (e RelationEdge) EffectiveStrength(now time.Time) float64 {
	days := now.Sub(e.LastMentioned).Hours() / 24
	if days < 0 {
		days = 0
	}
	return e.BaseStrength * math.Pow(0.99, days)
}

// RelQueryOptions accumulates options for [GraphStore.GetRelations].
// Unexported — callers configure it via [RelQueryOpt] functional options.
type relQueryOptions struct {
	relTypes     []string
	directionIn  bool
	directionOut bool
	limit        int
}

// RelQueryOpt is a functional option for [GraphStore.GetRelations].
type RelQueryOpt func(*relQueryOptions)

// WithRelTypes restricts the returned edges to those whose RelType is in the
// provided list. An empty list (the default) returns all types.
func WithRelTypes(relTypes ...string) RelQueryOpt {
	return func(o *relQueryOptions) {
		o.relTypes = append(o.relTypes, relTypes...)
	}
}

// WithIncoming includes edges where the queried entity is the target
// (inbound edges). By default only outgoing edges are returned.
func WithIncoming() RelQueryOpt {
	return func(o *relQueryOptions) { o.directionIn = true }
}

// WithOutgoing includes edges where the queried entity is the source
// (outbound edges). This is the default; calling it explicitly is a no-op
// but improves readability when combined with [WithIncoming].
func WithOutgoing() RelQueryOpt {
	return func(o *relQueryOptions) { o.directionOut = true }
}

// WithRelLimit caps the number of edges returned.
// A value of 0 means the implementation may apply its own default.
func WithRelLimit(n int) RelQueryOpt {
	return func(o *relQueryOptions) { o.limit = n }
}

// traversalOptions accumulates options for [GraphStore.Neighbors].
// Unexported — callers configure it via [TraversalOpt] functional options.
type traversalOptions struct {
	relTypes     []string
	minStrength  float64
	excludeTypes []string
	maxNodes     int
}

// TraversalOpt is a functional option for [GraphStore.Neighbors] traversals.
type TraversalOpt func(*traversalOptions)

// TraverseRelTypes restricts traversal to edges whose RelType is in the
// provided list. An empty list (the default) follows all edge types.
func TraverseRelTypes(relTypes ...string) TraversalOpt {
	return func(o *traversalOptions) {
		o.relTypes = append(o.relTypes, relTypes...)
	}
}

// TraverseExcludeTypes excludes edges whose RelType is in the provided list.
// Used by the Vector Store's 1-hop graph expansion to skip "observes" and
// "time_relation" edges, which carry no retrievable narrative content.
func TraverseExcludeTypes(relTypes ...string) TraversalOpt {
	return func(o *traversalOptions) {
		o.excludeTypes = append(o.excludeTypes, relTypes...)
	}
}

// TraverseMinStrength restricts traversal to edges whose EffectiveStrength is
// at least minStrength. A value of 0 (the default) follows all edges.
func TraverseMinStrength(minStrength float64) TraversalOpt {
	return func(o *traversalOptions) { o.minStrength = minStrength }
}

// TraverseMaxNodes caps the number of entities returned during a traversal.
// A value of 0 means the implementation may apply its own default.
func TraverseMaxNodes(n int) TraversalOpt {
	return func(o *traversalOptions) { o.maxNodes = n }
}

// Insight is a consolidated, higher-order understanding derived from a
// cluster of episodic memories. Insights are stored as [Entity] records with
// Type == "insight"; InsightEvidence links them back to the episodic memories
// that justify them.
type Insight struct {
	Entity

	// Confidence is the consolidation model's confidence in this insight,
	// mirrored into Entity.Attributes["confidence"] for storage.
	Confidence float64
}

// InsightEvidence links a consolidated insight back to the episodic memory
// that was used as evidence for it, forming an auditable derivation trail.
type InsightEvidence struct {
	// InsightID is the entity ID of the insight.
	InsightID string

	// EpisodicMemoryID is the ID of the supporting episodic memory.
	EpisodicMemoryID string

	// CreatedAt is when this evidence link was recorded.
	CreatedAt time.Time
}
