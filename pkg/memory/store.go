// Package memory defines the three-layer long-term memory architecture shared
// by every character's memory store.
//
// The architecture is organised as a hierarchy of increasing abstraction:
//
//   - L1 – Conversation Store ([ConversationStore]): the hot, time-ordered
//     raw conversation log. Every turn is appended here first; nothing else
//     in the system writes directly to L2 or L3.
//   - L2 – Episodic Store ([EpisodicStore]): a vector + full-text index over
//     discrete memories extracted from the conversation log by the Dreaming
//     Scheduler's Extractor and Consolidator phases.
//   - L3 – Graph Store ([GraphStore]): a knowledge graph of named entities
//     and reinforced, decaying relationship edges, plus insight nodes stored
//     through [GraphStore.AddInsight]. No Dreaming phase writes insights.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, Redis, in-memory, …) without depending
// on internal implementation details.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// L1 – Conversation Store interface
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is the L1 memory layer: a time-ordered, append-only log
// of raw conversation turns, and the queue from which the Dreaming
// Scheduler's Extractor phase draws unprocessed work.
//
// Entries must be returned in chronological order unless otherwise specified.
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// LogTurn appends a ConversationEntry to the log. entry.ID is ignored on
	// input and populated by the implementation.
	LogTurn(ctx context.Context, entry ConversationEntry) (int64, error)

	// GetRecent returns the most recent entries for characterID/sessionID
	// (sessionID empty matches all sessions) up to limit, ordered oldest
	// first, suitable for prompt-assembly history windows.
	GetRecent(ctx context.Context, characterID, sessionID string, limit int) ([]ConversationEntry, error)

	// Search performs full-text search over logged turns matching filter.
	// Returns an empty (non-nil) slice when no entries match.
	Search(ctx context.Context, query string, filter ConversationFilter) ([]ConversationEntry, error)

	// CountUnprocessed returns how many entries for characterID have
	// IsProcessed == false. Used by the Extractor phase's threshold gate.
	CountUnprocessed(ctx context.Context, characterID string) (int, error)

	// GetUnprocessed returns up to limit unprocessed entries for
	// characterID, ordered oldest first (FIFO extraction order).
	GetUnprocessed(ctx context.Context, characterID string, limit int) ([]ConversationEntry, error)

	// MarkProcessed flips IsProcessed to true for the given entry IDs.
	// Marking an already-processed or non-existent ID is not an error.
	MarkProcessed(ctx context.Context, ids []int64) error

	// IncrementRetryCount increments RetryCount by one for the given entry
	// IDs. Called by the Dreaming Scheduler's Extractor phase when a fetched
	// batch fails LM extraction or JSON parsing, so those entries are
	// retried on the next cycle without ever being marked processed.
	IncrementRetryCount(ctx context.Context, ids []int64) error
}

// ─────────────────────────────────────────────────────────────────────────────
// L2 – Episodic Store interface
// ─────────────────────────────────────────────────────────────────────────────

// EpisodicStore is the L2 memory layer: a vector + full-text index over
// discrete episodic memories, supporting the hybrid retrieval pipeline
// (vector cosine + BM25-style lexical + Reciprocal Rank Fusion).
//
// Callers are responsible for producing embeddings before calling AddMemory
// or SearchVector/SearchHybrid. Implementations must be safe for concurrent use.
type EpisodicStore interface {
	// AddMemory stores a pre-embedded [EpisodicMemory]. If mem.ID is empty the
	// implementation assigns one and returns it.
	AddMemory(ctx context.Context, mem EpisodicMemory) (string, error)

	// SearchVector finds the topK memories whose embeddings are closest
	// (cosine distance) to embedding, filtered by filter. Results are ordered
	// by ascending Distance (most similar first).
	SearchVector(ctx context.Context, embedding []float32, topK int, filter EpisodicFilter) ([]EpisodicResult, error)

	// SearchFulltext performs lexical (BM25-style) search over memory
	// content. Results are ordered by descending Score.
	SearchFulltext(ctx context.Context, query string, topK int, filter EpisodicFilter) ([]EpisodicResult, error)

	// SearchHybrid fuses vector and full-text retrieval via Reciprocal Rank
	// Fusion (k=60), each candidate list weighted by vectorWeight and
	// 1-vectorWeight respectively. Results are ordered by descending fused
	// Score. No time-decay or importance reranking is applied here; the
	// Vector Store applies both on top of this result set.
	SearchHybrid(ctx context.Context, query string, embedding []float32, topK int, vectorWeight float64, filter EpisodicFilter) ([]EpisodicResult, error)

	// MarkHit increments HitCount and refreshes LastHitAt for the given
	// memory IDs. Called after a memory is actually surfaced in a response,
	// driving Phase 2b batch-consolidation triggers.
	MarkHit(ctx context.Context, ids []string) error

	// GetByID retrieves a single memory by ID. Returns (nil, nil) when it
	// does not exist.
	GetByID(ctx context.Context, id string) (*EpisodicMemory, error)

	// CountSince returns how many memories for characterID were created at or
	// after since. The Consolidator phase's threshold gate uses
	// CountActiveAboveHitCount, not this method.
	CountSince(ctx context.Context, characterID string, since time.Time) (int, error)

	// CountActiveAboveHitCount returns how many active memories for
	// characterID have HitCount strictly greater than minHitCount. Used by
	// the Consolidator phase's threshold gate ("count active memories with
	// hit_count > 1").
	CountActiveAboveHitCount(ctx context.Context, characterID string, minHitCount int) (int, error)

	// TopByHitCount returns up to limit active memories for characterID with
	// HitCount strictly greater than minHitCount, ordered by descending
	// HitCount. Used by the Consolidator phase to fetch its consolidation
	// batch.
	TopByHitCount(ctx context.Context, characterID string, minHitCount, limit int) ([]EpisodicMemory, error)

	// ArchiveMemories sets Status to [MemoryStatusArchived] for the given
	// memory IDs. Called by the Consolidator phase once its inputs have been
	// distilled into new memories. Archiving an
	// already-archived or non-existent ID is not an error.
	ArchiveMemories(ctx context.Context, ids []string) error

	// RandomActive returns up to limit active memories for characterID,
	// sampled uniformly at random. Used by the Evolution phase to gather
	// long-term context for its personality-shift prompt.
	RandomActive(ctx context.Context, characterID string, limit int) ([]EpisodicMemory, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// L3 – Graph Store interface
// ─────────────────────────────────────────────────────────────────────────────

// GraphStore is the L3 memory layer: a graph of named [Entity] nodes
// (including insight nodes) connected by typed, reinforced [RelationEdge]
// edges.
//
// Mutating operations that act on a primary key (AddEntity, Reinforce) must
// behave as upserts rather than returning an error on duplicates. Deletions
// of non-existent records are not errors.
//
// Implementations must be safe for concurrent use.
type GraphStore interface {
	// AddEntity upserts an entity into the graph. If an entity with the same
	// ID already exists it is completely replaced and UpdatedAt refreshed.
	AddEntity(ctx context.Context, entity Entity) error

	// GetEntity retrieves an entity by its unique ID. Returns (nil, nil) when
	// the entity does not exist.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// FindEntityByAlias returns the entity whose Name or Aliases exactly
	// matches alias (case-insensitive), scoped to characterID. Returns
	// (nil, nil) when no entity matches. This is the first stage of entity
	// resolution.
	FindEntityByAlias(ctx context.Context, characterID, alias string) (*Entity, error)

	// FindEntitiesBySimilarEmbedding returns entities scoped to characterID
	// whose Embedding has cosine similarity >= threshold to embedding,
	// ordered by descending similarity. Used as the semantic-dedup stage of
	// entity resolution.
	FindEntitiesBySimilarEmbedding(ctx context.Context, characterID string, embedding []float32, threshold float64, limit int) ([]Entity, error)

	// FindEntities returns all entities matching filter.
	// Returns an empty (non-nil) slice when no entities match.
	FindEntities(ctx context.Context, filter EntityFilter) ([]Entity, error)

	// MergeEntities re-points every edge and evidence link referencing
	// loserID to winnerID, unions winnerID's aliases with loserID's Name and
	// Aliases, and deletes loserID. Used by the Graph Curator's entity-merge
	// pass.
	MergeEntities(ctx context.Context, characterID, winnerID, loserID string) error

	// DeleteEntity removes the entity and all its associated edges from the
	// graph. Deleting a non-existent entity is not an error.
	DeleteEntity(ctx context.Context, id string) error

	// Reinforce upserts a directed edge. If an edge with the same (SourceID,
	// TargetID, RelType) already exists, Count is incremented, BaseStrength
	// is increased by 0.05 (clamped to 1.0), and LastMentioned is refreshed
	// to now; otherwise a new edge is created with Count=1.
	Reinforce(ctx context.Context, edge RelationEdge) error

	// GetRelations returns edges associated with entityID. By default only
	// outgoing edges are returned; use [WithIncoming] to include inbound
	// edges and [WithRelTypes] to filter by edge type.
	GetRelations(ctx context.Context, entityID string, opts ...RelQueryOpt) ([]RelationEdge, error)

	// DeleteRelation removes the directed edge identified by (sourceID,
	// targetID, relType). Deleting a non-existent edge is not an error.
	DeleteRelation(ctx context.Context, sourceID, targetID, relType string) error

	// Neighbors performs a 1-hop traversal from entityID and returns all
	// reachable entities together with the connecting edge. [TraversalOpt]
	// options restrict edge types followed and the minimum effective
	// strength required.
	Neighbors(ctx context.Context, entityID string, opts ...TraversalOpt) ([]Entity, []RelationEdge, error)

	// DecayAll multiplies BaseStrength by 0.99 for every edge scoped to
	// characterID ("" for every character) and returns the number of edges
	// updated. Used by the Graph Curator's periodic decay pass.
	DecayAll(ctx context.Context, characterID string) (int, error)

	// PruneWeak deletes every edge whose EffectiveStrength is below
	// threshold and returns the number of edges removed. Used by the Graph
	// Curator's prune pass.
	PruneWeak(ctx context.Context, characterID string, threshold float64) (int, error)

	// AddInsight upserts an insight entity (Type == "insight") and links it
	// to the episodic memories named in evidenceIDs via [InsightEvidence]
	// records. No relation edges are created for these links.
	AddInsight(ctx context.Context, insight Insight, evidenceIDs []string) error

	// GetInsights returns all insight entities for characterID.
	GetInsights(ctx context.Context, characterID string) ([]Insight, error)

	// GetEvidence returns the episodic memory IDs linked to insightID.
	GetEvidence(ctx context.Context, insightID string) ([]string, error)
}
