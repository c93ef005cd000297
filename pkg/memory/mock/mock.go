// Package mock provides in-memory test doubles for the memory layer interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.EpisodicStore{}
//	store.SearchHybridResult = []memory.EpisodicResult{{Memory: memory.EpisodicMemory{ID: "m1"}}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("SearchHybrid"); got != 1 {
//	    t.Errorf("expected 1 SearchHybrid call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cheshiremew/lumina/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// ConversationStore mock (L1)
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is a configurable test double for [memory.ConversationStore].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (empty slice/zero value returned).
type ConversationStore struct {
	mu sync.Mutex

	calls []Call

	LogTurnResult int64
	LogTurnErr    error

	GetRecentResult []memory.ConversationEntry
	GetRecentErr    error

	SearchResult []memory.ConversationEntry
	SearchErr    error

	CountUnprocessedResult int
	CountUnprocessedErr    error

	GetUnprocessedResult []memory.ConversationEntry
	GetUnprocessedErr    error

	MarkProcessedErr error

	IncrementRetryCountErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *ConversationStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *ConversationStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *ConversationStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// LogTurn implements [memory.ConversationStore].
func (m *ConversationStore) LogTurn(_ context.Context, entry memory.ConversationEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "LogTurn", Args: []any{entry}})
	return m.LogTurnResult, m.LogTurnErr
}

// GetRecent implements [memory.ConversationStore].
func (m *ConversationStore) GetRecent(_ context.Context, characterID, sessionID string, limit int) ([]memory.ConversationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRecent", Args: []any{characterID, sessionID, limit}})
	if m.GetRecentResult == nil {
		return []memory.ConversationEntry{}, m.GetRecentErr
	}
	out := make([]memory.ConversationEntry, len(m.GetRecentResult))
	copy(out, m.GetRecentResult)
	return out, m.GetRecentErr
}

// Search implements [memory.ConversationStore].
func (m *ConversationStore) Search(_ context.Context, query string, filter memory.ConversationFilter) ([]memory.ConversationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, filter}})
	if m.SearchResult == nil {
		return []memory.ConversationEntry{}, m.SearchErr
	}
	out := make([]memory.ConversationEntry, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// CountUnprocessed implements [memory.ConversationStore].
func (m *ConversationStore) CountUnprocessed(_ context.Context, characterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CountUnprocessed", Args: []any{characterID}})
	return m.CountUnprocessedResult, m.CountUnprocessedErr
}

// GetUnprocessed implements [memory.ConversationStore].
func (m *ConversationStore) GetUnprocessed(_ context.Context, characterID string, limit int) ([]memory.ConversationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetUnprocessed", Args: []any{characterID, limit}})
	if m.GetUnprocessedResult == nil {
		return []memory.ConversationEntry{}, m.GetUnprocessedErr
	}
	out := make([]memory.ConversationEntry, len(m.GetUnprocessedResult))
	copy(out, m.GetUnprocessedResult)
	return out, m.GetUnprocessedErr
}

// MarkProcessed implements [memory.ConversationStore].
func (m *ConversationStore) MarkProcessed(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MarkProcessed", Args: []any{ids}})
	return m.MarkProcessedErr
}

// IncrementRetryCount implements [memory.ConversationStore].
func (m *ConversationStore) IncrementRetryCount(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "IncrementRetryCount", Args: []any{ids}})
	return m.IncrementRetryCountErr
}

// Ensure ConversationStore satisfies the interface at compile time.
var _ memory.ConversationStore = (*ConversationStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// EpisodicStore mock (L2)
// ─────────────────────────────────────────────────────────────────────────────

// EpisodicStore is a configurable test double for [memory.EpisodicStore].
type EpisodicStore struct {
	mu sync.Mutex

	calls []Call

	AddMemoryResult string
	AddMemoryErr    error

	SearchVectorResult []memory.EpisodicResult
	SearchVectorErr    error

	SearchFulltextResult []memory.EpisodicResult
	SearchFulltextErr    error

	SearchHybridResult []memory.EpisodicResult
	SearchHybridErr    error

	MarkHitErr error

	GetByIDResult *memory.EpisodicMemory
	GetByIDErr    error

	CountSinceResult int
	CountSinceErr    error

	CountActiveAboveHitCountResult int
	CountActiveAboveHitCountErr    error

	TopByHitCountResult []memory.EpisodicMemory
	TopByHitCountErr    error

	ArchiveMemoriesErr error

	RandomActiveResult []memory.EpisodicMemory
	RandomActiveErr    error
}

// Calls returns a copy of all recorded method invocations.
func (m *EpisodicStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *EpisodicStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *EpisodicStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// AddMemory implements [memory.EpisodicStore].
func (m *EpisodicStore) AddMemory(_ context.Context, mem memory.EpisodicMemory) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AddMemory", Args: []any{mem}})
	return m.AddMemoryResult, m.AddMemoryErr
}

// SearchVector implements [memory.EpisodicStore].
func (m *EpisodicStore) SearchVector(_ context.Context, embedding []float32, topK int, filter memory.EpisodicFilter) ([]memory.EpisodicResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchVector", Args: []any{embedding, topK, filter}})
	if m.SearchVectorResult == nil {
		return []memory.EpisodicResult{}, m.SearchVectorErr
	}
	out := make([]memory.EpisodicResult, len(m.SearchVectorResult))
	copy(out, m.SearchVectorResult)
	return out, m.SearchVectorErr
}

// SearchFulltext implements [memory.EpisodicStore].
func (m *EpisodicStore) SearchFulltext(_ context.Context, query string, topK int, filter memory.EpisodicFilter) ([]memory.EpisodicResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchFulltext", Args: []any{query, topK, filter}})
	if m.SearchFulltextResult == nil {
		return []memory.EpisodicResult{}, m.SearchFulltextErr
	}
	out := make([]memory.EpisodicResult, len(m.SearchFulltextResult))
	copy(out, m.SearchFulltextResult)
	return out, m.SearchFulltextErr
}

// SearchHybrid implements [memory.EpisodicStore].
func (m *EpisodicStore) SearchHybrid(_ context.Context, query string, embedding []float32, topK int, vectorWeight float64, filter memory.EpisodicFilter) ([]memory.EpisodicResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchHybrid", Args: []any{query, embedding, topK, vectorWeight, filter}})
	if m.SearchHybridResult == nil {
		return []memory.EpisodicResult{}, m.SearchHybridErr
	}
	out := make([]memory.EpisodicResult, len(m.SearchHybridResult))
	copy(out, m.SearchHybridResult)
	return out, m.SearchHybridErr
}

// MarkHit implements [memory.EpisodicStore].
func (m *EpisodicStore) MarkHit(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MarkHit", Args: []any{ids}})
	return m.MarkHitErr
}

// GetByID implements [memory.EpisodicStore].
func (m *EpisodicStore) GetByID(_ context.Context, id string) (*memory.EpisodicMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetByID", Args: []any{id}})
	return m.GetByIDResult, m.GetByIDErr
}

// CountSince implements [memory.EpisodicStore].
func (m *EpisodicStore) CountSince(_ context.Context, characterID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CountSince", Args: []any{characterID, since}})
	return m.CountSinceResult, m.CountSinceErr
}

// CountActiveAboveHitCount implements [memory.EpisodicStore].
func (m *EpisodicStore) CountActiveAboveHitCount(_ context.Context, characterID string, minHitCount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CountActiveAboveHitCount", Args: []any{characterID, minHitCount}})
	return m.CountActiveAboveHitCountResult, m.CountActiveAboveHitCountErr
}

// TopByHitCount implements [memory.EpisodicStore].
func (m *EpisodicStore) TopByHitCount(_ context.Context, characterID string, minHitCount, limit int) ([]memory.EpisodicMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "TopByHitCount", Args: []any{characterID, minHitCount, limit}})
	if m.TopByHitCountResult == nil {
		return []memory.EpisodicMemory{}, m.TopByHitCountErr
	}
	out := make([]memory.EpisodicMemory, len(m.TopByHitCountResult))
	copy(out, m.TopByHitCountResult)
	return out, m.TopByHitCountErr
}

// ArchiveMemories implements [memory.EpisodicStore].
func (m *EpisodicStore) ArchiveMemories(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ArchiveMemories", Args: []any{ids}})
	return m.ArchiveMemoriesErr
}

// RandomActive implements [memory.EpisodicStore].
func (m *EpisodicStore) RandomActive(_ context.Context, characterID string, limit int) ([]memory.EpisodicMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RandomActive", Args: []any{characterID, limit}})
	if m.RandomActiveResult == nil {
		return []memory.EpisodicMemory{}, m.RandomActiveErr
	}
	out := make([]memory.EpisodicMemory, len(m.RandomActiveResult))
	copy(out, m.RandomActiveResult)
	return out, m.RandomActiveErr
}

// Ensure EpisodicStore satisfies the interface at compile time.
var _ memory.EpisodicStore = (*EpisodicStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// GraphStore mock (L3)
// ─────────────────────────────────────────────────────────────────────────────

// GraphStore is a configurable test double for [memory.GraphStore].
// Each method has a corresponding *Err field (returned on non-nil) and a
// corresponding *Result field (returned on success).
type GraphStore struct {
	mu sync.Mutex

	calls []Call

	// ──── AddEntity ────────────────────────────────────────────────────────
	AddEntityErr error

	// ──── GetEntity ────────────────────────────────────────────────────────
	GetEntityResult *memory.Entity
	GetEntityErr    error

	// ──── FindEntityByAlias ────────────────────────────────────────────────
	FindEntityByAliasResult *memory.Entity
	FindEntityByAliasErr    error

	// ──── FindEntitiesBySimilarEmbedding ───────────────────────────────────
	FindEntitiesBySimilarEmbeddingResult []memory.Entity
	FindEntitiesBySimilarEmbeddingErr    error

	// ──── FindEntities ─────────────────────────────────────────────────────
	FindEntitiesResult []memory.Entity
	FindEntitiesErr    error

	// ──── MergeEntities ────────────────────────────────────────────────────
	MergeEntitiesErr error

	// ──── DeleteEntity ─────────────────────────────────────────────────────
	DeleteEntityErr error

	// ──── Reinforce ────────────────────────────────────────────────────────
	ReinforceErr error

	// ──── GetRelations ─────────────────────────────────────────────────────
	GetRelationsResult []memory.RelationEdge
	GetRelationsErr    error

	// ──── DeleteRelation ───────────────────────────────────────────────────
	DeleteRelationErr error

	// ──── Neighbors ────────────────────────────────────────────────────────
	NeighborsEntitiesResult []memory.Entity
	NeighborsEdgesResult    []memory.RelationEdge
	NeighborsErr            error

	// ──── DecayAll ─────────────────────────────────────────────────────────
	DecayAllResult int
	DecayAllErr    error

	// ──── PruneWeak ────────────────────────────────────────────────────────
	PruneWeakResult int
	PruneWeakErr    error

	// ──── AddInsight ───────────────────────────────────────────────────────
	AddInsightErr error

	// ──── GetInsights ──────────────────────────────────────────────────────
	GetInsightsResult []memory.Insight
	GetInsightsErr    error

	// ──── GetEvidence ──────────────────────────────────────────────────────
	GetEvidenceResult []string
	GetEvidenceErr    error
}

// Calls returns a copy of all recorded method invocations.
func (m *GraphStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *GraphStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *GraphStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// AddEntity implements [memory.GraphStore].
func (m *GraphStore) AddEntity(_ context.Context, entity memory.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AddEntity", Args: []any{entity}})
	return m.AddEntityErr
}

// GetEntity implements [memory.GraphStore].
func (m *GraphStore) GetEntity(_ context.Context, id string) (*memory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetEntity", Args: []any{id}})
	return m.GetEntityResult, m.GetEntityErr
}

// FindEntityByAlias implements [memory.GraphStore].
func (m *GraphStore) FindEntityByAlias(_ context.Context, characterID, alias string) (*memory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FindEntityByAlias", Args: []any{characterID, alias}})
	return m.FindEntityByAliasResult, m.FindEntityByAliasErr
}

// FindEntitiesBySimilarEmbedding implements [memory.GraphStore].
func (m *GraphStore) FindEntitiesBySimilarEmbedding(_ context.Context, characterID string, embedding []float32, threshold float64, limit int) ([]memory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FindEntitiesBySimilarEmbedding", Args: []any{characterID, embedding, threshold, limit}})
	if m.FindEntitiesBySimilarEmbeddingResult == nil {
		return []memory.Entity{}, m.FindEntitiesBySimilarEmbeddingErr
	}
	out := make([]memory.Entity, len(m.FindEntitiesBySimilarEmbeddingResult))
	copy(out, m.FindEntitiesBySimilarEmbeddingResult)
	return out, m.FindEntitiesBySimilarEmbeddingErr
}

// FindEntities implements [memory.GraphStore].
func (m *GraphStore) FindEntities(_ context.Context, filter memory.EntityFilter) ([]memory.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "FindEntities", Args: []any{filter}})
	if m.FindEntitiesResult == nil {
		return []memory.Entity{}, m.FindEntitiesErr
	}
	out := make([]memory.Entity, len(m.FindEntitiesResult))
	copy(out, m.FindEntitiesResult)
	return out, m.FindEntitiesErr
}

// MergeEntities implements [memory.GraphStore].
func (m *GraphStore) MergeEntities(_ context.Context, characterID, winnerID, loserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MergeEntities", Args: []any{characterID, winnerID, loserID}})
	return m.MergeEntitiesErr
}

// DeleteEntity implements [memory.GraphStore].
func (m *GraphStore) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteEntity", Args: []any{id}})
	return m.DeleteEntityErr
}

// Reinforce implements [memory.GraphStore].
func (m *GraphStore) Reinforce(_ context.Context, edge memory.RelationEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Reinforce", Args: []any{edge}})
	return m.ReinforceErr
}

// GetRelations implements [memory.GraphStore].
func (m *GraphStore) GetRelations(_ context.Context, entityID string, opts ...memory.RelQueryOpt) ([]memory.RelationEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRelations", Args: []any{entityID, len(opts)}})
	if m.GetRelationsResult == nil {
		return []memory.RelationEdge{}, m.GetRelationsErr
	}
	out := make([]memory.RelationEdge, len(m.GetRelationsResult))
	copy(out, m.GetRelationsResult)
	return out, m.GetRelationsErr
}

// DeleteRelation implements [memory.GraphStore].
func (m *GraphStore) DeleteRelation(_ context.Context, sourceID, targetID, relType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteRelation", Args: []any{sourceID, targetID, relType}})
	return m.DeleteRelationErr
}

// Neighbors implements [memory.GraphStore].
func (m *GraphStore) Neighbors(_ context.Context, entityID string, opts ...memory.TraversalOpt) ([]memory.Entity, []memory.RelationEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Neighbors", Args: []any{entityID, len(opts)}})
	if m.NeighborsErr != nil {
		return nil, nil, m.NeighborsErr
	}
	entities := m.NeighborsEntitiesResult
	if entities == nil {
		entities = []memory.Entity{}
	} else {
		out := make([]memory.Entity, len(entities))
		copy(out, entities)
		entities = out
	}
	edges := m.NeighborsEdgesResult
	if edges == nil {
		edges = []memory.RelationEdge{}
	} else {
		out := make([]memory.RelationEdge, len(edges))
		copy(out, edges)
		edges = out
	}
	return entities, edges, nil
}

// DecayAll implements [memory.GraphStore].
func (m *GraphStore) DecayAll(_ context.Context, characterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DecayAll", Args: []any{characterID}})
	return m.DecayAllResult, m.DecayAllErr
}

// PruneWeak implements [memory.GraphStore].
func (m *GraphStore) PruneWeak(_ context.Context, characterID string, threshold float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "PruneWeak", Args: []any{characterID, threshold}})
	return m.PruneWeakResult, m.PruneWeakErr
}

// AddInsight implements [memory.GraphStore].
func (m *GraphStore) AddInsight(_ context.Context, insight memory.Insight, evidenceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AddInsight", Args: []any{insight, evidenceIDs}})
	return m.AddInsightErr
}

// GetInsights implements [memory.GraphStore].
func (m *GraphStore) GetInsights(_ context.Context, characterID string) ([]memory.Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetInsights", Args: []any{characterID}})
	if m.GetInsightsResult == nil {
		return []memory.Insight{}, m.GetInsightsErr
	}
	out := make([]memory.Insight, len(m.GetInsightsResult))
	copy(out, m.GetInsightsResult)
	return out, m.GetInsightsErr
}

// GetEvidence implements [memory.GraphStore].
func (m *GraphStore) GetEvidence(_ context.Context, insightID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetEvidence", Args: []any{insightID}})
	if m.GetEvidenceResult == nil {
		return []string{}, m.GetEvidenceErr
	}
	out := make([]string, len(m.GetEvidenceResult))
	copy(out, m.GetEvidenceResult)
	return out, m.GetEvidenceErr
}

// Ensure GraphStore satisfies the interface at compile time.
var _ memory.GraphStore = (*GraphStore)(nil)
