package vectorstore_test

import (
	"context"
	"testing"

	"github.com/cheshiremew/lumina/internal/vectorstore"
	"github.com/cheshiremew/lumina/pkg/memory"
	memorymock "github.com/cheshiremew/lumina/pkg/memory/mock"
)

func TestAddMemory_RejectsEmptyContent(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{}
	s := vectorstore.New(episodic, nil)

	_, err := s.AddMemory(context.Background(), memory.EpisodicMemory{Content: "  ", Embedding: []float32{0.1}})
	if err == nil {
		t.Fatal("expected error for empty content")
	}
	if episodic.CallCount("AddMemory") != 0 {
		t.Error("AddMemory should not reach the store when validation fails")
	}
}

func TestAddMemory_RejectsEmptyEmbedding(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{}
	s := vectorstore.New(episodic, nil)

	_, err := s.AddMemory(context.Background(), memory.EpisodicMemory{Content: "hello"})
	if err == nil {
		t.Fatal("expected error for empty embedding")
	}
}

func TestAddMemory_Succeeds(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{AddMemoryResult: "mem-1"}
	s := vectorstore.New(episodic, nil)

	id, err := s.AddMemory(context.Background(), memory.EpisodicMemory{Content: "hello", Embedding: []float32{0.1, 0.2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "mem-1" {
		t.Errorf("id = %q, want mem-1", id)
	}
}

func TestSearch_StopsAtFirstTierMeetingLimit(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{
		SearchVectorResult: []memory.EpisodicResult{
			{Memory: memory.EpisodicMemory{ID: "a"}, Distance: 0.1}, // score 0.9, passes tier 1 (0.60)
			{Memory: memory.EpisodicMemory{ID: "b"}, Distance: 0.3}, // score 0.7, passes tier 1
			{Memory: memory.EpisodicMemory{ID: "c"}, Distance: 0.9}, // score 0.1, fails every tier
		},
	}
	s := vectorstore.New(episodic, nil)

	results, err := s.Search(context.Background(), "char-1", []float32{0.1}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Memory.ID != "a" || results[1].Memory.ID != "b" {
		t.Errorf("unexpected result order: %+v", results)
	}
}

func TestSearch_FallsBackToLowestTierWhenNoneReachLimit(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{
		SearchVectorResult: []memory.EpisodicResult{
			{Memory: memory.EpisodicMemory{ID: "a"}, Distance: 0.8}, // score 0.2, only passes the 0.15 tier
		},
	}
	s := vectorstore.New(episodic, nil)

	results, err := s.Search(context.Background(), "char-1", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
}

func TestSearchHybrid_WithoutGraphStoreDegradesToFusion(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{
		SearchHybridResult: []memory.EpisodicResult{
			{Memory: memory.EpisodicMemory{ID: "a", Importance: 0}, Score: 1.0},
		},
	}
	s := vectorstore.New(episodic, nil)

	results, err := s.SearchHybrid(context.Background(), "char-1", "hello world", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if episodic.CallCount("MarkHit") != 1 {
		t.Error("MarkHit should be called for returned results")
	}
}

func TestSearchHybrid_BoostsEntityMatches(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{
		SearchHybridResult: []memory.EpisodicResult{
			{Memory: memory.EpisodicMemory{ID: "unrelated"}, Score: 0.01},
		},
	}
	graphStore := &memorymock.GraphStore{
		FindEntitiesResult: []memory.Entity{
			{ID: "entity:grimjaw", Name: "Grimjaw"},
		},
		NeighborsEntitiesResult: []memory.Entity{
			{ID: "entity:tower", Name: "The Tower"},
		},
		NeighborsEdgesResult: []memory.RelationEdge{
			{SourceID: "entity:grimjaw", TargetID: "entity:tower", RelType: "guards"},
		},
	}
	s := vectorstore.New(episodic, graphStore)

	results, err := s.SearchHybrid(context.Background(), "char-1", "tell me about grimjaw", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Memory.ID != "entity:grimjaw" {
		t.Errorf("top result = %q, want the boosted entity match to rank first", results[0].Memory.ID)
	}
}

func TestSearchHybrid_AppendsGraphEnrichmentTail(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{
		SearchHybridResult: []memory.EpisodicResult{
			{Memory: memory.EpisodicMemory{ID: "mem-1", EntityIDs: []string{"entity:grimjaw"}}, Score: 1.0},
		},
	}
	graphStore := &memorymock.GraphStore{
		NeighborsEntitiesResult: []memory.Entity{{ID: "entity:tower", Name: "The Tower"}},
		NeighborsEdgesResult: []memory.RelationEdge{
			{SourceID: "entity:grimjaw", TargetID: "entity:tower", RelType: "guards"},
		},
	}
	s := vectorstore.New(episodic, graphStore)

	results, err := s.SearchHybrid(context.Background(), "char-1", "grimjaw", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (1 memory + 1 enrichment entry)", len(results))
	}
	tail := results[1]
	if tail.Memory.ID != "entity:grimjaw" {
		t.Errorf("tail.Memory.ID = %q, want entity:grimjaw", tail.Memory.ID)
	}
	if tail.Memory.Type != memory.MemoryTypeGraphContext {
		t.Errorf("tail.Memory.Type = %q, want %q", tail.Memory.Type, memory.MemoryTypeGraphContext)
	}
	if tail.Score >= results[0].Score {
		t.Errorf("enrichment entry score %v should be below top result score %v", tail.Score, results[0].Score)
	}
	if episodic.CallCount("MarkHit") != 1 {
		t.Fatal("MarkHit should be called exactly once")
	}
	hitIDs := episodic.Calls()[len(episodic.Calls())-1].Args[0].([]string)
	for _, id := range hitIDs {
		if id == "entity:grimjaw" {
			t.Error("graph-enrichment entries must not be hit-marked, they aren't episodic memory IDs")
		}
	}
}

func TestSearchHybrid_EnrichmentRespectsBudget(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{
		SearchHybridResult: []memory.EpisodicResult{
			{Memory: memory.EpisodicMemory{ID: "mem-1", EntityIDs: []string{"e1", "e2", "e3", "e4"}}, Score: 1.0},
		},
	}
	graphStore := &memorymock.GraphStore{
		NeighborsEntitiesResult: []memory.Entity{{ID: "e-neighbor", Name: "Neighbor"}},
		NeighborsEdgesResult: []memory.RelationEdge{
			{SourceID: "e1", TargetID: "e-neighbor", RelType: "related_to"},
		},
	}
	s := vectorstore.New(episodic, graphStore, vectorstore.WithEnrichmentBudget(2))

	results, err := s.SearchHybrid(context.Background(), "char-1", "query", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3 (1 memory + budget of 2 enrichment entries)", len(results))
	}
}

func TestTimeDecayAndImportanceBoost_ViaSearchHybrid(t *testing.T) {
	t.Parallel()
	// Two otherwise-identical RRF scores; the one with higher Importance
	// should end up ranked first after the boost is applied.
	episodic := &memorymock.EpisodicStore{
		SearchHybridResult: []memory.EpisodicResult{
			{Memory: memory.EpisodicMemory{ID: "low-importance", Importance: 0}, Score: 0.5},
			{Memory: memory.EpisodicMemory{ID: "high-importance", Importance: 20}, Score: 0.5},
		},
	}
	s := vectorstore.New(episodic, nil)

	results, err := s.SearchHybrid(context.Background(), "char-1", "query", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Memory.ID != "high-importance" {
		t.Errorf("top result = %q, want high-importance to rank first", results[0].Memory.ID)
	}
}
