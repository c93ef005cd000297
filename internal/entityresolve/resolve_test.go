package entityresolve_test

import (
	"context"
	"testing"

	"github.com/cheshiremew/lumina/internal/entityresolve"
	"github.com/cheshiremew/lumina/pkg/memory"
	memorymock "github.com/cheshiremew/lumina/pkg/memory/mock"
	embeddingsmock "github.com/cheshiremew/lumina/pkg/provider/embeddings/mock"
)

func TestResolve_AliasLookup(t *testing.T) {
	t.Parallel()
	graph := &memorymock.GraphStore{}
	r := entityresolve.New(graph, nil, map[string]string{"bob": "robert"})

	res, err := r.Resolve(context.Background(), "mira", "Bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := entityresolve.EntityID("robert")
	if res.EntityID != want {
		t.Errorf("EntityID = %q, want %q", res.EntityID, want)
	}
	if res.IsNew {
		t.Error("alias hit should not be IsNew")
	}
	if graph.CallCount("FindEntityByAlias") != 0 {
		t.Error("alias stage should short-circuit before touching the graph")
	}
}

func TestResolve_ExactMatch(t *testing.T) {
	t.Parallel()
	existing := &memory.Entity{ID: "entity:grimjaw", Name: "Grimjaw"}
	graph := &memorymock.GraphStore{FindEntityByAliasResult: existing}
	r := entityresolve.New(graph, nil, nil)

	res, err := r.Resolve(context.Background(), "char-1", "grimjaw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EntityID != "entity:grimjaw" {
		t.Errorf("EntityID = %q, want entity:grimjaw", res.EntityID)
	}
	if res.IsNew {
		t.Error("exact match should not be IsNew")
	}
}

func TestResolve_SemanticDedupHit(t *testing.T) {
	t.Parallel()
	existing := memory.Entity{ID: "entity:the_tower", Name: "The Tower"}
	graph := &memorymock.GraphStore{
		FindEntitiesBySimilarEmbeddingResult: []memory.Entity{existing},
	}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{0.4, 0.5}}
	r := entityresolve.New(graph, embedder, nil)

	res, err := r.Resolve(context.Background(), "char-1", "Tower")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EntityID != "entity:the_tower" {
		t.Errorf("EntityID = %q, want entity:the_tower", res.EntityID)
	}
	if res.IsNew {
		t.Error("semantic dedup hit should not be IsNew")
	}
	if res.Embedding != nil {
		t.Error("a matched entity should not carry a fresh embedding")
	}
}

func TestResolve_MintsNewEntityDeterministically(t *testing.T) {
	t.Parallel()
	graph := &memorymock.GraphStore{}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{0.1, 0.2}}
	r := entityresolve.New(graph, embedder, nil)

	res, err := r.Resolve(context.Background(), "char-1", "Whispering Glade")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsNew {
		t.Error("no match should mint a new entity")
	}
	want := "entity:whispering_glade"
	if res.EntityID != want {
		t.Errorf("EntityID = %q, want %q", res.EntityID, want)
	}
	if len(res.Embedding) != 2 {
		t.Errorf("Embedding len = %d, want 2", len(res.Embedding))
	}
}

func TestResolve_EmptyRawIsError(t *testing.T) {
	t.Parallel()
	graph := &memorymock.GraphStore{}
	r := entityresolve.New(graph, nil, nil)
	if _, err := r.Resolve(context.Background(), "char-1", "   "); err == nil {
		t.Fatal("expected error for empty raw name")
	}
}

func TestResolve_PhoneticFallbackCatchesNearMiss(t *testing.T) {
	t.Parallel()
	existing := memory.Entity{ID: "entity:eldrinax", Name: "Eldrinax"}
	graph := &memorymock.GraphStore{
		FindEntitiesResult: []memory.Entity{existing},
	}
	r := entityresolve.New(graph, nil, nil, entityresolve.WithPhoneticFallback(true), entityresolve.WithPhoneticThreshold(0.5))

	res, err := r.Resolve(context.Background(), "char-1", "Eldernax")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EntityID != "entity:eldrinax" {
		t.Errorf("EntityID = %q, want entity:eldrinax (phonetic fallback should have caught the near-miss)", res.EntityID)
	}
	if res.IsNew {
		t.Error("phonetic fallback hit should not be IsNew")
	}
}

func TestResolve_PhoneticFallbackDisabledMintsNew(t *testing.T) {
	t.Parallel()
	existing := memory.Entity{ID: "entity:eldrinax", Name: "Eldrinax"}
	graph := &memorymock.GraphStore{
		FindEntitiesResult: []memory.Entity{existing},
	}
	r := entityresolve.New(graph, nil, nil) // phonetic fallback off by default

	res, err := r.Resolve(context.Background(), "char-1", "Eldernax")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsNew {
		t.Error("with phonetic fallback disabled, a near-miss should mint a new entity")
	}
	if graph.CallCount("FindEntities") != 0 {
		t.Error("FindEntities should not be consulted when phonetic fallback is disabled")
	}
}

func TestEntityID_IsDeterministicAndNormalized(t *testing.T) {
	t.Parallel()
	a := entityresolve.EntityID("  The   Tower of Whispers  ")
	b := entityresolve.EntityID("the tower OF whispers")
	if a != b {
		t.Errorf("EntityID should normalize case/whitespace: %q != %q", a, b)
	}
	if a != "entity:the_tower_of_whispers" {
		t.Errorf("EntityID = %q, want entity:the_tower_of_whispers", a)
	}
}

func TestReload_SwapsAliasMap(t *testing.T) {
	t.Parallel()
	graph := &memorymock.GraphStore{}
	r := entityresolve.New(graph, nil, map[string]string{"bob": "robert"})

	r.Reload(map[string]string{"bob": "bobby"})

	res, err := r.Resolve(context.Background(), "char-1", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := entityresolve.EntityID("bobby")
	if res.EntityID != want {
		t.Errorf("EntityID = %q, want %q after reload", res.EntityID, want)
	}
}
