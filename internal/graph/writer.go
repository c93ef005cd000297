// Package graph turns resolved entity mentions and relation facts into
// knowledge-graph writes, and periodically curates the graph it grows.
//
// [Writer] is the write path used by the Dreaming Scheduler's Extractor
// phase: it resolves raw names through
// [github.com/cheshiremew/lumina/internal/entityresolve.Resolver] before
// touching the graph, so every entity it upserts has already been deduped
// against existing nodes. [Curator] is the maintenance path: periodic decay,
// pruning, and (optionally) LM-arbitrated conflict resolution, grounded on
// the same ticker-loop shape the teacher uses for its session consolidator.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/cheshiremew/lumina/internal/entityresolve"
	"github.com/cheshiremew/lumina/pkg/memory"
)

// EntityMention is a raw entity reference extracted from a conversation turn
// or episodic memory, not yet resolved to a canonical graph node.
type EntityMention struct {
	CharacterID string
	Type        string // "person", "place", "object", "concept", …
	Name        string
}

// RelationFact is a raw (subject, relation, object) triple extracted from
// text, with both endpoints still unresolved raw names.
type RelationFact struct {
	CharacterID string
	Source      EntityMention
	Target      EntityMention

	// RelType is the semantic edge label, conventionally an uppercase token
	// (e.g. "LIKES", "VISITED") per the spec's relation-edge convention.
	RelType string

	// Attributes carries optional edge metadata (e.g. extracted "context").
	Attributes map[string]any
}

// Writer resolves entity mentions and upserts the resulting entities and
// relation edges into a [memory.GraphStore].
//
// Safe for concurrent use; all state lives in the injected graph store and
// resolver.
type Writer struct {
	graph    memory.GraphStore
	resolver *entityresolve.Resolver
}

// NewWriter constructs a Writer. Both arguments must be non-nil.
func NewWriter(graphStore memory.GraphStore, resolver *entityresolve.Resolver) *Writer {
	return &Writer{graph: graphStore, resolver: resolver}
}

// UpsertEntity resolves mention to a canonical entity, creating a new one
// when no existing entity matches, and returns the resulting entity.
func (w *Writer) UpsertEntity(ctx context.Context, mention EntityMention) (*memory.Entity, error) {
	res, err := w.resolver.Resolve(ctx, mention.CharacterID, mention.Name)
	if err != nil {
		return nil, fmt.Errorf("graph writer: resolve entity %q: %w", mention.Name, err)
	}

	if !res.IsNew {
		existing, err := w.graph.GetEntity(ctx, res.EntityID)
		if err != nil {
			return nil, fmt.Errorf("graph writer: fetch resolved entity %q: %w", res.EntityID, err)
		}
		if existing != nil {
			return existing, nil
		}
		// Resolver returned an ID the store no longer has (e.g. deleted
		// between resolution and fetch); fall through and mint it fresh.
	}

	now := time.Now()
	entity := memory.Entity{
		ID:          res.EntityID,
		CharacterID: mention.CharacterID,
		Type:        mention.Type,
		Name:        mention.Name,
		Embedding:   res.Embedding,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.graph.AddEntity(ctx, entity); err != nil {
		return nil, fmt.Errorf("graph writer: add entity %q: %w", res.EntityID, err)
	}
	return &entity, nil
}

// WriteRelation resolves both endpoints of fact and reinforces the edge
// between them, minting either endpoint as a new entity if it doesn't
// already exist. Reinforcement semantics (count increment, base-strength
// bump, last-mentioned refresh) are handled by the underlying
// [memory.GraphStore.Reinforce] — idempotent at the (source, rel, target)
// level, so concurrent writers racing on the same triple cannot corrupt it.
func (w *Writer) WriteRelation(ctx context.Context, fact RelationFact) error {
	source, err := w.UpsertEntity(ctx, fact.Source)
	if err != nil {
		return fmt.Errorf("graph writer: write relation: source: %w", err)
	}
	target, err := w.UpsertEntity(ctx, fact.Target)
	if err != nil {
		return fmt.Errorf("graph writer: write relation: target: %w", err)
	}

	edge := memory.RelationEdge{
		SourceID:      source.ID,
		TargetID:      target.ID,
		RelType:       fact.RelType,
		CharacterID:   fact.CharacterID,
		Attributes:    fact.Attributes,
		LastMentioned: time.Now(),
	}
	if err := w.graph.Reinforce(ctx, edge); err != nil {
		return fmt.Errorf("graph writer: reinforce %s -[%s]-> %s: %w", source.ID, fact.RelType, target.ID, err)
	}
	return nil
}

// LinkInsight upserts an insight entity and its evidence links in one call,
// delegating directly to [memory.GraphStore.AddInsight].
func (w *Writer) LinkInsight(ctx context.Context, insight memory.Insight, evidenceIDs []string) error {
	if err := w.graph.AddInsight(ctx, insight, evidenceIDs); err != nil {
		return fmt.Errorf("graph writer: link insight %q: %w", insight.Entity.ID, err)
	}
	return nil
}
