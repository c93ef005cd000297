package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cheshiremew/lumina/pkg/memory"
)

// GraphStoreImpl is the L3 memory layer backed by PostgreSQL entities,
// relation_edges, and insight_evidence tables, with a pgvector HNSW index on
// entity embeddings for semantic entity-resolution dedup.
//
// Obtain one via [Store.L3] rather than constructing directly.
// All methods are safe for concurrent use.
type GraphStoreImpl struct {
	pool *pgxpool.Pool
}

// AddEntity implements [memory.GraphStore].
func (s *GraphStoreImpl) AddEntity(ctx context.Context, entity memory.Entity) error {
	attrsJSON, err := json.Marshal(entity.Attributes)
	if err != nil {
		return fmt.Errorf("graph store: marshal attributes: %w", err)
	}

	const q = `
		INSERT INTO entities (id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (id) DO UPDATE SET
		    type       = EXCLUDED.type,
		    name       = EXCLUDED.name,
		    aliases    = EXCLUDED.aliases,
		    attributes = EXCLUDED.attributes,
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	var vec *pgvector.Vector
	if entity.Embedding != nil {
		v := pgvector.NewVector(entity.Embedding)
		vec = &v
	}

	_, err = s.pool.Exec(ctx, q,
		entity.ID,
		entity.CharacterID,
		entity.Type,
		entity.Name,
		entity.Aliases,
		attrsJSON,
		vec,
	)
	if err != nil {
		return fmt.Errorf("graph store: add entity: %w", err)
	}
	return nil
}

// GetEntity implements [memory.GraphStore]. Returns (nil, nil) when the
// entity does not exist.
func (s *GraphStoreImpl) GetEntity(ctx context.Context, id string) (*memory.Entity, error) {
	const q = `
		SELECT id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at
		FROM   entities
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("graph store: get entity: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: get entity: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return &entities[0], nil
}

// FindEntityByAlias implements [memory.GraphStore]. It matches Name or any
// element of Aliases case-insensitively. Returns (nil, nil) when no entity
// matches.
func (s *GraphStoreImpl) FindEntityByAlias(ctx context.Context, characterID, alias string) (*memory.Entity, error) {
	const q = `
		SELECT id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at
		FROM   entities
		WHERE  character_id = $1
		  AND  (lower(name) = lower($2) OR lower($2) = ANY(SELECT lower(a) FROM unnest(aliases) AS a))
		LIMIT  1`

	rows, err := s.pool.Query(ctx, q, characterID, alias)
	if err != nil {
		return nil, fmt.Errorf("graph store: find entity by alias: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: find entity by alias: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return &entities[0], nil
}

// FindEntitiesBySimilarEmbedding implements [memory.GraphStore]. cosine
// similarity is computed as 1 - cosine_distance; only entities meeting
// threshold are returned, ordered by descending similarity.
func (s *GraphStoreImpl) FindEntitiesBySimilarEmbedding(ctx context.Context, characterID string, embedding []float32, threshold float64, limit int) ([]memory.Entity, error) {
	queryVec := pgvector.NewVector(embedding)

	const q = `
		SELECT id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at
		FROM   (
		    SELECT *, 1 - (embedding <=> $2) AS similarity
		    FROM   entities
		    WHERE  character_id = $1 AND embedding IS NOT NULL
		) scored
		WHERE  similarity >= $3
		ORDER  BY similarity DESC
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, characterID, queryVec, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("graph store: find entities by similar embedding: %w", err)
	}
	return collectEntities(rows)
}

// FindEntities implements [memory.GraphStore].
func (s *GraphStoreImpl) FindEntities(ctx context.Context, filter memory.EntityFilter) ([]memory.Entity, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.CharacterID != "" {
		conditions = append(conditions, "character_id = "+next(filter.CharacterID))
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = "+next(filter.Type))
	}
	if filter.Name != "" {
		conditions = append(conditions, "name ILIKE "+next("%"+filter.Name+"%"))
	}

	q := "SELECT id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at\nFROM   entities"
	if len(conditions) > 0 {
		q += "\nWHERE " + strings.Join(conditions, "\n  AND ")
	}
	q += "\nORDER BY name"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph store: find entities: %w", err)
	}
	return collectEntities(rows)
}

// MergeEntities implements [memory.GraphStore]. It is executed inside a
// single transaction: loser's edges are re-pointed to winner, its name is
// folded into winner's alias list, its evidence links are re-pointed, and
// the loser row is deleted.
func (s *GraphStoreImpl) MergeEntities(ctx context.Context, characterID, winnerID, loserID string) error {
	if winnerID == loserID {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: merge entities: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	loser, err := s.GetEntity(ctx, loserID)
	if err != nil {
		return fmt.Errorf("graph store: merge entities: get loser: %w", err)
	}
	if loser == nil {
		return nil
	}

	const foldAlias = `
		UPDATE entities
		SET    aliases = array_append(aliases, $2)
		WHERE  id = $1 AND NOT ($2 = ANY(aliases))`
	if _, err := tx.Exec(ctx, foldAlias, winnerID, loser.Name); err != nil {
		return fmt.Errorf("graph store: merge entities: fold alias: %w", err)
	}
	for _, a := range loser.Aliases {
		if _, err := tx.Exec(ctx, foldAlias, winnerID, a); err != nil {
			return fmt.Errorf("graph store: merge entities: fold alias: %w", err)
		}
	}

	repoint := []string{
		`UPDATE relation_edges SET source_id = $1 WHERE source_id = $2`,
		`UPDATE relation_edges SET target_id = $1 WHERE target_id = $2`,
		`UPDATE insight_evidence SET insight_id = $1 WHERE insight_id = $2`,
	}
	for _, stmt := range repoint {
		if _, err := tx.Exec(ctx, stmt, winnerID, loserID); err != nil {
			return fmt.Errorf("graph store: merge entities: repoint: %w", err)
		}
	}

	// Edges may now collide on (source_id, target_id, rel_type); keep the
	// stronger of any duplicate pair.
	const dedupEdges = `
		DELETE FROM relation_edges a USING relation_edges b
		WHERE a.source_id = b.source_id AND a.target_id = b.target_id
		  AND a.rel_type = b.rel_type AND a.ctid < b.ctid`
	if _, err := tx.Exec(ctx, dedupEdges); err != nil {
		return fmt.Errorf("graph store: merge entities: dedup edges: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = $1`, loserID); err != nil {
		return fmt.Errorf("graph store: merge entities: delete loser: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: merge entities: commit: %w", err)
	}
	return nil
}

// DeleteEntity implements [memory.GraphStore]. Cascades to relation_edges and
// insight_evidence via ON DELETE CASCADE.
func (s *GraphStoreImpl) DeleteEntity(ctx context.Context, id string) error {
	const q = `DELETE FROM entities WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("graph store: delete entity: %w", err)
	}
	return nil
}

// Reinforce implements [memory.GraphStore]. On conflict, Count increments,
// BaseStrength increases by 0.05 (clamped to 1.0), and LastMentioned resets
// to now — matching the reinforcement semantics of the Graph Writer.
func (s *GraphStoreImpl) Reinforce(ctx context.Context, edge memory.RelationEdge) error {
	attrsJSON, err := json.Marshal(edge.Attributes)
	if err != nil {
		return fmt.Errorf("graph store: marshal edge attributes: %w", err)
	}

	const q = `
		INSERT INTO relation_edges
		    (source_id, target_id, rel_type, character_id, base_strength, count, attributes, last_mentioned, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, now(), now())
		ON CONFLICT (source_id, target_id, rel_type) DO UPDATE SET
		    count          = relation_edges.count + 1,
		    base_strength  = LEAST(1.0, relation_edges.base_strength + 0.05),
		    attributes     = EXCLUDED.attributes,
		    last_mentioned = now()`

	baseStrength := edge.BaseStrength
	if baseStrength == 0 {
		baseStrength = 0.8
	}

	_, err = s.pool.Exec(ctx, q,
		edge.SourceID,
		edge.TargetID,
		edge.RelType,
		edge.CharacterID,
		baseStrength,
		attrsJSON,
	)
	if err != nil {
		return fmt.Errorf("graph store: reinforce: %w", err)
	}
	return nil
}

// GetRelations implements [memory.GraphStore].
func (s *GraphStoreImpl) GetRelations(ctx context.Context, entityID string, opts ...memory.RelQueryOpt) ([]memory.RelationEdge, error) {
	relTypes, dirIn, dirOut, limit := memory.ApplyRelQueryOpts(opts)
	if !dirIn && !dirOut {
		dirOut = true
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var dirParts []string
	if dirOut {
		dirParts = append(dirParts, "source_id = "+next(entityID))
	}
	if dirIn {
		dirParts = append(dirParts, "target_id = "+next(entityID))
	}
	conditions := []string{"(" + strings.Join(dirParts, " OR ") + ")"}

	if len(relTypes) > 0 {
		conditions = append(conditions, "rel_type = ANY("+next(relTypes)+"::text[])")
	}

	q := "SELECT source_id, target_id, rel_type, character_id, base_strength, count, attributes, last_mentioned, created_at\n" +
		"FROM   relation_edges\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY last_mentioned DESC"

	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph store: get relations: %w", err)
	}
	return collectEdges(rows)
}

// DeleteRelation implements [memory.GraphStore].
func (s *GraphStoreImpl) DeleteRelation(ctx context.Context, sourceID, targetID, relType string) error {
	const q = `DELETE FROM relation_edges WHERE source_id = $1 AND target_id = $2 AND rel_type = $3`
	if _, err := s.pool.Exec(ctx, q, sourceID, targetID, relType); err != nil {
		return fmt.Errorf("graph store: delete relation: %w", err)
	}
	return nil
}

// Neighbors implements [memory.GraphStore]. It performs a 1-hop traversal
// (outgoing and incoming) from entityID, optionally filtered by edge type,
// exclusion list, and minimum effective strength.
func (s *GraphStoreImpl) Neighbors(ctx context.Context, entityID string, opts ...memory.TraversalOpt) ([]memory.Entity, []memory.RelationEdge, error) {
	relTypes, excludeTypes, minStrength, maxNodes := memory.ApplyTraversalOpts(opts)

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	idArg := next(entityID) // $1
	conditions := []string{"(source_id = " + idArg + " OR target_id = " + idArg + ")"}
	if len(relTypes) > 0 {
		conditions = append(conditions, "rel_type = ANY("+next(relTypes)+"::text[])")
	}
	if len(excludeTypes) > 0 {
		conditions = append(conditions, "NOT (rel_type = ANY("+next(excludeTypes)+"::text[]))")
	}

	q := "SELECT source_id, target_id, rel_type, character_id, base_strength, count, attributes, last_mentioned, created_at\n" +
		"FROM   relation_edges\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY last_mentioned DESC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: neighbors: %w", err)
	}
	edges, err := collectEdges(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: neighbors: %w", err)
	}

	now := time.Now()
	neighborIDs := make([]string, 0, len(edges))
	kept := edges[:0:0]
	for _, e := range edges {
		if minStrength > 0 && e.EffectiveStrength(now) < minStrength {
			continue
		}
		kept = append(kept, e)
		if e.SourceID == entityID {
			neighborIDs = append(neighborIDs, e.TargetID)
		} else {
			neighborIDs = append(neighborIDs, e.SourceID)
		}
	}
	if maxNodes > 0 && len(neighborIDs) > maxNodes {
		neighborIDs = neighborIDs[:maxNodes]
		kept = kept[:maxNodes]
	}

	entities, err := s.fetchEntitiesIn(ctx, neighborIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: neighbors: %w", err)
	}
	return entities, kept, nil
}

// DecayAll implements [memory.GraphStore]. characterID == "" decays every
// character's edges.
func (s *GraphStoreImpl) DecayAll(ctx context.Context, characterID string) (int, error) {
	q := `UPDATE relation_edges SET base_strength = base_strength * 0.99`
	var args []any
	if characterID != "" {
		q += ` WHERE character_id = $1`
		args = append(args, characterID)
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("graph store: decay all: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PruneWeak implements [memory.GraphStore]. An edge's effective strength is
// computed in SQL to mirror [memory.RelationEdge.EffectiveStrength] exactly:
// base_strength * 0.99^(days since last_mentioned).
func (s *GraphStoreImpl) PruneWeak(ctx context.Context, characterID string, threshold float64) (int, error) {
	conditions := []string{
		"base_strength * power(0.99, extract(epoch FROM now() - last_mentioned) / 86400.0) < $1",
	}
	args := []any{threshold}
	if characterID != "" {
		conditions = append(conditions, fmt.Sprintf("character_id = $%d", len(args)+1))
		args = append(args, characterID)
	}

	q := "DELETE FROM relation_edges WHERE " + strings.Join(conditions, " AND ")
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("graph store: prune weak: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AddInsight implements [memory.GraphStore]. It is executed inside a single
// transaction covering the insight entity upsert and every evidence link.
func (s *GraphStoreImpl) AddInsight(ctx context.Context, insight memory.Insight, evidenceIDs []string) error {
	if insight.Attributes == nil {
		insight.Attributes = map[string]any{}
	}
	insight.Attributes["confidence"] = insight.Confidence
	insight.Type = "insight"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph store: add insight: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	attrsJSON, err := json.Marshal(insight.Attributes)
	if err != nil {
		return fmt.Errorf("graph store: add insight: marshal attributes: %w", err)
	}

	var vec *pgvector.Vector
	if insight.Embedding != nil {
		v := pgvector.NewVector(insight.Embedding)
		vec = &v
	}

	const upsert = `
		INSERT INTO entities (id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at)
		VALUES ($1, $2, 'insight', $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET
		    name       = EXCLUDED.name,
		    aliases    = EXCLUDED.aliases,
		    attributes = EXCLUDED.attributes,
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`
	if _, err := tx.Exec(ctx, upsert, insight.ID, insight.CharacterID, insight.Name, insight.Aliases, attrsJSON, vec); err != nil {
		return fmt.Errorf("graph store: add insight: upsert entity: %w", err)
	}

	const linkEvidence = `
		INSERT INTO insight_evidence (insight_id, episodic_memory_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (insight_id, episodic_memory_id) DO NOTHING`
	for _, memID := range evidenceIDs {
		if _, err := tx.Exec(ctx, linkEvidence, insight.ID, memID); err != nil {
			return fmt.Errorf("graph store: add insight: link evidence: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph store: add insight: commit: %w", err)
	}
	return nil
}

// GetInsights implements [memory.GraphStore].
func (s *GraphStoreImpl) GetInsights(ctx context.Context, characterID string) ([]memory.Insight, error) {
	const q = `
		SELECT id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at
		FROM   entities
		WHERE  character_id = $1 AND type = 'insight'
		ORDER  BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q, characterID)
	if err != nil {
		return nil, fmt.Errorf("graph store: get insights: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: get insights: %w", err)
	}

	insights := make([]memory.Insight, len(entities))
	for i, e := range entities {
		conf, _ := e.Attributes["confidence"].(float64)
		insights[i] = memory.Insight{Entity: e, Confidence: conf}
	}
	return insights, nil
}

// GetEvidence implements [memory.GraphStore].
func (s *GraphStoreImpl) GetEvidence(ctx context.Context, insightID string) ([]string, error) {
	const q = `SELECT episodic_memory_id FROM insight_evidence WHERE insight_id = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, insightID)
	if err != nil {
		return nil, fmt.Errorf("graph store: get evidence: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("graph store: get evidence: scan: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Private scan helpers
// ─────────────────────────────────────────────────────────────────────────────

// collectEntities scans pgx rows into a slice of Entity values.
func collectEntities(rows pgx.Rows) ([]memory.Entity, error) {
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entity, error) {
		var (
			e         memory.Entity
			attrsJSON []byte
			vec       *pgvector.Vector
		)
		if err := row.Scan(
			&e.ID,
			&e.CharacterID,
			&e.Type,
			&e.Name,
			&e.Aliases,
			&attrsJSON,
			&vec,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return memory.Entity{}, err
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
				return memory.Entity{}, fmt.Errorf("unmarshal entity attributes: %w", err)
			}
		}
		if e.Attributes == nil {
			e.Attributes = map[string]any{}
		}
		if vec != nil {
			e.Embedding = vec.Slice()
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if entities == nil {
		entities = []memory.Entity{}
	}
	return entities, nil
}

// collectEdges scans pgx rows into a slice of RelationEdge values.
func collectEdges(rows pgx.Rows) ([]memory.RelationEdge, error) {
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.RelationEdge, error) {
		var (
			e         memory.RelationEdge
			attrsJSON []byte
		)
		if err := row.Scan(
			&e.SourceID,
			&e.TargetID,
			&e.RelType,
			&e.CharacterID,
			&e.BaseStrength,
			&e.Count,
			&attrsJSON,
			&e.LastMentioned,
			&e.CreatedAt,
		); err != nil {
			return memory.RelationEdge{}, err
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
				return memory.RelationEdge{}, fmt.Errorf("unmarshal edge attributes: %w", err)
			}
		}
		if e.Attributes == nil {
			e.Attributes = map[string]any{}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []memory.RelationEdge{}
	}
	return edges, nil
}

// fetchEntitiesIn returns entities whose IDs are in the provided list.
func (s *GraphStoreImpl) fetchEntitiesIn(ctx context.Context, ids []string) ([]memory.Entity, error) {
	if len(ids) == 0 {
		return []memory.Entity{}, nil
	}
	const q = `
		SELECT id, character_id, type, name, aliases, attributes, embedding, created_at, updated_at
		FROM   entities
		WHERE  id = ANY($1::text[])`

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch entities in: %w", err)
	}
	return collectEntities(rows)
}
