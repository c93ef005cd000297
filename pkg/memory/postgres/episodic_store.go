package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cheshiremew/lumina/pkg/memory"
)

// rrfK is the Reciprocal Rank Fusion rank-offset constant. A candidate's
// contribution from a ranked list is weight/(rrfK+rank), rank starting at 1.
const rrfK = 60

// EpisodicStoreImpl is the L2 memory layer backed by a PostgreSQL
// episodic_memories table with a pgvector HNSW index and a GIN full-text
// search index.
//
// Obtain one via [Store.L2] rather than constructing directly.
// All methods are safe for concurrent use.
type EpisodicStoreImpl struct {
	pool *pgxpool.Pool
}

// AddMemory implements [memory.EpisodicStore]. It upserts a pre-embedded
// [memory.EpisodicMemory]. If mem.ID is empty a new UUID is assigned.
func (s *EpisodicStoreImpl) AddMemory(ctx context.Context, mem memory.EpisodicMemory) (string, error) {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	createdAt := mem.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var lastHitAt *time.Time
	if !mem.LastHitAt.IsZero() {
		lastHitAt = &mem.LastHitAt
	}

	status := mem.Status
	if status == "" {
		status = memory.MemoryStatusActive
	}
	memType := mem.Type
	if memType == "" {
		memType = memory.MemoryTypeFact
	}

	const q = `
		INSERT INTO episodic_memories
		    (id, character_id, content, embedding, importance, hit_count, entity_ids, status, type, created_at, last_hit_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    character_id = EXCLUDED.character_id,
		    content      = EXCLUDED.content,
		    embedding    = EXCLUDED.embedding,
		    importance   = EXCLUDED.importance,
		    entity_ids   = EXCLUDED.entity_ids,
		    status       = EXCLUDED.status,
		    type         = EXCLUDED.type`

	vec := pgvector.NewVector(mem.Embedding)
	_, err := s.pool.Exec(ctx, q,
		mem.ID,
		mem.CharacterID,
		mem.Content,
		vec,
		mem.Importance,
		mem.HitCount,
		mem.EntityIDs,
		status,
		memType,
		createdAt,
		lastHitAt,
	)
	if err != nil {
		return "", fmt.Errorf("episodic store: add memory: %w", err)
	}
	return mem.ID, nil
}

// SearchVector implements [memory.EpisodicStore]. Results are ordered by
// ascending cosine distance (most similar first).
func (s *EpisodicStoreImpl) SearchVector(ctx context.Context, embedding []float32, topK int, filter memory.EpisodicFilter) ([]memory.EpisodicResult, error) {
	queryVec := pgvector.NewVector(embedding)
	args := []any{queryVec} // $1
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"embedding IS NOT NULL", "status = 'active'"}
	conditions = appendEpisodicFilter(&conditions, next, filter)

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, character_id, content, embedding, importance, hit_count, entity_ids, status, type, created_at, last_hit_at,
		       embedding <=> $1 AS distance
		FROM   episodic_memories
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("episodic store: search vector: %w", err)
	}
	return collectEpisodicResults(rows, true)
}

// SearchFulltext implements [memory.EpisodicStore]. Results are ordered by
// descending ts_rank score, exposed in [memory.EpisodicResult.Score].
func (s *EpisodicStoreImpl) SearchFulltext(ctx context.Context, query string, topK int, filter memory.EpisodicFilter) ([]memory.EpisodicResult, error) {
	args := []any{query} // $1 = FTS query
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"to_tsvector('english', content) @@ plainto_tsquery('english', $1)", "status = 'active'"}
	conditions = appendEpisodicFilter(&conditions, next, filter)

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, character_id, content, embedding, importance, hit_count, entity_ids, status, type, created_at, last_hit_at,
		       ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
		FROM   episodic_memories
		WHERE  %s
		ORDER  BY score DESC
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("episodic store: search fulltext: %w", err)
	}
	return collectEpisodicResults(rows, false)
}

// SearchHybrid implements [memory.EpisodicStore]. It fetches topK*2
// candidates from both SearchVector and SearchFulltext, fuses them by
// Reciprocal Rank Fusion (k=60) weighted by vectorWeight/(1-vectorWeight),
// and returns the top topK by descending fused score.
//
// This is the storage-layer fusion only: entity-expansion and time-decay
// reranking on top of this result set are the responsibility of the Vector
// Store component, which composes L2 and L3.
func (s *EpisodicStoreImpl) SearchHybrid(ctx context.Context, query string, embedding []float32, topK int, vectorWeight float64, filter memory.EpisodicFilter) ([]memory.EpisodicResult, error) {
	fetchN := topK * 2
	if fetchN < topK {
		fetchN = topK // guard against overflow on absurd topK
	}

	vecResults, err := s.SearchVector(ctx, embedding, fetchN, filter)
	if err != nil {
		return nil, fmt.Errorf("episodic store: search hybrid: %w", err)
	}
	textResults, err := s.SearchFulltext(ctx, query, fetchN, filter)
	if err != nil {
		return nil, fmt.Errorf("episodic store: search hybrid: %w", err)
	}

	fused := make(map[string]*memory.EpisodicResult, len(vecResults)+len(textResults))
	accumulate := func(list []memory.EpisodicResult, weight float64) {
		for rank, r := range list {
			entry, ok := fused[r.Memory.ID]
			if !ok {
				copyR := r
				copyR.Score = 0
				fused[r.Memory.ID] = &copyR
				entry = fused[r.Memory.ID]
			}
			entry.Score += weight / float64(rrfK+rank+1)
		}
	}
	accumulate(vecResults, vectorWeight)
	accumulate(textResults, 1-vectorWeight)

	out := make([]memory.EpisodicResult, 0, len(fused))
	for _, r := range fused {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// MarkHit implements [memory.EpisodicStore].
func (s *EpisodicStoreImpl) MarkHit(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
		UPDATE episodic_memories
		SET    hit_count   = hit_count + 1,
		       last_hit_at = now()
		WHERE  id = ANY($1::text[])`
	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("episodic store: mark hit: %w", err)
	}
	return nil
}

// GetByID implements [memory.EpisodicStore]. Returns (nil, nil) when the
// memory does not exist.
func (s *EpisodicStoreImpl) GetByID(ctx context.Context, id string) (*memory.EpisodicMemory, error) {
	const q = `
		SELECT id, character_id, content, embedding, importance, hit_count, entity_ids, status, type, created_at, last_hit_at,
		       0::float8 AS distance
		FROM   episodic_memories
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("episodic store: get by id: %w", err)
	}
	results, err := collectEpisodicResults(rows, true)
	if err != nil {
		return nil, fmt.Errorf("episodic store: get by id: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0].Memory, nil
}

// CountSince implements [memory.EpisodicStore].
func (s *EpisodicStoreImpl) CountSince(ctx context.Context, characterID string, since time.Time) (int, error) {
	const q = `
		SELECT count(*)
		FROM   episodic_memories
		WHERE  character_id = $1 AND created_at >= $2`

	var n int
	if err := s.pool.QueryRow(ctx, q, characterID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("episodic store: count since: %w", err)
	}
	return n, nil
}

// CountActiveAboveHitCount implements [memory.EpisodicStore].
func (s *EpisodicStoreImpl) CountActiveAboveHitCount(ctx context.Context, characterID string, minHitCount int) (int, error) {
	const q = `
		SELECT count(*)
		FROM   episodic_memories
		WHERE  character_id = $1 AND status = 'active' AND hit_count > $2`

	var n int
	if err := s.pool.QueryRow(ctx, q, characterID, minHitCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("episodic store: count active above hit count: %w", err)
	}
	return n, nil
}

// TopByHitCount implements [memory.EpisodicStore].
func (s *EpisodicStoreImpl) TopByHitCount(ctx context.Context, characterID string, minHitCount, limit int) ([]memory.EpisodicMemory, error) {
	const q = `
		SELECT id, character_id, content, embedding, importance, hit_count, entity_ids, status, type, created_at, last_hit_at
		FROM   episodic_memories
		WHERE  character_id = $1 AND status = 'active' AND hit_count > $2
		ORDER  BY hit_count DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, characterID, minHitCount, limit)
	if err != nil {
		return nil, fmt.Errorf("episodic store: top by hit count: %w", err)
	}
	return collectEpisodicMemories(rows)
}

// ArchiveMemories implements [memory.EpisodicStore].
func (s *EpisodicStoreImpl) ArchiveMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE episodic_memories SET status = 'archived' WHERE id = ANY($1::text[])`
	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("episodic store: archive memories: %w", err)
	}
	return nil
}

// RandomActive implements [memory.EpisodicStore].
func (s *EpisodicStoreImpl) RandomActive(ctx context.Context, characterID string, limit int) ([]memory.EpisodicMemory, error) {
	const q = `
		SELECT id, character_id, content, embedding, importance, hit_count, entity_ids, status, type, created_at, last_hit_at
		FROM   episodic_memories
		WHERE  character_id = $1 AND status = 'active'
		ORDER  BY random()
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("episodic store: random active: %w", err)
	}
	return collectEpisodicMemories(rows)
}

// appendEpisodicFilter appends AND conditions derived from filter, using next
// to allocate positional placeholders, and returns the extended slice.
func appendEpisodicFilter(conditions *[]string, next func(any) string, filter memory.EpisodicFilter) []string {
	c := *conditions
	if filter.CharacterID != "" {
		c = append(c, "character_id = "+next(filter.CharacterID))
	}
	if !filter.After.IsZero() {
		c = append(c, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		c = append(c, "created_at < "+next(filter.Before))
	}
	return c
}

// collectEpisodicResults scans pgx rows into EpisodicResult values. The last
// scanned column is either a distance (withDistance=true, ascending-better)
// or a full-text score (withDistance=false, descending-better); callers
// should read the field matching what they selected.
func collectEpisodicResults(rows pgx.Rows, withDistance bool) ([]memory.EpisodicResult, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.EpisodicResult, error) {
		var (
			r         memory.EpisodicResult
			vec       pgvector.Vector
			lastHitAt *time.Time
			rankField float64
		)
		if err := row.Scan(
			&r.Memory.ID,
			&r.Memory.CharacterID,
			&r.Memory.Content,
			&vec,
			&r.Memory.Importance,
			&r.Memory.HitCount,
			&r.Memory.EntityIDs,
			&r.Memory.Status,
			&r.Memory.Type,
			&r.Memory.CreatedAt,
			&lastHitAt,
			&rankField,
		); err != nil {
			return memory.EpisodicResult{}, err
		}
		r.Memory.Embedding = vec.Slice()
		if lastHitAt != nil {
			r.Memory.LastHitAt = *lastHitAt
		}
		if withDistance {
			r.Distance = rankField
		} else {
			r.Score = rankField
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	if results == nil {
		results = []memory.EpisodicResult{}
	}
	return results, nil
}

// collectEpisodicMemories scans pgx rows (without a trailing distance/score
// column) into a slice of EpisodicMemory values, for queries like
// TopByHitCount that don't rank by a computed expression.
func collectEpisodicMemories(rows pgx.Rows) ([]memory.EpisodicMemory, error) {
	memories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.EpisodicMemory, error) {
		var (
			m         memory.EpisodicMemory
			vec       pgvector.Vector
			lastHitAt *time.Time
		)
		if err := row.Scan(
			&m.ID,
			&m.CharacterID,
			&m.Content,
			&vec,
			&m.Importance,
			&m.HitCount,
			&m.EntityIDs,
			&m.Status,
			&m.Type,
			&m.CreatedAt,
			&lastHitAt,
		); err != nil {
			return memory.EpisodicMemory{}, err
		}
		m.Embedding = vec.Slice()
		if lastHitAt != nil {
			m.LastHitAt = *lastHitAt
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	if memories == nil {
		memories = []memory.EpisodicMemory{}
	}
	return memories, nil
}
