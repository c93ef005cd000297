// Package postgres provides a PostgreSQL-backed implementation of the
// three-layer long-term memory architecture (L1 conversation log, L2
// episodic memory index, L3 knowledge graph).
//
// All three layers share a single [pgxpool.Pool] connection pool. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	// L1
//	_, _ = store.L1().LogTurn(ctx, entry)
//
//	// L2
//	_, _ = store.L2().AddMemory(ctx, mem)
//
//	// L3
//	_ = store.L3().AddEntity(ctx, entity)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// L1 DDL — conversation log
// ─────────────────────────────────────────────────────────────────────────────

// ddlConversationLog returns the L1 DDL with the embedding dimension
// substituted into conversation_log.embedding, matching spec §4.1/§6's
// unconditional vector index on conversation_log alongside episodic_memory.
func ddlConversationLog(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_log (
    id           BIGSERIAL    PRIMARY KEY,
    character_id TEXT         NOT NULL,
    session_id   TEXT         NOT NULL DEFAULT '',
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    embedding    vector(%d),
    is_processed BOOLEAN      NOT NULL DEFAULT false,
    retry_count  INT          NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_log_character
    ON conversation_log (character_id);

CREATE INDEX IF NOT EXISTS idx_conversation_log_character_session
    ON conversation_log (character_id, session_id);

CREATE INDEX IF NOT EXISTS idx_conversation_log_unprocessed
    ON conversation_log (character_id, is_processed, retry_count)
    WHERE is_processed = false;

CREATE INDEX IF NOT EXISTS idx_conversation_log_fts
    ON conversation_log USING GIN (to_tsvector('english', content));

CREATE INDEX IF NOT EXISTS idx_conversation_log_embedding
    ON conversation_log USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// L3 DDL — knowledge graph (entities + relation edges + insight evidence)
// ─────────────────────────────────────────────────────────────────────────────

// ddlKnowledgeGraph returns the L3 DDL with the embedding dimension
// substituted into the entities.embedding vector column.
func ddlKnowledgeGraph(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS entities (
    id           TEXT         PRIMARY KEY,
    character_id TEXT         NOT NULL,
    type         TEXT         NOT NULL,
    name         TEXT         NOT NULL,
    aliases      TEXT[]       NOT NULL DEFAULT '{}',
    attributes   JSONB        NOT NULL DEFAULT '{}',
    embedding    vector(%d),
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_character_type ON entities (character_id, type);
CREATE INDEX IF NOT EXISTS idx_entities_character_name ON entities (character_id, name);
CREATE INDEX IF NOT EXISTS idx_entities_embedding
    ON entities USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS relation_edges (
    source_id      TEXT         NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    target_id      TEXT         NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    rel_type       TEXT         NOT NULL,
    character_id   TEXT         NOT NULL,
    base_strength  DOUBLE PRECISION NOT NULL DEFAULT 0.8,
    count          INTEGER      NOT NULL DEFAULT 1,
    attributes     JSONB        NOT NULL DEFAULT '{}',
    last_mentioned TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (source_id, target_id, rel_type)
);

CREATE INDEX IF NOT EXISTS idx_relation_edges_source ON relation_edges (source_id);
CREATE INDEX IF NOT EXISTS idx_relation_edges_target ON relation_edges (target_id);
CREATE INDEX IF NOT EXISTS idx_relation_edges_type ON relation_edges (rel_type);
CREATE INDEX IF NOT EXISTS idx_relation_edges_character ON relation_edges (character_id);

CREATE TABLE IF NOT EXISTS insight_evidence (
    insight_id         TEXT  NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    episodic_memory_id TEXT  NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (insight_id, episodic_memory_id)
);

CREATE INDEX IF NOT EXISTS idx_insight_evidence_memory ON insight_evidence (episodic_memory_id);
`, embeddingDimensions)
}

// ddlEpisodicMemories returns the L2 DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlEpisodicMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS episodic_memories (
    id           TEXT         PRIMARY KEY,
    character_id TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    embedding    vector(%d),
    importance   REAL         NOT NULL DEFAULT 0.5,
    hit_count    INTEGER      NOT NULL DEFAULT 0,
    entity_ids   TEXT[]       NOT NULL DEFAULT '{}',
    status       TEXT         NOT NULL DEFAULT 'active',
    type         TEXT         NOT NULL DEFAULT 'fact',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_hit_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_episodic_memories_character
    ON episodic_memories (character_id);

CREATE INDEX IF NOT EXISTS idx_episodic_memories_embedding
    ON episodic_memories USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_episodic_memories_fts
    ON episodic_memories USING GIN (to_tsvector('english', content));
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables, indexes, and
// extensions exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE
// INDEX IF NOT EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlConversationLog(embeddingDimensions),
		ddlEpisodicMemories(embeddingDimensions),
		ddlKnowledgeGraph(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
