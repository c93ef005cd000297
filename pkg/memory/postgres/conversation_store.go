package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cheshiremew/lumina/pkg/memory"
)

// ConversationStoreImpl is the L1 memory layer backed by a PostgreSQL
// conversation_log table with a GIN full-text search index.
//
// Obtain one via [Store.L1] rather than constructing directly.
// All methods are safe for concurrent use.
type ConversationStoreImpl struct {
	pool *pgxpool.Pool
}

// LogTurn implements [memory.ConversationStore]. It appends entry to the
// conversation_log table and returns its assigned ID. entry.Embedding is
// optional: a nil embedding (no embeddings provider configured, or the
// embed call failed per spec §7) is written as SQL NULL rather than a
// zero-length vector.
func (s *ConversationStoreImpl) LogTurn(ctx context.Context, entry memory.ConversationEntry) (int64, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var vec any
	if len(entry.Embedding) > 0 {
		vec = pgvector.NewVector(entry.Embedding)
	}

	const q = `
		INSERT INTO conversation_log
		    (character_id, session_id, role, content, embedding, is_processed, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		entry.CharacterID,
		entry.SessionID,
		entry.Role,
		entry.Content,
		vec,
		entry.IsProcessed,
		entry.RetryCount,
		createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("conversation store: log turn: %w", err)
	}
	return id, nil
}

// GetRecent implements [memory.ConversationStore]. It returns the most
// recent entries for characterID/sessionID (sessionID empty matches all
// sessions) up to limit, ordered oldest first.
func (s *ConversationStoreImpl) GetRecent(ctx context.Context, characterID, sessionID string, limit int) ([]memory.ConversationEntry, error) {
	args := []any{characterID}
	cond := "character_id = $1"
	if sessionID != "" {
		args = append(args, sessionID)
		cond += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, character_id, session_id, role, content, is_processed, retry_count, created_at
		FROM   (
		    SELECT id, character_id, session_id, role, content, is_processed, retry_count, created_at
		    FROM   conversation_log
		    WHERE  %s
		    ORDER  BY created_at DESC
		    LIMIT  $%d
		) recent
		ORDER BY created_at`, cond, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.ConversationStore]. It performs a PostgreSQL
// full-text search over the content column and applies optional filters.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required.
func (s *ConversationStoreImpl) Search(ctx context.Context, query string, filter memory.ConversationFilter) ([]memory.ConversationEntry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', content) @@ plainto_tsquery('english', $1)",
	}
	if filter.CharacterID != "" {
		conditions = append(conditions, "character_id = "+next(filter.CharacterID))
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(filter.SessionID))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}

	q := "SELECT id, character_id, session_id, role, content, is_processed, retry_count, created_at\n" +
		"FROM   conversation_log\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: search: %w", err)
	}
	return collectEntries(rows)
}

// maxRetryCount is the Extractor's "retry_count < 5" ceiling (spec §4.6/§7):
// a log that has failed extraction 5 times is excluded from the working set
// entirely rather than being fetched and discarded, so it can never crowd
// out healthy logs behind it in the oldest-first queue.
const maxRetryCount = 5

// CountUnprocessed implements [memory.ConversationStore].
func (s *ConversationStoreImpl) CountUnprocessed(ctx context.Context, characterID string) (int, error) {
	const q = `
		SELECT count(*)
		FROM   conversation_log
		WHERE  character_id = $1 AND is_processed = false AND retry_count < $2`

	var n int
	if err := s.pool.QueryRow(ctx, q, characterID, maxRetryCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("conversation store: count unprocessed: %w", err)
	}
	return n, nil
}

// GetUnprocessed implements [memory.ConversationStore]. It returns up to
// limit unprocessed entries for characterID with retry_count below
// maxRetryCount, ordered oldest first.
func (s *ConversationStoreImpl) GetUnprocessed(ctx context.Context, characterID string, limit int) ([]memory.ConversationEntry, error) {
	const q = `
		SELECT id, character_id, session_id, role, content, is_processed, retry_count, created_at
		FROM   conversation_log
		WHERE  character_id = $1 AND is_processed = false AND retry_count < $2
		ORDER  BY created_at ASC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, characterID, maxRetryCount, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get unprocessed: %w", err)
	}
	return collectEntries(rows)
}

// MarkProcessed implements [memory.ConversationStore]. Marking an
// already-processed or non-existent ID is not an error. Per spec §4.6
// Phase 1's "mark all fetched logs is_processed=true, reset retry_count=0",
// retry_count is reset alongside the flag.
func (s *ConversationStoreImpl) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE conversation_log SET is_processed = true, retry_count = 0 WHERE id = ANY($1::bigint[])`
	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("conversation store: mark processed: %w", err)
	}
	return nil
}

// IncrementRetryCount implements [memory.ConversationStore].
func (s *ConversationStoreImpl) IncrementRetryCount(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE conversation_log SET retry_count = retry_count + 1 WHERE id = ANY($1::bigint[])`
	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("conversation store: increment retry count: %w", err)
	}
	return nil
}

// collectEntries scans pgx rows into a slice of ConversationEntry values.
func collectEntries(rows pgx.Rows) ([]memory.ConversationEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ConversationEntry, error) {
		var e memory.ConversationEntry
		if err := row.Scan(
			&e.ID,
			&e.CharacterID,
			&e.SessionID,
			&e.Role,
			&e.Content,
			&e.IsProcessed,
			&e.RetryCount,
			&e.CreatedAt,
		); err != nil {
			return memory.ConversationEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.ConversationEntry{}
	}
	return entries, nil
}
