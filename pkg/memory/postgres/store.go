package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/cheshiremew/lumina/pkg/memory"
)

// Compile-time interface checks.
//
// L1/L2/L3 each define a method named Search/GetByID with different
// signatures, so they are exposed as sub-types via [Store.L1], [Store.L2],
// and [Store.L3] rather than implemented directly on *Store.
var (
	_ memory.ConversationStore = (*ConversationStoreImpl)(nil)
	_ memory.EpisodicStore     = (*EpisodicStoreImpl)(nil)
	_ memory.GraphStore        = (*GraphStoreImpl)(nil)
)

// Store is the central PostgreSQL-backed memory store. It holds a single
// [pgxpool.Pool] and exposes the three-layer memory architecture:
//
//   - [Store.L1] returns a [ConversationStoreImpl] implementing [memory.ConversationStore]
//   - [Store.L2] returns an [EpisodicStoreImpl] implementing [memory.EpisodicStore]
//   - [Store.L3] returns a [GraphStoreImpl] implementing [memory.GraphStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool         *pgxpool.Pool
	conversation *ConversationStoreImpl
	episodic     *EpisodicStoreImpl
	graph        *GraphStoreImpl
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.EpisodicMemory.Embedding] and [memory.Entity.Embedding]
// values (e.g., 1536 for OpenAI text-embedding-3-small). Changing this value
// after the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:         pool,
		conversation: &ConversationStoreImpl{pool: pool},
		episodic:     &EpisodicStoreImpl{pool: pool},
		graph:        &GraphStoreImpl{pool: pool},
	}, nil
}

// L1 returns the L1 conversation log implementation satisfying [memory.ConversationStore].
func (s *Store) L1() *ConversationStoreImpl { return s.conversation }

// L2 returns the L2 episodic memory implementation satisfying [memory.EpisodicStore].
func (s *Store) L2() *EpisodicStoreImpl { return s.episodic }

// L3 returns the L3 knowledge graph implementation satisfying [memory.GraphStore].
func (s *Store) L3() *GraphStoreImpl { return s.graph }

// Pool exposes the underlying connection pool for components (e.g. the
// Memory Core) that need to run cross-layer operations in a single
// transaction.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
