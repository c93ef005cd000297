// Package memorycore implements the Memory Core façade: the single entry
// point collaborators use to log conversation turns, enqueue asynchronous
// memory writes, and delegate retrieval to the Vector Store.
//
// Core owns exactly one background worker goroutine draining an unbounded
// (large-buffered) task queue — the idiomatic Go rendition of the spec's
// "single background worker thread owning an MPSC queue of tasks",
// generalizing the teacher's single-owner-goroutine pattern used for its own
// background consumers (see internal/session.Consolidator's ticker loop for
// the same Start/Stop/done-channel shape).
package memorycore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cheshiremew/lumina/internal/observe"
	"github.com/cheshiremew/lumina/internal/vectorstore"
	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/provider/embeddings"
)

// episodicStore exposes the L2 store methods the Dreaming Scheduler's
// Consolidator phase needs, independent of vector search composition.
func (c *Core) episodicStore() memory.EpisodicStore { return c.vectorStore.EpisodicStore() }

// defaultQueueSize is the task channel's buffer. Go channels have no true
// unbounded mode; a large fixed buffer is the idiomatic approximation and
// backpressure only engages under sustained, pathological enqueue rates.
const defaultQueueSize = 4096

// defaultDrainTimeout bounds how long Stop waits for in-flight and
// already-queued tasks to finish before giving up, per spec §5's "shutdown
// drains queue with bounded timeout".
const defaultDrainTimeout = 2 * time.Second

// Task is a unit of asynchronous work enqueued via AddMemoryAsync. It is
// handed the Core's lifetime context (not the caller's) so that work
// enqueued just before shutdown still gets a living context for its
// duration, capped by the drain timeout.
type Task func(ctx context.Context) error

// Option configures a Core.
type Option func(*Core)

// WithQueueSize overrides the task channel's buffer size.
func WithQueueSize(size int) Option {
	return func(c *Core) { c.queueSize = size }
}

// WithDrainTimeout overrides how long Stop waits for the queue to drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Core) { c.drainTimeout = d }
}

// WithEmbedder gives LogConversation an embeddings provider so L1 entries
// are written with a content vector, per spec §4.5 "log_conversation ...
// writes ConversationLog with embedding (if embedder present)". Omitting it
// leaves ConversationEntry.Embedding nil on every write.
func WithEmbedder(e embeddings.Provider) Option {
	return func(c *Core) { c.embedder = e }
}

// Core is the Memory Core façade. All exported methods are safe for
// concurrent use.
type Core struct {
	conversations memory.ConversationStore
	vectorStore   *vectorstore.Store
	embedder      embeddings.Provider

	queueSize    int
	drainTimeout time.Duration

	tasks    chan Task
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs a Core. The worker goroutine is not started until Start is
// called.
func New(conversations memory.ConversationStore, vectorStore *vectorstore.Store, opts ...Option) *Core {
	c := &Core{
		conversations: conversations,
		vectorStore:   vectorStore,
		queueSize:     defaultQueueSize,
		drainTimeout:  defaultDrainTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	c.tasks = make(chan Task, c.queueSize)
	return c
}

// Start launches the single background worker goroutine. ctx's cancellation
// stops the worker from picking up further tasks once the current one
// returns; it does not by itself drain or close the queue — call Stop for
// an orderly shutdown.
func (c *Core) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

func (c *Core) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-c.tasks:
			if !ok {
				return
			}
			c.run(ctx, task)
		}
	}
}

// run executes one task, logging and continuing on failure: the worker
// contract is exactly-once processing per enqueued task under normal
// operation, never queue-wide abort on a single task's error.
func (c *Core) run(ctx context.Context, task Task) {
	observe.DefaultMetrics().MemoryCoreQueueDepth.Add(ctx, -1)
	if err := task(ctx); err != nil {
		slog.Warn("memory core task failed", "err", err)
	}
}

// LogConversation appends a turn to the L1 conversation log. Synchronous
// from the caller's view; it never blocks on LM work, matching the spec's
// "does not block on LM" contract for log_conversation.
//
// When an embeddings provider is configured, content is embedded before the
// write so conversation_log carries a vector alongside episodic_memory, per
// spec §4.1/§6's unconditional vector index on both tables. A failed
// embedding call is logged and the turn is still written without one — per
// spec §7 "Embedder error: ... logging falls back to storing conversation
// without embedding" — rather than failing the entire log write.
func (c *Core) LogConversation(ctx context.Context, characterID, sessionID, role, content string) (int64, error) {
	var vec []float32
	if c.embedder != nil {
		v, err := c.embedder.Embed(ctx, content)
		if err != nil {
			slog.Warn("memorycore: embedding conversation turn failed, logging without embedding", "character_id", characterID, "err", err)
		} else {
			vec = v
		}
	}

	id, err := c.conversations.LogTurn(ctx, memory.ConversationEntry{
		CharacterID: characterID,
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		Embedding:   vec,
	})
	if err != nil {
		return 0, fmt.Errorf("memorycore: log conversation: %w", err)
	}
	return id, nil
}

// AddMemoryAsync enqueues task for the worker to process in submission
// order. Returns an error immediately if the queue is full rather than
// blocking the caller indefinitely.
func (c *Core) AddMemoryAsync(task Task) error {
	select {
	case c.tasks <- task:
		observe.DefaultMetrics().MemoryCoreQueueDepth.Add(context.Background(), 1)
		return nil
	default:
		return fmt.Errorf("memorycore: task queue full (size %d)", c.queueSize)
	}
}

// Search delegates to the Vector Store's adaptive-threshold vector search.
func (c *Core) Search(ctx context.Context, characterID string, queryEmbedding []float32, limit int) ([]memory.EpisodicResult, error) {
	return c.vectorStore.Search(ctx, characterID, queryEmbedding, limit)
}

// SearchHybrid delegates to the Vector Store's RRF-fused hybrid search.
func (c *Core) SearchHybrid(ctx context.Context, characterID, query string, queryEmbedding []float32, limit int) ([]memory.EpisodicResult, error) {
	return c.vectorStore.SearchHybrid(ctx, characterID, query, queryEmbedding, limit)
}

// GetUnprocessedConversations returns unprocessed log entries for the
// Dreaming Scheduler's Extractor phase.
func (c *Core) GetUnprocessedConversations(ctx context.Context, characterID string, limit int) ([]memory.ConversationEntry, error) {
	return c.conversations.GetUnprocessed(ctx, characterID, limit)
}

// CountUnprocessedConversations reports how many unprocessed log entries
// exist, for the Extractor phase's threshold gate.
func (c *Core) CountUnprocessedConversations(ctx context.Context, characterID string) (int, error) {
	return c.conversations.CountUnprocessed(ctx, characterID)
}

// MarkConversationsProcessed flips IsProcessed for the given log entry IDs.
func (c *Core) MarkConversationsProcessed(ctx context.Context, ids []int64) error {
	return c.conversations.MarkProcessed(ctx, ids)
}

// IncrementConversationRetryCount bumps RetryCount for the given log entry
// IDs, called by the Extractor phase when a fetched batch fails extraction.
func (c *Core) IncrementConversationRetryCount(ctx context.Context, ids []int64) error {
	return c.conversations.IncrementRetryCount(ctx, ids)
}

// CountConsolidationCandidates reports how many active episodic memories for
// characterID have HitCount above minHitCount, for the Consolidator phase's
// threshold gate.
func (c *Core) CountConsolidationCandidates(ctx context.Context, characterID string, minHitCount int) (int, error) {
	return c.episodicStore().CountActiveAboveHitCount(ctx, characterID, minHitCount)
}

// ConsolidationCandidates fetches up to limit active episodic memories for
// characterID with HitCount above minHitCount, ordered by descending
// HitCount, for the Consolidator phase's batch fetch.
func (c *Core) ConsolidationCandidates(ctx context.Context, characterID string, minHitCount, limit int) ([]memory.EpisodicMemory, error) {
	return c.episodicStore().TopByHitCount(ctx, characterID, minHitCount, limit)
}

// ArchiveMemories marks the given episodic memory IDs archived, called by
// the Consolidator once their content has been distilled into new memories.
func (c *Core) ArchiveMemories(ctx context.Context, ids []string) error {
	return c.episodicStore().ArchiveMemories(ctx, ids)
}

// GetMemory fetches a single episodic memory by ID, used by the Dreaming
// Scheduler's Phase 2b Batch Consolidator to resolve the memory IDs a
// registered cluster named back into full records.
func (c *Core) GetMemory(ctx context.Context, id string) (*memory.EpisodicMemory, error) {
	return c.episodicStore().GetByID(ctx, id)
}

// RandomActiveMemories returns up to limit active episodic memories for
// characterID, sampled uniformly at random, for use as long-term context in
// the Evolution phase's LM prompt.
func (c *Core) RandomActiveMemories(ctx context.Context, characterID string, limit int) ([]memory.EpisodicMemory, error) {
	return c.episodicStore().RandomActive(ctx, characterID, limit)
}

// Stop closes the task queue and waits up to the configured drain timeout
// for the worker to finish already-enqueued tasks. Safe to call multiple
// times; only the first call has effect.
func (c *Core) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.tasks)
		waitDone := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-time.After(c.drainTimeout):
			err = fmt.Errorf("memorycore: shutdown drain exceeded %s", c.drainTimeout)
		}
	})
	return err
}
