package memorycore_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cheshiremew/lumina/internal/memorycore"
	"github.com/cheshiremew/lumina/internal/vectorstore"
	"github.com/cheshiremew/lumina/pkg/memory"
	memorymock "github.com/cheshiremew/lumina/pkg/memory/mock"
	embeddingsmock "github.com/cheshiremew/lumina/pkg/provider/embeddings/mock"
)

func TestLogConversation_DelegatesToStore(t *testing.T) {
	t.Parallel()
	conversations := &memorymock.ConversationStore{LogTurnResult: 42}
	c := memorycore.New(conversations, nil)

	id, err := c.LogConversation(context.Background(), "mira", "sess-1", "user", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
	if conversations.CallCount("LogTurn") != 1 {
		t.Errorf("LogTurn called %d times, want 1", conversations.CallCount("LogTurn"))
	}
}

func TestLogConversation_WritesEmbeddingWhenProviderConfigured(t *testing.T) {
	t.Parallel()
	conversations := &memorymock.ConversationStore{LogTurnResult: 7}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{0.1, 0.2, 0.3}}
	c := memorycore.New(conversations, nil, memorycore.WithEmbedder(embedder))

	if _, err := c.LogConversation(context.Background(), "mira", "sess-1", "user", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := conversations.Calls()
	if len(calls) != 1 {
		t.Fatalf("LogTurn calls = %d, want 1", len(calls))
	}
	entry := calls[0].Args[0].(memory.ConversationEntry)
	if len(entry.Embedding) != 3 {
		t.Errorf("entry.Embedding = %v, want len 3", entry.Embedding)
	}
}

func TestLogConversation_FallsBackWithoutEmbeddingOnError(t *testing.T) {
	t.Parallel()
	conversations := &memorymock.ConversationStore{LogTurnResult: 8}
	embedder := &embeddingsmock.Provider{EmbedErr: errors.New("embedding service unavailable")}
	c := memorycore.New(conversations, nil, memorycore.WithEmbedder(embedder))

	id, err := c.LogConversation(context.Background(), "mira", "sess-1", "user", "hello")
	if err != nil {
		t.Fatalf("embedder failure should not fail the log write: %v", err)
	}
	if id != 8 {
		t.Errorf("id = %d, want 8", id)
	}

	calls := conversations.Calls()
	if len(calls) != 1 {
		t.Fatalf("LogTurn calls = %d, want 1", len(calls))
	}
	entry := calls[0].Args[0].(memory.ConversationEntry)
	if entry.Embedding != nil {
		t.Errorf("entry.Embedding = %v, want nil on embedder failure", entry.Embedding)
	}
}

func TestAddMemoryAsync_ProcessesTasksInOrder(t *testing.T) {
	t.Parallel()
	c := memorycore.New(&memorymock.ConversationStore{}, nil, memorycore.WithQueueSize(4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		if err := c.AddMemoryAsync(func(context.Context) error {
			order = append(order, i)
			if i == 2 {
				close(done)
			}
			return nil
		}); err != nil {
			t.Fatalf("AddMemoryAsync error: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete in time")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("order = %v, want [0 1 2]", order)
	}
}

func TestAddMemoryAsync_ReturnsErrorWhenQueueFull(t *testing.T) {
	t.Parallel()
	// No Start: nothing drains the queue, so it fills immediately.
	c := memorycore.New(&memorymock.ConversationStore{}, nil, memorycore.WithQueueSize(1))

	if err := c.AddMemoryAsync(func(context.Context) error { return nil }); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	if err := c.AddMemoryAsync(func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error when queue is full")
	}
}

func TestRun_ContinuesAfterTaskError(t *testing.T) {
	t.Parallel()
	c := memorycore.New(&memorymock.ConversationStore{}, nil, memorycore.WithQueueSize(4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	var successCount atomic.Int32
	if err := c.AddMemoryAsync(func(context.Context) error { return assertError{} }); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if err := c.AddMemoryAsync(func(context.Context) error {
		successCount.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for successCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if successCount.Load() != 1 {
		t.Fatal("worker should process the second task despite the first one's error")
	}
	_ = c.Stop()
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestStop_IsIdempotent(t *testing.T) {
	t.Parallel()
	c := memorycore.New(&memorymock.ConversationStore{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop() error: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop() should be a no-op, got error: %v", err)
	}
}

func TestSearchHybrid_DelegatesToVectorStore(t *testing.T) {
	t.Parallel()
	episodic := &memorymock.EpisodicStore{
		SearchHybridResult: []memory.EpisodicResult{{Memory: memory.EpisodicMemory{ID: "a"}, Score: 1}},
	}
	vs := vectorstore.New(episodic, nil)
	c := memorycore.New(&memorymock.ConversationStore{}, vs)

	results, err := c.SearchHybrid(context.Background(), "mira", "hi", []float32{0.1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
}

func TestGetUnprocessedConversations_Delegates(t *testing.T) {
	t.Parallel()
	conversations := &memorymock.ConversationStore{
		GetUnprocessedResult: []memory.ConversationEntry{{ID: 1, Content: "hi"}},
	}
	c := memorycore.New(conversations, nil)

	entries, err := c.GetUnprocessedConversations(context.Background(), "mira", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}
