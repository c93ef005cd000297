package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cheshiremew/lumina/internal/graph"
	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
	"github.com/cheshiremew/lumina/pkg/types"
)

// extractionSystemPrompt mirrors original_source/python_backend/dreaming.py's
// extraction template: correct transcription errors, merge duplicate or
// conflicting facts about the same subject, and split any turn that covers
// more than one subject into separate memory fragments.
const extractionSystemPrompt = `You are a memory extraction engine. Given a raw conversation log, extract discrete, self-contained memories worth remembering long-term.

Rules:
- Correct obvious transcription errors (homophones, garbled names) using context.
- Merge duplicate or conflicting facts about the same subject into one corrected memory.
- If a single turn covers more than one subject, split it into separate memory entries.
- Skip small talk and filler that carries no lasting information.
- Optionally name any entities mentioned (person, place, object, concept) and any relation between two entities the memory implies.

Respond with ONLY a JSON array, no commentary, no markdown fence:
[{"memory": "...", "entities": [{"name": "...", "type": "person|place|object|concept"}], "relations": [{"source": "...", "target": "...", "rel_type": "..."}]}]`

// extractedItem is one element of the Extractor's (and Consolidator's) LM
// response. Entities and Relations are a supplement to
// original_source's bare {"memory": "..."} shape (documented as an Open
// Question decision in DESIGN.md): since dreaming.py never itself calls
// add_knowledge_graph, and no other in-scope caller produces triples from
// freshly extracted text, the Extractor's own prompt is the one place a
// triple can plausibly originate. Both fields are optional; a response that
// omits them is still valid.
type extractedItem struct {
	Memory    string            `json:"memory"`
	Entities  []extractedEntity `json:"entities,omitempty"`
	Relations []extractedRel    `json:"relations,omitempty"`
}

type extractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type extractedRel struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	RelType string `json:"rel_type"`
}

// runExtractor implements Phase 1 (spec §4.6): log → episodic memory.
func (s *Scheduler) runExtractor(ctx context.Context, characterID string, state *characterState) error {
	count, err := s.core.CountUnprocessedConversations(ctx, characterID)
	if err != nil {
		return fmt.Errorf("%w: count unprocessed conversations: %w", ErrStorage, err)
	}
	if count < s.cfg.ExtractionThreshold {
		return nil
	}

	entries, err := s.core.GetUnprocessedConversations(ctx, characterID, s.cfg.ExtractionBatchSize)
	if err != nil {
		return fmt.Errorf("%w: fetch unprocessed conversations: %w", ErrStorage, err)
	}
	entries = filterByRetryCount(entries, defaultMaxRetryCount)
	if len(entries) == 0 {
		return nil
	}

	logText := buildLogText(entries)
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	items, err := s.extractMemories(ctx, logText)
	if err != nil {
		if incErr := s.core.IncrementConversationRetryCount(ctx, ids); incErr != nil {
			return fmt.Errorf("%w: increment retry count after extraction failure: %w", ErrStorage, incErr)
		}
		return err
	}

	inserted := 0
	for _, item := range items {
		if strings.TrimSpace(item.Memory) == "" {
			continue
		}
		if err := s.insertExtractedMemory(ctx, characterID, item); err != nil {
			return fmt.Errorf("%w: insert extracted memory: %w", ErrStorage, err)
		}
		inserted++
	}

	if err := s.core.MarkConversationsProcessed(ctx, ids); err != nil {
		return fmt.Errorf("%w: mark conversations processed: %w", ErrStorage, err)
	}

	state.processedCount += inserted
	state.textLen += len(logText)
	state.text.WriteString(logText)
	return nil
}

// filterByRetryCount excludes entries at or above maxRetry. The Postgres
// driver already applies "retry_count < 5" in the count/fetch SQL itself
// (pkg/memory/postgres.maxRetryCount), so this is a defensive second check
// for any [memory.ConversationStore] implementation — such as the test
// mock — that returns its configured result set unfiltered.
func filterByRetryCount(entries []memory.ConversationEntry, maxRetry int) []memory.ConversationEntry {
	out := make([]memory.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		if e.RetryCount < maxRetry {
			out = append(out, e)
		}
	}
	return out
}

// buildLogText renders entries as "[timestamp] role: content" lines, one
// per conversation turn, per dreaming.py's prompt-construction step.
func buildLogText(entries []memory.ConversationEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.CreatedAt.Format(time.RFC3339), e.Role, e.Content)
	}
	return b.String()
}

func (s *Scheduler) extractMemories(ctx context.Context, logText string) ([]extractedItem, error) {
	content, err := s.callLM(ctx, llm.CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: logText},
		},
		Temperature:    0.3,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}

	var items []extractedItem
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &items); err != nil {
		return nil, wrapMalformed(fmt.Errorf("parse extraction response: %w", err))
	}
	return items, nil
}

// insertExtractedMemory embeds item's narrative and inserts it as an active
// episodic memory, then — if both a graph Writer and triple data are
// present — lifts any named entities/relations into the knowledge graph.
// A graph-write failure is logged but does not fail the memory insert: the
// episodic memory is the durable record; triple extraction is best-effort
// enrichment on top of it.
func (s *Scheduler) insertExtractedMemory(ctx context.Context, characterID string, item extractedItem) error {
	vec, err := s.embedder.Embed(ctx, item.Memory)
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}

	_, err = s.vectorStore.AddMemory(ctx, memory.EpisodicMemory{
		CharacterID: characterID,
		Content:     item.Memory,
		Embedding:   vec,
		Status:      memory.MemoryStatusActive,
		Type:        memory.MemoryTypeFact,
	})
	if err != nil {
		return err
	}

	s.writeTriples(ctx, characterID, item)
	return nil
}

func (s *Scheduler) writeTriples(ctx context.Context, characterID string, item extractedItem) {
	if s.writer == nil || len(item.Relations) == 0 {
		return
	}
	entityTypes := make(map[string]string, len(item.Entities))
	for _, e := range item.Entities {
		entityTypes[e.Name] = e.Type
	}
	for _, rel := range item.Relations {
		if rel.Source == "" || rel.Target == "" || rel.RelType == "" {
			continue
		}
		fact := graph.RelationFact{
			CharacterID: characterID,
			Source:      graph.EntityMention{CharacterID: characterID, Name: rel.Source, Type: entityTypes[rel.Source]},
			Target:      graph.EntityMention{CharacterID: characterID, Name: rel.Target, Type: entityTypes[rel.Target]},
			RelType:     strings.ToUpper(rel.RelType),
		}
		if err := s.writer.WriteRelation(ctx, fact); err != nil {
			// Best-effort: an extraction item's triples are an enrichment
			// on top of the already-persisted episodic memory.
			slog.Warn("dreaming: writing extracted triple failed", "character_id", characterID, "rel_type", rel.RelType, "error", err)
		}
	}
}
