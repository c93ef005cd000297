package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/cheshiremew/lumina/pkg/provider/llm"
	"github.com/cheshiremew/lumina/pkg/types"
)

// compressorPrompt mirrors the teacher's session.LLMSummariser prompt,
// retargeted from tabletop-RPG transcripts to a long-term companion's
// conversation turns: preserve facts and commitments, drop small talk.
const compressorPrompt = `Summarise the following conversation turns between a user and an AI companion.
Preserve: facts stated by the user, commitments or promises made, emotionally significant moments, and any decisions reached.
Be concise but keep everything that later turns might need to recall.`

// summarize sends msgs to the LM with the compressor prompt and returns the
// condensed summary text. A non-streaming call, per spec §4.10's
// "non-streaming LM call with a compressor prompt".
func (o *Orchestrator) summarize(ctx context.Context, msgs []types.Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range msgs {
		speaker := m.Role
		if m.Name != "" {
			speaker = m.Name
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}

	resp, err := o.llmProvider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: compressorPrompt,
		Messages: []types.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("%w: summarize: %w", ErrTransientUpstream, err)
	}
	return resp.Content, nil
}

// maybeSummarize detaches a background summarisation task onto the Memory
// Core's worker queue (not a bare goroutine, per SPEC_FULL.md §4.10) when
// history has grown past the configured limit. It summarises all but the
// last keepLast messages and replaces them with a single compacted
// "## Previous Summary" entry.
func (o *Orchestrator) maybeSummarize(characterID, sessionID string, history []types.Message) {
	if len(history) <= o.cfg.HistoryLimit {
		return
	}
	keepLast := o.cfg.SummarizeKeepLast
	if keepLast >= len(history) {
		return
	}
	toSummarize := make([]types.Message, len(history)-keepLast)
	copy(toSummarize, history[:len(history)-keepLast])

	key := sessionKey(characterID, sessionID)
	sess := o.sessions.get(key)

	task := func(ctx context.Context) error {
		summary, err := o.summarize(ctx, toSummarize)
		if err != nil {
			return fmt.Errorf("chat: background summarize: %w", err)
		}
		sess.compress(summary, len(toSummarize))
		return nil
	}

	if o.core != nil {
		if err := o.core.AddMemoryAsync(task); err != nil {
			// Queue is saturated; drop the summarisation rather than block
			// the turn that triggered it. History simply stays uncompacted
			// until a future turn's overflow check retries.
			return
		}
		return
	}

	// No Memory Core wired (e.g. a minimal deployment): run inline rather
	// than silently dropping summarisation altogether.
	_ = task(context.Background())
}
