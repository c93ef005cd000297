package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cheshiremew/lumina/internal/character"
	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
	"github.com/cheshiremew/lumina/pkg/types"
)

// evolutionSystemPrompt mirrors dreaming.py's soul-evolution template: given
// the character's current personality and a sample of long-term context,
// propose a small personality shift consistent with what it has
// experienced.
const evolutionSystemPrompt = `You are a personality evolution engine for a persistent character. Given the character's current traits, Big Five scores, PAD emotion state, mood, a sample of its long-term memories, and a transcript of recent events, propose a small, well-justified shift in personality consistent with what the character has experienced. Do not make drastic changes in a single pass.

Respond with ONLY a JSON object, no commentary, no markdown fence, of the exact shape:
{"new_traits": ["..."], "new_big_five": {"openness": 0.0, "conscientiousness": 0.0, "extraversion": 0.0, "agreeableness": 0.0, "neuroticism": 0.0}, "new_pad": {"pleasure": 0.0, "arousal": 0.0, "dominance": 0.0}, "current_mood": "happy|sad|angry|neutral|tired|excited|shy|obsessed|confused"}`

// evolutionRequestPayload is the JSON-mode prompt body: current state plus
// long-term context.
type evolutionRequestPayload struct {
	CurrentTraits   []string          `json:"current_traits"`
	CurrentBigFive  character.BigFive `json:"current_big_five"`
	CurrentPAD      character.PAD     `json:"current_pad"`
	CurrentMood     character.Mood    `json:"current_mood"`
	ContextMemories []string          `json:"context_memories"`
	RecentEvents    string            `json:"recent_events"`
}

// evolutionResponse is the LM's proposed update, parsed before validation.
type evolutionResponse struct {
	NewTraits   []string          `json:"new_traits"`
	NewBigFive  character.BigFive `json:"new_big_five"`
	NewPAD      character.PAD     `json:"new_pad"`
	CurrentMood character.Mood    `json:"current_mood"`
}

// runEvolution implements Phase 3 (spec §4.6): gated by three cumulative
// predicates, all of which must hold.
func (s *Scheduler) runEvolution(ctx context.Context, characterID string, state *characterState) error {
	if !state.lastEvolution.IsZero() && time.Since(state.lastEvolution) < minEvolutionInterval {
		return nil
	}
	if state.processedCount < minEvolutionProcessedCount {
		return nil
	}
	if state.textLen < minEvolutionTextLength {
		return nil
	}

	mgr, ok := s.characters(characterID)
	if !ok {
		return fmt.Errorf("%w: unknown character %q", ErrValidation, characterID)
	}

	contextMemories, err := s.core.RandomActiveMemories(ctx, characterID, evolutionContextSampleSize)
	if err != nil {
		return fmt.Errorf("%w: fetch random active memories: %w", ErrStorage, err)
	}

	profile := mgr.Profile()
	payload := evolutionRequestPayload{
		CurrentTraits:   profile.Traits,
		CurrentBigFive:  profile.BigFive,
		CurrentPAD:      profile.PAD,
		CurrentMood:     profile.State.CurrentMood,
		ContextMemories: memoryContents(contextMemories),
		RecentEvents:    truncate(state.text.String(), evolutionTextTruncateLength),
	}

	update, err := s.proposeEvolution(ctx, payload)
	if err != nil {
		return err
	}

	if err := mgr.ApplyEvolution(*update); err != nil {
		return fmt.Errorf("%w: apply evolution update: %w", ErrStorage, err)
	}

	state.lastEvolution = time.Now()
	state.processedCount = 0
	state.textLen = 0
	state.text.Reset()
	return nil
}

func memoryContents(memories []memory.EpisodicMemory) []string {
	out := make([]string, 0, len(memories))
	for _, m := range memories {
		out = append(out, m.Content)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (s *Scheduler) proposeEvolution(ctx context.Context, payload evolutionRequestPayload) (*character.EvolutionUpdate, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal evolution payload: %w", ErrValidation, err)
	}

	content, err := s.callLM(ctx, llm.CompletionRequest{
		SystemPrompt: evolutionSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: string(body)},
		},
		Temperature:    0.4,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}

	var resp evolutionResponse
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &resp); err != nil {
		return nil, wrapMalformed(fmt.Errorf("parse evolution response: %w", err))
	}
	if !character.IsValidMood(resp.CurrentMood) {
		return nil, wrapMalformed(fmt.Errorf("mood %q is not in the closed set", resp.CurrentMood))
	}
	var present struct {
		NewBigFive map[string]json.RawMessage `json:"new_big_five"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &present); err != nil {
		return nil, wrapMalformed(fmt.Errorf("parse evolution response: %w", err))
	}
	for _, trait := range []string{"openness", "conscientiousness", "extraversion", "agreeableness", "neuroticism"} {
		if _, ok := present.NewBigFive[trait]; !ok {
			return nil, wrapMalformed(fmt.Errorf("new_big_five is missing %q", trait))
		}
	}

	return &character.EvolutionUpdate{
		Traits:  resp.NewTraits,
		BigFive: resp.NewBigFive,
		PAD:     resp.NewPAD,
		Mood:    resp.CurrentMood,
	}, nil
}
