package dreaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cheshiremew/lumina/internal/character"
	"github.com/cheshiremew/lumina/pkg/memory"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
)

func seedProfile() character.Profile {
	return character.Profile{
		Name:    "Test",
		Traits:  []string{"curious"},
		BigFive: character.BigFive{Openness: 0.5, Conscientiousness: 0.5, Extraversion: 0.5, Agreeableness: 0.5, Neuroticism: 0.5},
		PAD:     character.PAD{Pleasure: 0.5, Arousal: 0.5, Dominance: 0.5},
	}
}

func TestRunEvolution_SkipsWhenGatesUnmet(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCharacter(t, "char-1", seedProfile())

	state := &characterState{processedCount: 1, textLen: 10}
	if err := r.sched.runEvolution(context.Background(), "char-1", state); err != nil {
		t.Fatalf("runEvolution: %v", err)
	}
	if len(r.llm.CompleteCalls) != 0 {
		t.Errorf("expected no LM call while thresholds are unmet")
	}
}

func TestRunEvolution_AppliesUpdateWhenAllGatesHold(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCharacter(t, "char-1", seedProfile())
	r.episodic.RandomActiveResult = []memory.EpisodicMemory{{ID: "m1", Content: "context memory"}}
	r.llm.CompleteResponse = &llm.CompletionResponse{Content: `{"new_traits": ["curious", "warmer"], "new_big_five": {"openness": 0.6, "conscientiousness": 0.5, "extraversion": 0.55, "agreeableness": 0.5, "neuroticism": 0.45}, "new_pad": {"pleasure": 0.6, "arousal": 0.5, "dominance": 0.5}, "current_mood": "happy"}`}

	state := &characterState{
		processedCount: minEvolutionProcessedCount,
		textLen:        minEvolutionTextLength,
	}
	if err := r.sched.runEvolution(context.Background(), "char-1", state); err != nil {
		t.Fatalf("runEvolution: %v", err)
	}

	mgr := r.managers["char-1"]
	profile := mgr.Profile()
	if profile.State.CurrentMood != character.MoodHappy {
		t.Errorf("expected mood happy, got %s", profile.State.CurrentMood)
	}
	if profile.BigFive.Openness != 0.6 {
		t.Errorf("expected openness 0.6, got %v", profile.BigFive.Openness)
	}
	if state.processedCount != 0 || state.textLen != 0 {
		t.Errorf("expected counters reset after a successful evolution pass")
	}
	if state.lastEvolution.IsZero() {
		t.Errorf("expected lastEvolution to be recorded")
	}
}

func TestRunEvolution_RejectsInvalidMood(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCharacter(t, "char-1", seedProfile())
	r.llm.CompleteResponse = &llm.CompletionResponse{Content: `{"new_traits": [], "new_big_five": {}, "new_pad": {}, "current_mood": "ecstatic"}`}

	state := &characterState{
		processedCount: minEvolutionProcessedCount,
		textLen:        minEvolutionTextLength,
	}
	err := r.sched.runEvolution(context.Background(), "char-1", state)
	if err == nil {
		t.Fatal("expected error for out-of-set mood")
	}
	if !errors.Is(err, ErrMalformedOutput) {
		t.Errorf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestRunEvolution_RespectsMinIntervalSinceLast(t *testing.T) {
	r := newTestRig(t, Config{})
	r.addCharacter(t, "char-1", seedProfile())

	state := &characterState{
		processedCount: minEvolutionProcessedCount,
		textLen:        minEvolutionTextLength,
		lastEvolution:  time.Now().Add(-time.Minute),
	}
	if err := r.sched.runEvolution(context.Background(), "char-1", state); err != nil {
		t.Fatalf("runEvolution: %v", err)
	}
	if len(r.llm.CompleteCalls) != 0 {
		t.Errorf("expected no LM call before minEvolutionInterval has elapsed")
	}
}
