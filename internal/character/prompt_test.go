package character_test

import (
	"strings"
	"testing"
	"time"

	"github.com/cheshiremew/lumina/internal/character"
)

func TestRenderPrompt_IncludesIdentityMoodAndRelationship(t *testing.T) {
	t.Parallel()
	profile := character.Profile{
		Name:        "Mira",
		Description: "A warm companion.",
		PAD:         character.PAD{Pleasure: 0.8, Arousal: 0.7},
		State:       character.State{CurrentMood: character.MoodExcited, EnergyLevel: 90},
		Relationship: character.Relationship{
			Level:    2,
			UserName: "Alex",
		},
	}

	prompt := character.RenderPrompt(profile, "", time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))

	if !strings.Contains(prompt, "Mira") {
		t.Error("prompt should mention the character's name")
	}
	if !strings.Contains(prompt, "excited") {
		t.Error("prompt should mention current mood")
	}
	if !strings.Contains(prompt, "Alex") {
		t.Error("prompt should mention the user's name")
	}
	if !strings.Contains(prompt, "Friend") {
		t.Error("prompt should mention the relationship stage label")
	}
	if strings.Contains(prompt, "Related Memories") {
		t.Error("prompt should omit the RAG section when summary is empty")
	}
}

func TestRenderPrompt_IncludesSharedMemorySummaryWhenPresent(t *testing.T) {
	t.Parallel()
	profile := character.Profile{Name: "Mira"}
	prompt := character.RenderPrompt(profile, "- Alex likes coffee", time.Now())

	if !strings.Contains(prompt, "## Related Memories") {
		t.Error("prompt should include the RAG section header")
	}
	if !strings.Contains(prompt, "Alex likes coffee") {
		t.Error("prompt should include the shared memory summary text")
	}
}

func TestGetPADDescription_Boundaries(t *testing.T) {
	t.Parallel()
	cases := []struct {
		pleasure, arousal float64
		want              string
	}{
		{0.9, 0.9, "Excited/Joyful"},
		{0.9, 0.2, "Content/Relaxed"},
		{0.1, 0.9, "Angry/Anxious"},
		{0.1, 0.2, "Sad/Depressed"},
		{0.5, 0.9, "Alert"},
		{0.5, 0.2, "Neutral/Calm"},
	}
	for _, c := range cases {
		got := character.GetPADDescription(c.pleasure, c.arousal)
		if got != c.want {
			t.Errorf("GetPADDescription(%v, %v) = %q, want %q", c.pleasure, c.arousal, got, c.want)
		}
	}
}
