package character_test

import (
	"testing"

	"github.com/cheshiremew/lumina/internal/character"
	"github.com/cheshiremew/lumina/pkg/provider/llm"
)

func neutralProfile() character.Profile {
	return character.Profile{
		BigFive: character.BigFive{
			Openness: 0.5, Conscientiousness: 0.5, Extraversion: 0.5, Agreeableness: 0.5, Neuroticism: 0.5,
		},
		PAD:          character.PAD{Pleasure: 0.5, Arousal: 0.5, Dominance: 0.5},
		State:        character.State{EnergyLevel: 100},
		Relationship: character.Relationship{Level: 0},
	}
}

func TestModulate_NeutralProfileReturnsBaseParams(t *testing.T) {
	t.Parallel()
	base := llm.CompletionRequest{Temperature: 0.7, TopP: 1.0}
	out := character.Modulate(base, neutralProfile())

	if out.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7 (all personality/mood terms neutral at 0.5)", out.Temperature)
	}
	if out.TopP != 0.8 {
		t.Errorf("TopP = %v, want 0.8 (stranger-level hard clip applies)", out.TopP)
	}
}

func TestModulate_StrangerLevelClipsTemperatureAndTopP(t *testing.T) {
	t.Parallel()
	profile := neutralProfile()
	profile.BigFive.Openness = 1.0
	base := llm.CompletionRequest{Temperature: 0.7, TopP: 1.0}

	out := character.Modulate(base, profile)
	if out.Temperature > 0.8 {
		t.Errorf("Temperature = %v, want clipped to <= 0.8 at relationship level 0", out.Temperature)
	}
	if out.TopP > 0.8 {
		t.Errorf("TopP = %v, want clipped to <= 0.8 at relationship level 0", out.TopP)
	}
}

func TestModulate_IndifferentLevelClipsTemperatureHarder(t *testing.T) {
	t.Parallel()
	profile := neutralProfile()
	profile.Relationship.Level = -1
	base := llm.CompletionRequest{Temperature: 0.7, TopP: 1.0}

	out := character.Modulate(base, profile)
	if out.Temperature > 0.6 {
		t.Errorf("Temperature = %v, want clipped to <= 0.6 at relationship level -1", out.Temperature)
	}
}

func TestModulate_SoulmateLevelWidensBandwidth(t *testing.T) {
	t.Parallel()
	profile := neutralProfile()
	profile.Relationship.Level = 5
	base := llm.CompletionRequest{Temperature: 0.7, TopP: 1.0}

	out := character.Modulate(base, profile)
	if out.Temperature <= 0.7 {
		t.Errorf("Temperature = %v, want widened above base 0.7 at soulmate level", out.Temperature)
	}
}

func TestModulate_FinalValuesAreClampedAndRounded(t *testing.T) {
	t.Parallel()
	profile := neutralProfile()
	profile.Relationship.Level = 5
	profile.BigFive.Openness = 1.0
	profile.BigFive.Neuroticism = 1.0
	profile.PAD.Pleasure = 1.0
	base := llm.CompletionRequest{Temperature: 1.9, TopP: 1.0}

	out := character.Modulate(base, profile)
	if out.Temperature < 0.1 || out.Temperature > 2.0 {
		t.Errorf("Temperature = %v, out of [0.1, 2.0]", out.Temperature)
	}
	if out.TopP < 0.1 || out.TopP > 1.0 {
		t.Errorf("TopP = %v, out of [0.1, 1.0]", out.TopP)
	}
}

func TestModulate_LowEnergyDampensMoodShift(t *testing.T) {
	t.Parallel()
	highEnergy := neutralProfile()
	highEnergy.PAD.Pleasure = 1.0
	highEnergy.State.EnergyLevel = 100

	lowEnergy := highEnergy
	lowEnergy.State.EnergyLevel = 10

	base := llm.CompletionRequest{Temperature: 0.7, TopP: 1.0}
	highOut := character.Modulate(base, highEnergy)
	lowOut := character.Modulate(base, lowEnergy)

	if lowOut.Temperature >= highOut.Temperature {
		t.Errorf("low-energy temperature %v should be damped below high-energy temperature %v", lowOut.Temperature, highOut.Temperature)
	}
}
