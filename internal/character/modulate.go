package character

import (
	"math"

	"github.com/cheshiremew/lumina/pkg/provider/llm"
)

// relationshipOffsets holds the fixed (temperature, top_p, presence_penalty,
// frequency_penalty) additive offset for one relationship level. Ported
// verbatim from original_source's SoulMath.calculate_llm_params rel_matrix:
// both deep affection and extreme hostility widen expression bandwidth;
// only indifference and stranger-level distance contract it.
type relationshipOffsets struct {
	temperature, topP, presencePenalty, frequencyPenalty float64
}

var relationshipOffsetTable = map[int]relationshipOffsets{
	-3: {0.50, 0.20, 0.60, 0.40},
	-2: {0.25, 0.10, 0.30, 0.20},
	-1: {-0.30, -0.20, -0.20, -0.10},
	0:  {0.00, 0.00, 0.00, 0.00},
	1:  {0.10, 0.05, 0.05, 0.00},
	2:  {0.20, 0.10, 0.10, 0.05},
	3:  {0.35, 0.15, 0.25, 0.10},
	4:  {0.50, 0.25, 0.40, 0.20},
	5:  {0.70, 0.35, 0.60, 0.30},
}

// Modulate maps a Profile's personality, emotion, energy, and relationship
// level onto LM decoding parameters, starting from base. This is a direct
// port of original_source's SoulMath.calculate_llm_params, coefficients and
// all — per spec §8 these are load-bearing magic constants, not tunables.
func Modulate(base llm.CompletionRequest, profile Profile) llm.CompletionRequest {
	out := base

	b5 := profile.BigFive
	pad := profile.PAD
	energy := float64(profile.State.EnergyLevel) / 100.0
	level := profile.Relationship.Level

	// A. Personality baseline.
	tempBase := (b5.Openness - 0.5) * 0.4
	topPBase := (b5.Openness - 0.5) * 0.2
	tempBase -= (b5.Conscientiousness - 0.5) * 0.3
	topPBase -= (b5.Conscientiousness - 0.5) * 0.2

	ppBase := (b5.Extraversion - 0.5) * 0.4
	ppBase -= (b5.Agreeableness - 0.5) * 0.2
	fpBase := (b5.Agreeableness - 0.5) * 0.3

	instability := 1.0 + (b5.Neuroticism-0.5)*1.5

	// B. Dynamic PAD shifts, scaled by instability and energy below.
	moodTempShift := (pad.Pleasure - 0.5) * 0.4
	moodTopPShift := (pad.Arousal - 0.5) * 0.3
	moodPPShift := (pad.Dominance - 0.5) * 0.5
	moodFPShift := (pad.Dominance - 0.5) * 0.3

	energyMod := 1.0
	switch {
	case energy < 0.2:
		energyMod = 0.4
	case energy > 0.8:
		energyMod = 1.2
	}
	dynamicFactor := energyMod * instability

	offsets, ok := relationshipOffsetTable[level]
	if !ok {
		offsets = relationshipOffsetTable[0]
	}

	baseTemp := out.Temperature
	if baseTemp == 0 {
		baseTemp = 0.7
	}
	baseTopP := out.TopP
	if baseTopP == 0 {
		baseTopP = 1.0
	}

	out.Temperature = baseTemp + tempBase + moodTempShift*dynamicFactor + offsets.temperature
	out.TopP = baseTopP + topPBase + moodTopPShift*dynamicFactor + offsets.topP
	out.PresencePenalty = out.PresencePenalty + ppBase + moodPPShift*dynamicFactor + offsets.presencePenalty
	out.FrequencyPenalty = out.FrequencyPenalty + fpBase + moodFPShift*dynamicFactor + offsets.frequencyPenalty

	// Hard clips: the "social mask" at stranger/indifferent levels.
	switch level {
	case 0:
		out.Temperature = math.Min(0.8, out.Temperature)
		out.TopP = math.Min(0.8, out.TopP)
	case -1:
		out.Temperature = math.Min(0.6, out.Temperature)
	}

	out.Temperature = round2(clampRange(out.Temperature, 0.1, 2.0))
	out.TopP = round2(clampRange(out.TopP, 0.1, 1.0))
	out.PresencePenalty = round2(clampRange(out.PresencePenalty, -2.0, 2.0))
	out.FrequencyPenalty = round2(clampRange(out.FrequencyPenalty, -2.0, 2.0))

	return out
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
