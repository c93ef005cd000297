package character

import (
	"fmt"
	"strings"
	"time"
)

// RenderPrompt assembles the system prompt: a static identity block
// concatenated with a dynamic block reflecting current mood, energy,
// relationship, and (if non-empty) a shared-memory summary from the RAG
// retrieval step. sharedMemorySummary is the caller's already-joined
// top-N hybrid search results; an empty string omits the section.
func RenderPrompt(profile Profile, sharedMemorySummary string, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s. %s\n", profile.Name, profile.Description)
	if profile.SystemPrompt != "" {
		b.WriteString(profile.SystemPrompt)
		b.WriteString("\n")
	}

	b.WriteString("\n## Current State\n")
	fmt.Fprintf(&b, "Mood: %s (%s)\n", profile.State.CurrentMood, GetPADDescription(profile.PAD.Pleasure, profile.PAD.Arousal))
	fmt.Fprintf(&b, "%s\n", GetEnergyInstruction(profile.State.EnergyLevel))

	label, description := GetRelationshipStage(profile.Relationship.Level)
	userName := profile.Relationship.UserName
	if userName == "" {
		userName = "the user"
	}
	fmt.Fprintf(&b, "Relationship with %s: %s. %s\n", userName, label, description)
	fmt.Fprintf(&b, "Current time: %s\n", now.Format(time.RFC3339))

	if sharedMemorySummary != "" {
		b.WriteString("\n## Related Memories\n")
		b.WriteString(sharedMemorySummary)
		b.WriteString("\n")
	}

	return b.String()
}
