package character_test

import (
	"path/filepath"
	"testing"

	"github.com/cheshiremew/lumina/internal/character"
)

func newTestManager(t *testing.T) *character.Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "mira")
	seed := character.Profile{
		Name:        "Mira",
		Description: "A warm companion.",
		BigFive:     character.BigFive{Openness: 0.5, Conscientiousness: 0.5, Extraversion: 0.5, Agreeableness: 0.5, Neuroticism: 0.5},
	}
	m, err := character.NewManager(dir, seed)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	return m
}

func TestNewManager_SeedsDefaults(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	p := m.Profile()
	if p.State.EnergyLevel != 100 {
		t.Errorf("EnergyLevel = %d, want 100", p.State.EnergyLevel)
	}
	if p.State.CurrentMood != character.MoodNeutral {
		t.Errorf("CurrentMood = %q, want neutral", p.State.CurrentMood)
	}
}

func TestNewManager_ReloadsPersistedState(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "mira")
	seed := character.Profile{Name: "Mira"}

	m1, err := character.NewManager(dir, seed)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	if err := m1.AdjustEnergy(-50); err != nil {
		t.Fatalf("AdjustEnergy() error: %v", err)
	}

	m2, err := character.NewManager(dir, seed)
	if err != nil {
		t.Fatalf("second NewManager() error: %v", err)
	}
	if got := m2.Profile().State.EnergyLevel; got != 50 {
		t.Errorf("reloaded EnergyLevel = %d, want 50", got)
	}
}

func TestMutateMood_ClampsToUnitRange(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if err := m.MutateMood(10, -10, 0.2); err != nil {
		t.Fatalf("MutateMood() error: %v", err)
	}
	pad := m.Profile().PAD
	if pad.Pleasure != 1 {
		t.Errorf("Pleasure = %v, want 1 (clamped)", pad.Pleasure)
	}
	if pad.Arousal != 0 {
		t.Errorf("Arousal = %v, want 0 (clamped)", pad.Arousal)
	}
}

func TestUpdateIntimacy_RollsLevelUpOnProgressOverflow(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if err := m.UpdateIntimacy(150); err != nil {
		t.Fatalf("UpdateIntimacy() error: %v", err)
	}
	rel := m.Profile().Relationship
	if rel.Level != 1 || rel.Progress != 50 {
		t.Errorf("Relationship = %+v, want level=1 progress=50", rel)
	}
}

func TestUpdateIntimacy_RollsLevelDownOnProgressUnderflow(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if err := m.UpdateIntimacy(-30); err != nil {
		t.Fatalf("UpdateIntimacy() error: %v", err)
	}
	rel := m.Profile().Relationship
	if rel.Level != -1 || rel.Progress != 70 {
		t.Errorf("Relationship = %+v, want level=-1 progress=70", rel)
	}
}

func TestUpdateIntimacy_ClampsAtMaxLevel(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	for i := 0; i < 10; i++ {
		if err := m.UpdateIntimacy(100); err != nil {
			t.Fatalf("UpdateIntimacy() error: %v", err)
		}
	}
	rel := m.Profile().Relationship
	if rel.Level != 5 {
		t.Errorf("Level = %d, want clamped to 5", rel.Level)
	}
}

func TestRecordInteraction_ClearsPendingAndDrainsEnergy(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if err := m.SetPendingInteraction("idle_timeout"); err != nil {
		t.Fatalf("SetPendingInteraction() error: %v", err)
	}
	before := m.Profile().State.EnergyLevel

	if err := m.RecordInteraction(); err != nil {
		t.Fatalf("RecordInteraction() error: %v", err)
	}
	p := m.Profile()
	if p.State.PendingInteraction != nil {
		t.Error("PendingInteraction should be cleared")
	}
	if p.State.EnergyLevel != before-1 {
		t.Errorf("EnergyLevel = %d, want %d", p.State.EnergyLevel, before-1)
	}
	if p.State.LastInteraction.IsZero() {
		t.Error("LastInteraction should be set")
	}
}

func TestClearPendingInteraction_IsIdempotent(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	if err := m.ClearPendingInteraction(); err != nil {
		t.Fatalf("ClearPendingInteraction() error: %v", err)
	}
	if m.Profile().State.PendingInteraction != nil {
		t.Error("PendingInteraction should remain nil")
	}
}
