package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	CharactersChanged bool // true if any character persona or initial state changed
	CharacterChanges  []CharacterDiff
	LogLevelChanged   bool
	NewLogLevel       LogLevel
}

// CharacterDiff describes what changed for a single character between two configs.
type CharacterDiff struct {
	Name                 string
	PersonaPromptChanged bool
	TraitsChanged        bool
	Added                bool
	Removed              bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build character lookup maps keyed by name.
	oldChars := make(map[string]*CharacterConfig, len(old.Characters))
	for i := range old.Characters {
		oldChars[old.Characters[i].Name] = &old.Characters[i]
	}
	newChars := make(map[string]*CharacterConfig, len(new.Characters))
	for i := range new.Characters {
		newChars[new.Characters[i].Name] = &new.Characters[i]
	}

	// Detect modified and removed characters.
	for name, oldCh := range oldChars {
		newCh, exists := newChars[name]
		if !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{
				Name:    name,
				Removed: true,
			})
			d.CharactersChanged = true
			continue
		}
		cd := diffCharacter(name, oldCh, newCh)
		if cd.PersonaPromptChanged || cd.TraitsChanged {
			d.CharacterChanges = append(d.CharacterChanges, cd)
			d.CharactersChanged = true
		}
	}

	// Detect added characters.
	for name := range newChars {
		if _, exists := oldChars[name]; !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{
				Name:  name,
				Added: true,
			})
			d.CharactersChanged = true
		}
	}

	return d
}

// diffCharacter compares two character configs with the same name.
func diffCharacter(name string, old, new *CharacterConfig) CharacterDiff {
	cd := CharacterDiff{Name: name}

	if old.PersonaPrompt != new.PersonaPrompt {
		cd.PersonaPromptChanged = true
	}

	if old.InitialTraits != new.InitialTraits {
		cd.TraitsChanged = true
	}

	return cd
}
