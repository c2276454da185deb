package config

// ChangeSet describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (providers, store DSNs, listen address) requires a restart.
type ChangeSet struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SourcesChanged bool
	SourceChanges  []SourceDiff

	SearchChanged bool
	NewSearch     SearchConfig
}

// SourceDiff describes what changed for a single knowledge source.
type SourceDiff struct {
	Name    string
	Added   bool
	Removed bool
	// Modified is set when the source exists in both configs but its
	// endpoint, kind, credentials, or timeout differ.
	Modified bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ChangeSet {
	d := ChangeSet{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Search != new.Search {
		d.SearchChanged = true
		d.NewSearch = new.Search
	}

	oldSources := make(map[string]SourceConfig, len(old.Sources))
	for _, s := range old.Sources {
		oldSources[s.Name] = s
	}
	newSources := make(map[string]SourceConfig, len(new.Sources))
	for _, s := range new.Sources {
		newSources[s.Name] = s
	}

	for name, oldSrc := range oldSources {
		newSrc, exists := newSources[name]
		if !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Removed: true})
			d.SourcesChanged = true
			continue
		}
		if oldSrc != newSrc {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Modified: true})
			d.SourcesChanged = true
		}
	}
	for name := range newSources {
		if _, exists := oldSources[name]; !exists {
			d.SourceChanges = append(d.SourceChanges, SourceDiff{Name: name, Added: true})
			d.SourcesChanged = true
		}
	}

	return d
}
