package config

import "testing"

func TestDiff(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{LogLevel: LogInfo},
			Search: SearchConfig{TimeoutMs: 5000, TopK: 5},
			Sources: []SourceConfig{
				{Name: "kb", Kind: SourceInternalKB},
				{Name: "pubmed", Kind: SourceLiterature, URL: "https://a"},
			},
		}
	}

	t.Run("no changes", func(t *testing.T) {
		old, new := base(), base()
		d := Diff(old, new)
		if d.LogLevelChanged || d.SourcesChanged || d.SearchChanged {
			t.Errorf("Diff() = %+v, want empty", d)
		}
	})

	t.Run("log level", func(t *testing.T) {
		old, new := base(), base()
		new.Server.LogLevel = LogDebug
		d := Diff(old, new)
		if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
			t.Errorf("Diff() = %+v, want log level change to debug", d)
		}
	})

	t.Run("search tuning", func(t *testing.T) {
		old, new := base(), base()
		new.Search.TopK = 8
		d := Diff(old, new)
		if !d.SearchChanged || d.NewSearch.TopK != 8 {
			t.Errorf("Diff() = %+v, want search change", d)
		}
	})

	t.Run("source added and removed", func(t *testing.T) {
		old, new := base(), base()
		new.Sources = []SourceConfig{
			{Name: "kb", Kind: SourceInternalKB},
			{Name: "uptodate", Kind: SourceGuidelines, URL: "https://b"},
		}
		d := Diff(old, new)
		if !d.SourcesChanged {
			t.Fatal("SourcesChanged = false")
		}
		var added, removed bool
		for _, sc := range d.SourceChanges {
			if sc.Name == "uptodate" && sc.Added {
				added = true
			}
			if sc.Name == "pubmed" && sc.Removed {
				removed = true
			}
		}
		if !added || !removed {
			t.Errorf("SourceChanges = %+v, want uptodate added and pubmed removed", d.SourceChanges)
		}
	})

	t.Run("source modified", func(t *testing.T) {
		old, new := base(), base()
		new.Sources[1].URL = "https://changed"
		d := Diff(old, new)
		if !d.SourcesChanged || len(d.SourceChanges) != 1 || !d.SourceChanges[0].Modified {
			t.Errorf("Diff() = %+v, want pubmed modified", d)
		}
	})
}
