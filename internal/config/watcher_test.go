package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const watcherBaseYAML = `
server:
  log_level: info
search:
  top_k: 5
`

const watcherUpdatedYAML = `
server:
  log_level: debug
search:
  top_k: 8
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// touchFuture bumps the file's mtime well past filesystem timestamp
// granularity so the watcher's cheap mtime check sees a change.
func touchFuture(t *testing.T, path string) {
	t.Helper()
	ts := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "halcyon.yaml")
	writeConfigFile(t, path, watcherBaseYAML)

	w, err := NewWatcher(path, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	cur := w.Current()
	if cur == nil || cur.Server.LogLevel != LogInfo {
		t.Fatalf("Current() = %+v, want initial config with log_level info", cur)
	}
	if cur.Search.TimeoutMs != DefaultSearchTimeoutMs {
		t.Errorf("Current().Search.TimeoutMs = %d, want defaults applied", cur.Search.TimeoutMs)
	}

	w.Stop()
	w.Stop() // second Stop must not panic
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher() = nil error for a missing file")
	}
}

func TestWatcher_ReloadInvokesCallback(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "halcyon.yaml")
	writeConfigFile(t, path, watcherBaseYAML)

	type change struct{ old, new *Config }
	changes := make(chan change, 1)
	w, err := NewWatcher(path, func(old, new *Config) {
		select {
		case changes <- change{old, new}:
		default:
		}
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, watcherUpdatedYAML)
	touchFuture(t, path)

	select {
	case ch := <-changes:
		if ch.old.Server.LogLevel != LogInfo {
			t.Errorf("old log_level = %q, want info", ch.old.Server.LogLevel)
		}
		if ch.new.Server.LogLevel != LogDebug || ch.new.Search.TopK != 8 {
			t.Errorf("new config = %+v, want log_level debug and top_k 8", ch.new)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback never fired")
	}

	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Errorf("Current() log_level = %q, want debug", got)
	}
}

func TestWatcher_InvalidFileKeepsCurrent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "halcyon.yaml")
	writeConfigFile(t, path, watcherBaseYAML)

	var calls atomic.Int32
	w, err := NewWatcher(path, func(_, _ *Config) { calls.Add(1) },
		WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "server:\n  log_level: verbose\n")
	touchFuture(t, path)
	time.Sleep(100 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("callback fired %d times for an invalid file", n)
	}
	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("Current() log_level = %q, want the previous valid config", got)
	}
}

func TestWatcher_TouchWithoutChangeIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "halcyon.yaml")
	writeConfigFile(t, path, watcherBaseYAML)

	var calls atomic.Int32
	w, err := NewWatcher(path, func(_, _ *Config) { calls.Add(1) },
		WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	touchFuture(t, path)
	time.Sleep(100 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("callback fired %d times for a touch-only change", n)
	}
}
