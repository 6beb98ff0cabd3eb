package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rattil/rattil/internal/config"
)

const (
	watchStartYAML = `
server:
  log_level: info
tracker:
  resync_window: 10
`
	watchEditedYAML = `
server:
  log_level: debug
tracker:
  resync_window: 4
`
	watchBrokenYAML = "server:\n  log_level: shouting\n"
)

// changeEvent records one onChange invocation.
type changeEvent struct {
	old, new *config.Config
}

// watchFile writes content to a fresh temp file and returns its path.
func watchFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rattil.yaml")
	rewrite(t, path, content)
	return path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// bumpMtime pushes the file's mtime forward so the watcher's fast path
// sees movement even on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestNewWatcher_LoadsImmediately(t *testing.T) {
	t.Parallel()
	path := watchFile(t, watchStartYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current returned nil")
	}
	if got := cfg.Tracker.ResyncWindow; got != 10 {
		t.Errorf("resync window = %d, want 10", got)
	}
}

func TestNewWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher succeeded on a missing file")
	}
}

func TestWatcher_ReportsEdit(t *testing.T) {
	t.Parallel()
	path := watchFile(t, watchStartYAML)

	events := make(chan changeEvent, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		events <- changeEvent{old: old, new: new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, watchEditedYAML)
	bumpMtime(t, path)

	var ev changeEvent
	select {
	case ev = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("edit was never reported")
	}

	if got := ev.old.Server.LogLevel; got != config.LogInfo {
		t.Errorf("old log level = %q, want %q", got, config.LogInfo)
	}
	if got := ev.new.Server.LogLevel; got != config.LogDebug {
		t.Errorf("new log level = %q, want %q", got, config.LogDebug)
	}

	d := config.Diff(ev.old, ev.new)
	if !d.LogLevelChanged || !d.TrackerChanged {
		t.Errorf("Diff missed changes: %+v", d)
	}

	if got := w.Current().Tracker.ResyncWindow; got != 4 {
		t.Errorf("Current resync window = %d, want 4", got)
	}
}

func TestWatcher_KeepsLastValidOnBrokenEdit(t *testing.T) {
	t.Parallel()
	path := watchFile(t, watchStartYAML)

	events := make(chan changeEvent, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		events <- changeEvent{old: old, new: new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, watchBrokenYAML)
	bumpMtime(t, path)

	time.Sleep(150 * time.Millisecond)

	select {
	case ev := <-events:
		t.Fatalf("broken edit reported a change: %+v", ev)
	default:
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current log level = %q, want the pre-edit %q", got, config.LogInfo)
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()
	path := watchFile(t, watchStartYAML)

	events := make(chan changeEvent, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		events <- changeEvent{old: old, new: new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	bumpMtime(t, path)

	time.Sleep(150 * time.Millisecond)

	select {
	case <-events:
		t.Fatal("mtime-only touch reported a change")
	default:
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	path := watchFile(t, watchStartYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
