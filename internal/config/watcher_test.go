package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nullxes/luna/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
live:
  api_key: test-key
  voice: Kore
  system_instruction: You are Luna.
`

const watcherUpdatedYAML = `
server:
  log_level: debug
live:
  api_key: test-key
  voice: Puck
  system_instruction: You are Luna, a voice companion.
`

const watcherInvalidYAML = `
server:
  log_level: bananas
live:
  api_key: test-key
`

type reload struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// watch writes initial to a temp file and starts a fast-polling watcher on
// it. Reloads are delivered on the returned channel.
func watch(t *testing.T, initial string) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "luna.yaml")
	writeFile(t, path, initial)

	ch := make(chan reload, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config, diff config.ConfigDiff) {
		ch <- reload{old, new, diff}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, ch
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func expectNoReload(t *testing.T, ch <-chan reload) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected reload: %v", r.diff.Fields)
	case <-time.After(200 * time.Millisecond):
	}
}

func expectReload(t *testing.T, ch <-chan reload) reload {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no reload within timeout")
		return reload{}
	}
}

func TestNewWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := watch(t, watcherValidYAML)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Live.Voice != "Kore" {
		t.Errorf("Current() = %+v", cfg)
	}
}

func TestNewWatcher_Errors(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for a missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, watcherInvalidYAML)
	if _, err := config.NewWatcher(bad, nil); err == nil {
		t.Error("expected error for an invalid initial config")
	}
}

func TestWatcher_ReportsChange(t *testing.T) {
	t.Parallel()
	path, w, ch := watch(t, watcherValidYAML)

	writeFile(t, path, watcherUpdatedYAML)
	r := expectReload(t, ch)

	if r.old.Live.Voice != "Kore" || r.new.Live.Voice != "Puck" {
		t.Errorf("voice %q -> %q, want Kore -> Puck", r.old.Live.Voice, r.new.Live.Voice)
	}
	if !r.diff.LogLevelChanged || r.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff log level = %+v", r.diff)
	}
	if !r.diff.LiveChanged || r.diff.RestartRequired {
		t.Errorf("diff = %+v, want live change without restart", r.diff)
	}
	if w.Current() != r.new {
		t.Error("Current() should return the reloaded config")
	}
}

func TestWatcher_InvalidRevisionKeepsConfig(t *testing.T) {
	t.Parallel()
	path, w, ch := watch(t, watcherValidYAML)
	initial := w.Current()

	writeFile(t, path, watcherInvalidYAML)
	expectNoReload(t, ch)
	if w.Current() != initial {
		t.Fatal("invalid revision replaced the current config")
	}

	// A later valid revision is still picked up and diffed against the last
	// valid config.
	writeFile(t, path, watcherUpdatedYAML)
	r := expectReload(t, ch)
	if r.old != initial {
		t.Error("reload should diff against the last valid config")
	}
}

func TestWatcher_IgnoresEditsWithoutEffect(t *testing.T) {
	t.Parallel()
	path, _, ch := watch(t, watcherValidYAML)

	writeFile(t, path, "# reviewed\n"+watcherValidYAML)
	expectNoReload(t, ch)

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	expectNoReload(t, ch)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := watch(t, watcherValidYAML)
	w.Stop()
	w.Stop()
}
