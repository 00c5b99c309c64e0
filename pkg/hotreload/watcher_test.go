package hotreload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type mockLoader struct {
	mu        sync.Mutex
	loadCount int
	loadPaths []string
	loadFn    func(path string) error
}

func (m *mockLoader) Reload(path string) error {
	m.mu.Lock()
	m.loadCount++
	m.loadPaths = append(m.loadPaths, path)
	fn := m.loadFn
	m.mu.Unlock()
	if fn != nil {
		return fn(path)
	}
	return nil
}

func (m *mockLoader) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCount
}

func TestNewPolicyWatcher(t *testing.T) {
	loader := &mockLoader{}

	t.Run("requires policy file", func(t *testing.T) {
		_, err := NewPolicyWatcher(WatcherConfig{Loader: loader})
		if err == nil {
			t.Error("expected error for empty policy file")
		}
	})

	t.Run("requires loader", func(t *testing.T) {
		_, err := NewPolicyWatcher(WatcherConfig{PolicyFile: "/tmp/policy.yaml"})
		if err == nil {
			t.Error("expected error for nil loader")
		}
	})

	t.Run("creates watcher", func(t *testing.T) {
		watcher, err := NewPolicyWatcher(WatcherConfig{
			PolicyFile: filepath.Join(t.TempDir(), "policy.yaml"),
			Loader:     loader,
		})
		if err != nil {
			t.Fatalf("NewPolicyWatcher error: %v", err)
		}
		if stats := watcher.Stats(); stats.ReloadsTotal != 0 {
			t.Errorf("ReloadsTotal = %d, want 0", stats.ReloadsTotal)
		}
	})
}

func TestPolicyWatcher_Start(t *testing.T) {
	watcher, err := NewPolicyWatcher(WatcherConfig{
		PolicyFile: filepath.Join(t.TempDir(), "policy.yaml"),
		Loader:     &mockLoader{},
	})
	if err != nil {
		t.Fatalf("NewPolicyWatcher error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.Start(ctx); err == nil {
		t.Error("expected error starting twice")
	}
}

func startWatcher(t *testing.T, cfg WatcherConfig) *PolicyWatcher {
	t.Helper()
	watcher, err := NewPolicyWatcher(cfg)
	if err != nil {
		t.Fatalf("NewPolicyWatcher error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { watcher.Stop() })
	return watcher
}

func TestPolicyWatcher_FileChange(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.yaml")
	loader := &mockLoader{}
	changed := make(chan string, 1)

	startWatcher(t, WatcherConfig{
		PolicyFile: policyFile,
		Loader:     loader,
		Debounce:   50 * time.Millisecond,
		OnChange: func(path string, err error) {
			select {
			case changed <- path:
			default:
			}
		},
	})

	// Other files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644); err != nil {
		t.Fatalf("writing other file: %v", err)
	}
	if err := os.WriteFile(policyFile, []byte("version: 1"), 0o644); err != nil {
		t.Fatalf("writing policy file: %v", err)
	}

	select {
	case path := <-changed:
		want, _ := filepath.Abs(policyFile)
		if path != want {
			t.Errorf("changed path = %q, want %q", path, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change notification")
	}

	time.Sleep(150 * time.Millisecond)
	loader.mu.Lock()
	defer loader.mu.Unlock()
	for _, p := range loader.loadPaths {
		if filepath.Base(p) != "policy.yaml" {
			t.Errorf("loader called for %q", p)
		}
	}
}

func TestPolicyWatcher_ReloadFailure(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.yaml")
	loader := &mockLoader{loadFn: func(string) error { return os.ErrInvalid }}

	gotErr := make(chan error, 1)
	watcher := startWatcher(t, WatcherConfig{
		PolicyFile: policyFile,
		Loader:     loader,
		Debounce:   50 * time.Millisecond,
		OnChange: func(path string, err error) {
			select {
			case gotErr <- err:
			default:
			}
		},
	})

	os.WriteFile(policyFile, []byte("invalid"), 0o644)

	select {
	case err := <-gotErr:
		if err == nil {
			t.Error("expected error in onChange callback")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change notification")
	}

	if stats := watcher.Stats(); stats.ReloadsFailed == 0 {
		t.Error("expected ReloadsFailed > 0")
	}
}

func TestPolicyWatcher_TriggerReload(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "policy.yaml")
	loader := &mockLoader{}

	watcher, err := NewPolicyWatcher(WatcherConfig{PolicyFile: policyFile, Loader: loader})
	if err != nil {
		t.Fatalf("NewPolicyWatcher error: %v", err)
	}
	if err := watcher.TriggerReload(); err == nil {
		t.Error("expected error triggering before start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.TriggerReload(); err != nil {
		t.Errorf("TriggerReload error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for loader.LoadCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if loader.LoadCount() == 0 {
		t.Error("expected loader to be called after TriggerReload")
	}
}
