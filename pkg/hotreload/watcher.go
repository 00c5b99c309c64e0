package hotreload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyLoader reloads a policy file. A returned error leaves the current policy in place.
type PolicyLoader interface {
	Reload(path string) error
}

// LoaderFunc adapts a function to PolicyLoader.
type LoaderFunc func(path string) error

// Reload calls f(path).
func (f LoaderFunc) Reload(path string) error { return f(path) }

// PolicyWatcher watches a policy file for changes and triggers reloads.
// The parent directory is watched so editors that replace the file by rename are seen.
type PolicyWatcher struct {
	path       string
	loader     PolicyLoader
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onChange   func(path string, err error)
	logger     *slog.Logger
	running    atomic.Bool
	reloadChan chan string
	stats      WatcherStats
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures the policy watcher.
type WatcherConfig struct {
	PolicyFile string
	Loader     PolicyLoader
	Debounce   time.Duration // Debounce period for rapid changes
	OnChange   func(path string, err error)
	Logger     *slog.Logger
}

// NewPolicyWatcher creates a new policy watcher.
func NewPolicyWatcher(config WatcherConfig) (*PolicyWatcher, error) {
	if config.PolicyFile == "" {
		return nil, fmt.Errorf("policy file is required")
	}

	if config.Loader == nil {
		return nil, fmt.Errorf("policy loader is required")
	}

	abs, err := filepath.Abs(config.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("resolve policy file: %w", err)
	}

	debounce := config.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PolicyWatcher{
		path:       filepath.Clean(abs),
		loader:     config.Loader,
		debounce:   debounce,
		onChange:   config.OnChange,
		logger:     logger,
		reloadChan: make(chan string, 1),
	}, nil
}

// Start begins watching for policy file changes. Watching stops when ctx is done or Stop is called.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching directory: %w", err)
	}

	go w.processEvents(ctx)
	go w.processReloads(ctx)

	return nil
}

// processEvents handles fsnotify events.
func (w *PolicyWatcher) processEvents(ctx context.Context) {
	var pendingSince time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pendingSince = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			if !pendingSince.IsZero() && time.Since(pendingSince) >= w.debounce {
				pendingSince = time.Time{}
				w.enqueue()
			}

		case <-ctx.Done():
			return
		}
	}
}

func (w *PolicyWatcher) enqueue() {
	select {
	case w.reloadChan <- w.path:
	default:
		// A reload is already queued and will read the latest contents.
	}
}

// processReloads handles reload requests.
func (w *PolicyWatcher) processReloads(ctx context.Context) {
	for {
		select {
		case path := <-w.reloadChan:
			w.handleReload(path)
		case <-ctx.Done():
			return
		}
	}
}

// handleReload processes a reload of the policy file.
func (w *PolicyWatcher) handleReload(path string) {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	if err := w.loader.Reload(path); err != nil {
		w.recordError(fmt.Sprintf("loading policy %s: %v", path, err))
		w.logger.Warn("policy reload failed, keeping current policy", "path", path, "error", err)
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = time.Now()
	w.stats.mu.Unlock()
	w.logger.Info("policy reloaded", "path", path)

	if w.onChange != nil {
		w.onChange(path, nil)
	}
}

// recordError records an error in stats.
func (w *PolicyWatcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = time.Now()
	w.stats.mu.Unlock()
}

// Stop stops the watcher.
func (w *PolicyWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns the current watcher statistics.
func (w *PolicyWatcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

// TriggerReload queues a reload of the policy file.
func (w *PolicyWatcher) TriggerReload() error {
	if !w.running.Load() {
		return fmt.Errorf("watcher not running")
	}
	w.enqueue()
	return nil
}
