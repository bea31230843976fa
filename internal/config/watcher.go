package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc is called after a modified config file was loaded and
// validated. It runs on the watcher goroutine.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a config file and reports validated changes. Invalid edits
// are logged and ignored; [Watcher.Current] keeps the last valid config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and returns a watcher for it. Polling
// begins with [Watcher.Start].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins polling until ctx is cancelled or [Watcher.Stop] is called.
// Calling Start more than once has no effect.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() { go w.poll(ctx) })
}

// Stop ends polling and waits for an in-progress check to finish. It is
// safe to call more than once, and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	started := true
	w.startOnce.Do(func() { started = false; close(w.done) })
	if started {
		<-w.done
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its mtime and content changed, and invokes the
// callback with the diff against the previous config.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	cfg, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but unchanged.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"safety_patterns_changed", d.SafetyPatternsChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes take effect only after a restart", "sections", d.RestartRequired)
	}

	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// loadAndHash reads, parses and validates the file. An invalid file returns
// an error and the caller keeps the previous config.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
