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

const defaultWatchInterval = 5 * time.Second

// ReloadFunc receives the newly loaded config and what changed relative to the
// previous one.
type ReloadFunc func(cfg *Config, d ConfigDiff)

// Watcher polls a config file and reports validated changes. A file that
// fails to load or validate is logged and ignored; the previous config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path and returns a Watcher for it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: defaultWatchInterval, onReload: onReload}
	for _, opt := range opts {
		opt(w)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.sum = sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its content changed. The callback runs only
// when the new config differs in a setting [Diff] tracks.
func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config: cannot read watched file", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if bytes.Equal(sum[:], w.sum[:]) {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := loadBytes(data)
	if err != nil {
		slog.Warn("config: ignoring invalid reload", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.sum = sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() && len(d.RestartRequired) == 0 {
		slog.Debug("config: file changed without effective differences", "path", w.path)
		return
	}
	slog.Info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg, d)
	}
}
