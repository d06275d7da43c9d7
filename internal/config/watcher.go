package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and calls a callback with the old and new
// config whenever its content changes and still validates. Invalid edits are
// logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	mtime    time.Time
	hash     [sha256.Size]byte
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
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

// WithWatcherLogger sets the logger. The default is slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. The initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.hash, w.mtime = snap.cfg, snap.hash, snap.mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for the poll goroutine to exit. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its mtime moved and its content hash differs.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.read()
	if err != nil {
		w.logger.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		w.mu.Lock()
		w.mtime = info.ModTime()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.hash == w.hash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.hash = snap.cfg, snap.hash
	w.mu.Unlock()

	w.logger.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
}

type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// read loads and validates the file and fingerprints its content.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, hash: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
