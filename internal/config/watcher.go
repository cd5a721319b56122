package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often the watcher polls the config file
// unless [WithInterval] overrides it.
const DefaultWatchInterval = 2 * time.Second

// fingerprint identifies one observed state of the config file. The mtime
// gates the content hash so an unchanged file costs a single stat per tick.
type fingerprint struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls the config file and reports content changes that parse to
// a valid configuration. Polling avoids an fsnotify dependency and behaves
// the same for editors that rename-replace instead of rewriting in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	cur  *Config
	seen fingerprint

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path immediately and then polls it in the background.
// A file that later turns invalid is logged and skipped; the last valid
// config stays current.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.cur = cfg
	w.seen = fp

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) run() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			// The callback runs outside the watcher lock so it can
			// safely call Current().
			if old, cur, changed := w.sweep(); changed {
				slog.Info("config watcher: configuration reloaded", "path", w.path)
				if w.onChange != nil {
					w.onChange(old, cur)
				}
			}
		}
	}
}

// sweep re-reads the file when its mtime moved and swaps in the new config
// when the content hash differs and the file still parses.
func (w *Watcher) sweep() (old, cur *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "error", err)
		return nil, nil, false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, nil, false
	}

	cfg, fp, err := readConfigFile(w.path)
	if err != nil {
		slog.Warn("config watcher: reload skipped, file invalid", "path", w.path, "error", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if fp.sum == w.seen.sum {
		// Touched but identical content.
		w.seen.mtime = fp.mtime
		return nil, nil, false
	}
	old = w.cur
	w.cur = cfg
	w.seen = fp
	return old, cfg, true
}

// readConfigFile parses and validates path, returning the config together
// with the fingerprint of the bytes it was parsed from. Stat and read share
// one descriptor so the fingerprint cannot mix two generations of the file.
func readConfigFile(path string) (*Config, fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fingerprint{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
