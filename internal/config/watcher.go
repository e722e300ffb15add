package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// DefaultDebounceDelay is how long the directory must stay quiet before the
// file is read again.
const DefaultDebounceDelay = 100 * time.Millisecond

// ReloadCallback receives every configuration that loaded and differs from
// the previous one.
type ReloadCallback func(*Config)

// ErrorCallback receives load, validation and watch errors.
type ErrorCallback func(error)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay overrides DefaultDebounceDelay.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// Watcher reloads the configuration file when its content changes.
//
// The parent directory is watched rather than the file, so editors that
// replace the file and Kubernetes ConfigMap symlink swaps are both seen.
// Any event in the directory schedules a read; a file whose digest is
// unchanged is ignored. An invalid file is reported and the last good
// configuration stays in effect.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onReload ReloadCallback
	onError  ErrorCallback
	logger   observability.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *Config
	digest  [sha256.Size]byte

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewWatcher creates a watcher for the file at path. Nothing is read until
// Start or ForceReload.
func NewWatcher(path string, callback ReloadCallback, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		fs:       fs,
		onReload: callback,
		logger:   observability.NopLogger(),
		debounce: DefaultDebounceDelay,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the file and begins watching. The initial configuration is
// available from LastConfig and is not passed to the callback.
func (w *Watcher) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		if _, err = w.load(); err != nil {
			return
		}
		if err = w.fs.Add(filepath.Dir(w.path)); err != nil {
			return
		}
		w.logger.Info("watching configuration file", observability.String("path", w.path))
		w.running.Store(true)
		go w.run(ctx)
	})
	return err
}

// Stop ends watching and waits for the watch loop to exit. It is safe to
// call more than once and without Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fs.Close()
	})
	if w.running.Load() {
		<-w.done
	}
	return err
}

// LastConfig returns the configuration currently in effect.
func (w *Watcher) LastConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ForceReload reads the file now and passes it to the callback even when
// unchanged.
func (w *Watcher) ForceReload() error {
	cfg, err := w.load()
	if err != nil {
		return err
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("configuration directory changed",
				observability.String("name", event.Name),
				observability.String("op", event.Op.String()),
			)
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watch error", observability.Error(err))
			w.report(err)
		}
	}
}

// errUnchanged marks a read whose content matches the current configuration.
var errUnchanged = errors.New("configuration unchanged")

func (w *Watcher) reload() {
	cfg, err := w.loadIfChanged()
	switch {
	case errors.Is(err, errUnchanged):
		return
	case errors.Is(err, os.ErrNotExist):
		// Mid-swap; the next event brings the new file.
		w.logger.Debug("configuration file missing", observability.String("path", w.path))
		return
	case err != nil:
		w.logger.Error("configuration reload rejected, keeping previous configuration",
			observability.String("path", w.path),
			observability.Error(err),
		)
		w.report(err)
		return
	}

	w.logger.Info("configuration reloaded", observability.String("path", w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func (w *Watcher) load() (*Config, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	return w.install(data)
}

func (w *Watcher) loadIfChanged() (*Config, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	w.mu.RLock()
	same := w.current != nil && sum == w.digest
	w.mu.RUnlock()
	if same {
		return nil, errUnchanged
	}
	return w.install(data)
}

// install parses and validates data and makes it current.
func (w *Watcher) install(data []byte) (*Config, error) {
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.current = cfg
	w.digest = sha256.Sum256(data)
	w.mu.Unlock()
	return cfg, nil
}

func (w *Watcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
