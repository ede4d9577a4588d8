package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors a configuration file for changes and pushes reloaded
// configurations through a callback. Editors commonly replace the file via
// rename, so the watch is placed on the parent directory and events are
// filtered by name.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*Config) error

	mu       sync.Mutex
	running  bool
	fsw      *fsnotify.Watcher
	stopChan chan struct{}
}

// NewWatcher creates a new configuration file watcher.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Config) error) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		stopChan: make(chan struct{}),
	}
}

// Start begins watching the configuration file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.fsw = fsw
	w.running = true

	go w.watchLoop()
	return nil
}

// Stop stops watching the configuration file.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.running = false
	close(w.stopChan)
	w.fsw.Close()
}

func (w *Watcher) watchLoop() {
	// Collapse a burst of write events into one reload.
	var debounce *time.Timer
	for {
		select {
		case <-w.stopChan:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("failed to reload config", zap.Error(err))
		return
	}

	if err := cfg.Validate(); err != nil {
		w.logger.Warn("invalid configuration detected", zap.Error(err))
		return
	}

	if w.onChange != nil {
		if err := w.onChange(cfg); err != nil {
			w.logger.Warn("failed to apply reloaded config", zap.Error(err))
			return
		}
	}
	w.logger.Info("configuration reloaded", zap.String("path", w.path))
}

// ForceReload triggers an immediate reload of the configuration.
func (w *Watcher) ForceReload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if w.onChange != nil {
		return w.onChange(cfg)
	}
	return nil
}
