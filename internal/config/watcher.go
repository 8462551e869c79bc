package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/example/apigateway/internal/logging"
)

// ReloadFunc receives the outcome of every reload attempt: a validated
// snapshot with a nil error, or a nil snapshot with the load or validation
// error. Failed attempts never replace the last good snapshot.
type ReloadFunc func(*Config, error)

// Watcher watches the configuration file and reports every reload attempt
// to registered callbacks, so the caller can act on failures (log, count,
// keep serving the previous activation) as well as successes.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []ReloadFunc
	mu         sync.RWMutex
	debounce   time.Duration
	lastConfig *Config
	lastErr    error
}

// NewWatcher creates a watcher and loads the initial snapshot.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}

	cfg, err := w.loader.Load(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.lastConfig = cfg

	return w, nil
}

// OnReload registers a callback invoked after every reload attempt.
func (w *Watcher) OnReload(callback ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching the config file's directory. Watching the
// directory instead of the file survives editors that replace by rename.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer
	var lastEvent time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce rapid events from partial writes
			now := time.Now()
			if now.Sub(lastEvent) < w.debounce {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
			}
			lastEvent = now

			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload()
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// reload loads and validates the config and reports the outcome. A failed
// attempt is recorded and delivered to callbacks but keeps the last good
// snapshot in place.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)

	w.mu.Lock()
	w.lastErr = err
	if err == nil {
		w.lastConfig = cfg
	}
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	if err != nil {
		logging.Error("failed to reload config", zap.Error(err))
	} else {
		logging.Info("configuration reloaded", zap.String("path", w.configPath))
	}

	for _, cb := range callbacks {
		go cb(cfg, err)
	}
}

// GetConfig returns the most recently validated configuration.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// LastError returns the error from the most recent reload attempt, or nil
// if it succeeded.
func (w *Watcher) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file change events.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
