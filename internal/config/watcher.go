package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/trellishq/trellis/internal/logging"
)

// Watcher reloads the configuration file when it changes on disk and fans
// the new config out to registered callbacks. A reload that fails to parse
// or validate keeps the previous configuration in place.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string

	mu        sync.RWMutex
	callbacks []func(*Config)
	current   *Config

	debounce time.Duration
}

// NewWatcher creates a watcher and performs the initial load. The initial
// load failing is fatal; a server should not start on a broken config.
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
	w.current = cfg

	return w, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration. Callbacks run on their own goroutines.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for changes. The containing directory is watched
// rather than the file itself because editors and configmap mounts replace
// the file, which would break an inode-level watch.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}

	go w.run()
	return nil
}

func (w *Watcher) run() {
	var pending *time.Timer

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

			// Editors produce bursts of events per save; collapse the
			// burst into a single reload.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// Reload forces a reload outside the filesystem event path, for callers
// reacting to SIGHUP or to mounts whose change events are unreliable.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("config reload failed, keeping previous config",
			zap.String("file", w.configPath),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("file", w.configPath))

	for _, cb := range callbacks {
		go cb(cfg)
	}
}

// GetConfig returns the most recently loaded configuration.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// SetDebounce adjusts the reload debounce. Tests shorten it.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
