// internal/config/watcher.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/valpere/marketrunner/internal/utils"
)

var watchLogger = utils.NewComponentLogger("config-watcher")

// Watcher reloads a configuration file when it changes on disk. Invalid
// edits are logged and ignored; callbacks only ever see valid configs.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	callbacks  []func(*Config)
	mu         sync.RWMutex
	stopped    bool
	done       chan struct{}
}

// NewWatcher starts watching configPath.
func NewWatcher(configPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:    fw,
		configPath: abs,
		done:       make(chan struct{}),
	}

	// Editors often replace the file, so the directory is watched too.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.watch()
	return w, nil
}

// OnChange registers a callback invoked with every successfully reloaded
// configuration.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) watch() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watchLogger.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return
	}
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	// A truncate-then-write save briefly leaves an empty file behind.
	if fi, err := os.Stat(w.configPath); err != nil || fi.Size() == 0 {
		return
	}
	cfg, err := LoadFromFile(w.configPath)
	if err != nil {
		watchLogger.Warnf("ignoring config change: %v", err)
		return
	}
	watchLogger.Infof("configuration reloaded from %s", w.configPath)
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
