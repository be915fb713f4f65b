package daemon

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reports when a single file changes, after writes have been
// quiet for the debounce interval. The parent directory is watched so that
// editors replacing the file via rename are seen too.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration

	changes chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewConfigWatcher creates a watcher for path. Call Start to begin.
func NewConfigWatcher(path string, debounce time.Duration) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &ConfigWatcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		changes:  make(chan struct{}, 1),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (cw *ConfigWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	cw.running = true
	cw.wg.Add(1)
	go cw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop exits.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return cw.watcher.Close()
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.done)
	if err := cw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	cw.wg.Wait()

	close(cw.changes)
	close(cw.errors)
	return nil
}

// Changes emits once per settled burst of writes. Closed by Stop.
func (cw *ConfigWatcher) Changes() <-chan struct{} {
	return cw.changes
}

// Errors emits watcher errors. Closed by Stop.
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errors
}

func (cw *ConfigWatcher) processEvents() {
	defer cw.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(cw.debounce)

		case <-timer.C:
			select {
			case cw.changes <- struct{}{}:
			default:
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case cw.errors <- err:
			default:
			}
		}
	}
}
