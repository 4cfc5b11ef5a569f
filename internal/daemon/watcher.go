package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher reports writes to a SQLite database file and its WAL.
//
// The parent directory is watched rather than the files themselves, since
// SQLite recreates the WAL on checkpoint.
type StoreWatcher struct {
	watcher *fsnotify.Watcher
	events  chan string
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	dir   string
	names map[string]bool
}

// NewStoreWatcher creates a watcher for the database at path. The watcher
// must be started with Start before it emits events.
func NewStoreWatcher(path string) (*StoreWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	base := filepath.Base(abs)
	return &StoreWatcher{
		watcher: watcher,
		events:  make(chan string, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dir:     filepath.Dir(abs),
		names:   map[string]bool{base: true, base + "-wal": true},
	}, nil
}

// Start begins watching the database directory.
func (sw *StoreWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := sw.watcher.Add(sw.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", sw.dir, err)
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (sw *StoreWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return sw.watcher.Close()
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)
	return nil
}

// Events emits the path of every written store file.
func (sw *StoreWatcher) Events() <-chan string {
	return sw.events
}

// Errors emits watcher failures.
func (sw *StoreWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning reports whether the watcher is started.
func (sw *StoreWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *StoreWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !sw.relevant(event) {
				continue
			}
			select {
			case sw.events <- event.Name:
			case <-sw.done:
				return
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// relevant keeps creates and writes of the database or its WAL. The shared
// memory index and journal files change on every read and are ignored.
func (sw *StoreWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return sw.names[filepath.Base(event.Name)]
}
