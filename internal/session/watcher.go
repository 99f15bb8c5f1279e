package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"medrec/pkg/logging"
)

// DefaultDebounceInterval is the wait after the last change to the session
// file before the store is reloaded.
const DefaultDebounceInterval = 200 * time.Millisecond

// FileWatcher reloads a Store when its session file is rewritten by another
// process, e.g. `medrec login` in a second terminal while a shell is open.
type FileWatcher struct {
	mu       sync.Mutex
	store    *Store
	fs       afero.Fs
	path     string
	debounce time.Duration

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// ErrWatchUnsupported is returned by Start when the session file does not
// live on the OS filesystem, which is the only one fsnotify can observe.
var ErrWatchUnsupported = errors.New("session file is not on the OS filesystem")

// NewFileWatcher watches the file written by persister and reloads store on
// change.
func NewFileWatcher(store *Store, persister *FilePersister) *FileWatcher {
	return &FileWatcher{
		store:    store,
		fs:       persister.fs,
		path:     filepath.Clean(persister.path),
		debounce: DefaultDebounceInterval,
	}
}

// Start begins watching. The parent directory is watched so that atomic
// rename-based writes are seen.
func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if _, onDisk := w.fs.(*afero.OsFs); !onDisk {
		return ErrWatchUnsupported
	}

	dir := filepath.Dir(w.path)
	if err := w.fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.fsWatcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	// Capture channels before releasing lock to avoid racing Stop
	go w.processEvents(watcher.Events, watcher.Errors, w.stopCh)

	logging.Debug("Session", "Watching %s for session changes", w.path)
	return nil
}

// Stop ends watching. It is safe to call more than once.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	return w.fsWatcher.Close()
}

func (w *FileWatcher) processEvents(events <-chan fsnotify.Event, errs <-chan error, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.triggerReloadDebounced()
		case err, ok := <-errs:
			if !ok {
				return
			}
			logging.Error("Session", err, "Session file watcher error")
		}
	}
}

func (w *FileWatcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		if err := w.store.Reload(context.Background()); err != nil {
			logging.Warn("Session", "Failed to reload session after file change: %v", err)
		}
	})
}
