package extension

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/plugkit/manifest"
)

// DefaultDebounce coalesces manifest change bursts. Editors commonly
// write a manifest several times in quick succession.
const DefaultDebounce = 250 * time.Millisecond

// PathChange reports manifest activity under a watched plugin path.
type PathChange struct {
	// Paths holds the manifest files touched since the last
	// notification, deduplicated.
	Paths []string
	// Timestamp is when the change was delivered.
	Timestamp time.Time
}

// PathWatcher observes plugin search paths and reports manifest file
// changes, debounced, so a host can prompt for a rescan or restart.
// It never mutates the manager; acting on a change is the host's call.
type PathWatcher struct {
	mu sync.Mutex

	watcher  *fsnotify.Watcher
	debounce time.Duration

	pending map[string]bool
	timer   *time.Timer

	changes chan PathChange
	errs    chan error

	closed  bool
	closeCh chan struct{}
	loopWg  sync.WaitGroup
}

// NewPathWatcher starts watching the given plugin search paths. A
// non-positive debounce selects DefaultDebounce.
func NewPathWatcher(debounce time.Duration, paths ...string) (*PathWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &PathWatcher{
		watcher:  fsw,
		debounce: debounce,
		pending:  make(map[string]bool),
		changes:  make(chan PathChange, 16),
		errs:     make(chan error, 16),
		closeCh:  make(chan struct{}),
	}

	for _, path := range paths {
		if err := w.addRecursive(path); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}

	w.loopWg.Add(1)
	go w.processLoop()
	return w, nil
}

// addRecursive watches a directory tree. Missing paths are skipped so
// a host can configure search paths that do not exist yet.
func (w *PathWatcher) addRecursive(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return w.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if filepath.Base(p) != "." && filepath.Base(p)[0] == '.' && p != path {
				return filepath.SkipDir
			}
			return w.watcher.Add(p)
		}
		return nil
	})
}

// Changes returns the debounced manifest change channel.
func (w *PathWatcher) Changes() <-chan PathChange { return w.changes }

// Errors returns the watcher error channel.
func (w *PathWatcher) Errors() <-chan error { return w.errs }

// Close stops the watcher and closes its channels.
func (w *PathWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.closeCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.loopWg.Wait()

	close(w.changes)
	close(w.errs)
	return err
}

func (w *PathWatcher) processLoop() {
	defer w.loopWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *PathWatcher) handleEvent(ev fsnotify.Event) {
	// New directories join the watch so manifests created inside a
	// freshly unpacked plugin directory are seen.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(ev.Name)
			return
		}
	}

	if !manifest.IsManifestFile(ev.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[ev.Name] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// flush delivers the accumulated manifest paths as one change.
func (w *PathWatcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.timer = nil
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.timer = nil
	w.mu.Unlock()

	sort.Strings(paths)

	change := PathChange{Paths: paths, Timestamp: time.Now()}
	select {
	case w.changes <- change:
	default:
	}
}
