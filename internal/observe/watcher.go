package observe

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watcher signals when a watched artifact changes. Wakeups coalesce: a
// pending signal absorbs further changes until it is received.
type watcher struct {
	fsWatcher *fsnotify.Watcher
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	mu     sync.Mutex
	target string
}

func newWatcher() (*watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fsWatcher: fsWatcher,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Watch follows path. The parent directory is watched so artifacts that are
// replaced by rename still wake the observer.
func (w *watcher) Watch(path string) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	w.target = filepath.Clean(path)
	w.mu.Unlock()
	return w.fsWatcher.Add(filepath.Dir(path))
}

// Wake delivers change notifications. A nil watcher never wakes.
func (w *watcher) Wake() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.wake
}

func (w *watcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			match := filepath.Clean(event.Name) == w.target
			w.mu.Unlock()
			if !match {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}
