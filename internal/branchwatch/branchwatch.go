// Package branchwatch implements component C6: it watches the chosen-
// branch file for external modifications (an operator or another tool
// editing it directly) and re-publishes the effective variant whenever
// it changes. Writes made by this daemon's own SwitchToVariant/
// SwitchToBranch handlers are suppressed so the watcher does not
// re-enter on its own write.
package branchwatch

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// OnChange is invoked, with no arguments, every time an external change
// to the chosen-branch file is observed; it re-reads whatever it needs.
type OnChange func()

// Watcher wraps an fsnotify watcher scoped to one file.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher
	done chan struct{}

	mu        sync.Mutex
	suppress  int
	onChange  OnChange
}

// New starts watching path. The containing directory is watched rather
// than the file itself so the watch survives editors that replace the
// file via rename instead of in-place write.
func New(path string, onChange OnChange) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		fsw:      fsw,
		done:     make(chan struct{}),
		onChange: onChange,
	}
	go w.run()
	return w, nil
}

// SuppressNext marks the next n filesystem events on the watched file
// as self-induced, so a write this daemon just performed does not
// trigger a spurious re-evaluation.
func (w *Watcher) SuppressNext(n int) {
	w.mu.Lock()
	w.suppress += n
	w.mu.Unlock()
}

func (w *Watcher) run() {
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}

			w.mu.Lock()
			if w.suppress > 0 {
				w.suppress--
				w.mu.Unlock()
				continue
			}
			w.mu.Unlock()

			if w.onChange != nil {
				w.onChange()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("branchwatch: watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
