package tenant

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDelay is how long the watcher waits after the last observed change
// before reloading, so a partially-written file is not read mid-edit.
const reloadDelay = 500 * time.Millisecond

// resumeDelay is how long watch suppression lingers after our own save, long
// enough for the rename events of that save to drain from the event queue.
const resumeDelay = 250 * time.Millisecond

// Watcher reloads the tenant configuration when the file changes on disk.
// It watches the containing directory rather than the file itself, since
// atomic saves replace the file by rename.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	onEdit func()

	mu         sync.Mutex
	suppressed int
	timer      *time.Timer

	done chan struct{}
}

// NewWatcher starts watching path and calls onEdit after external changes
// settle. It runs for the lifetime of the service; Close tears it down.
func NewWatcher(path string, onEdit func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		fsw:    fsw,
		path:   path,
		onEdit: onEdit,
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Suppress disables reload triggering while this process writes the file.
func (w *Watcher) Suppress() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppressed++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Resume re-enables the watch after a short delay, so events caused by our
// own write do not trigger a reload on their way out of the queue.
func (w *Watcher) Resume() {
	time.AfterFunc(resumeDelay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.suppressed > 0 {
			w.suppressed--
		}
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
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
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("tenant config watch error")
		}
	}
}

// scheduleReload arms (or re-arms) the settle timer for one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.suppressed > 0 {
		return
	}
	log.Debug().Str("path", w.path).Msg("tenant config change detected")
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDelay, func() {
		w.mu.Lock()
		stillSuppressed := w.suppressed > 0
		w.timer = nil
		w.mu.Unlock()
		if stillSuppressed {
			return
		}
		w.onEdit()
	})
}
