package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces bursts of filesystem events into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads the snapshot store when either snapshot file is edited
// outside the process (operators hand-edit users.json in the field). Events
// caused by the store's own atomic saves also trigger a reload, which is a
// harmless re-publish of identical content.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	targets map[string]struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for the store's snapshot files.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return nil, errNew
	}
	w := &Watcher{
		store:   store,
		watcher: fsw,
		targets: map[string]struct{}{},
		done:    make(chan struct{}),
	}
	dirs := map[string]struct{}{}
	for _, path := range []string{store.providersPath, store.usersPath} {
		abs, errAbs := filepath.Abs(path)
		if errAbs != nil {
			abs = path
		}
		w.targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if errAdd := fsw.Add(dir); errAdd != nil {
			_ = fsw.Close()
			return nil, errAdd
		}
	}
	return w, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	var pending *time.Timer
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				log.Debugf("config: snapshot file changed (%s), reloading", event.Name)
				w.store.Load()
			})
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config: watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, errAbs := filepath.Abs(event.Name)
	if errAbs != nil {
		abs = event.Name
	}
	_, ok := w.targets[abs]
	return ok
}
