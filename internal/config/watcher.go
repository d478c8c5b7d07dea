package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a configuration file and invokes a callback after changes,
// debounced so editors that write in several steps trigger a single reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func()
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for path. The parent directory is watched
// rather than the file itself so rename-based saves keep working.
func NewWatcher(path string, onChange func(), logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		path:     filepath.Clean(path),
		debounce: 500 * time.Millisecond,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.logger.Info("configuration file changed", zap.String("path", w.path))
			w.onChange()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
