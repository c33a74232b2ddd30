package daemon

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/talon-ai/talon/internal/observability"
)

const watchDebounce = 500 * time.Millisecond

// configWatcher watches the config file's directory and fires a debounced
// callback on writes. Watching the directory instead of the file survives
// the rename-and-replace dance editors and atomic writers do.
type configWatcher struct {
	watcher *fsnotify.Watcher
	target  string
	logger  *observability.Logger
	onWrite func()

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

func newConfigWatcher(path string, logger *observability.Logger, onWrite func()) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	w := &configWatcher{
		watcher: fsw,
		target:  abs,
		logger:  logger,
		onWrite: onWrite,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *configWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *configWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.onWrite)
}

func (w *configWatcher) Close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
	<-w.done
}
