package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/proctools/sentinel/pkg/logging"
)

// DefaultDebounce batches bursts of filesystem events (editor saves,
// build outputs) into a single change notification.
const DefaultDebounce = 1500 * time.Millisecond

// Watcher watches a directory tree and fires a callback when anything
// under it changes. Used for watch-enabled process specs: a change
// triggers a restart of the supervised process.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
	logger   logging.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a directory watcher. A zero debounce means
// DefaultDebounce.
func NewWatcher(dir string, debounce time.Duration, onChange func(), logger logging.Logger) *Watcher {
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins watching the directory tree.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	// Register the directory and every subdirectory; fsnotify is not
	// recursive on its own
	err = filepath.WalkDir(w.dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	w.logger.Infof("Filesystem watcher started, dir: %s, debounce: %v", w.dir, w.debounce)

	w.wg.Add(1)
	go w.watch()
	return nil
}

// Stop stops watching and cleans up resources.
func (w *Watcher) Stop() error {
	w.cancel()
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) watch() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// New subdirectories must be registered to keep coverage
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.watcher.Add(event.Name)
				}
			}

			w.logger.Debugf("Filesystem event: %s %s", event.Op, event.Name)

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.logger.Infof("Filesystem change detected, dir: %s", w.dir)
			w.onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Filesystem watcher error: %v", err)
		}
	}
}
