package pool

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads the store when the pool file is rewritten by an outside
// process (the license-refresher helper edits the same file). Events are
// debounced, and reloads of content identical to the in-memory pool no-op,
// so the store's own atomic saves do not feed back.
type Watcher struct {
	store  *Store
	logger *zap.Logger
	fs     *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher starts watching the store's pool file. The parent directory is
// watched rather than the file itself because atomic saves replace the
// inode on every write.
func NewWatcher(store *Store, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(store.path)
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{
		store:  store,
		logger: logger,
		fs:     fs,
		done:   make(chan struct{}),
	}
	go w.run(filepath.Base(store.path))

	logger.Info("watching pool file", zap.String("path", store.path))
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) run(base string) {
	defer close(w.done)

	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce.Reset(watchDebounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pool file watcher error", zap.Error(err))

		case <-debounce.C:
			if err := w.store.ReloadFromDisk(); err != nil {
				w.logger.Error("reloading pool file", zap.Error(err))
			}
		}
	}
}
