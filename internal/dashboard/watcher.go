package dashboard

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/logging"
)

// Watcher evicts cache entries when snapshot files in a directory change on
// disk.
type Watcher struct {
	dir     string
	cache   *Cache
	logger  *logging.Logger
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for dir. Call Start to begin watching.
func NewWatcher(dir string, cache *Cache, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		dir:     dir,
		cache:   cache,
		logger:  logger,
		watcher: w,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the directory in a background goroutine until ctx is done
// or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.cache.Evict(event.Name) {
				w.logger.Debug(ctx, "snapshot changed on disk, evicted",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "file watcher error", zap.Error(err))
		}
	}
}
