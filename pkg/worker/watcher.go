package worker

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WeightsWatcher reloads a weights file whenever it is rewritten. The parent
// directory is watched so atomic replace-by-rename is seen too.
type WeightsWatcher struct {
	path     string
	reload   func(path string) error
	debounce time.Duration
	log      *zap.SugaredLogger
	watcher  *fsnotify.Watcher
}

func NewWeightsWatcher(path string, reload func(path string) error, logger *zap.SugaredLogger) (*WeightsWatcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating watcher")
	}
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watching %s", filepath.Dir(path))
	}
	return &WeightsWatcher{
		path:     path,
		reload:   reload,
		debounce: 100 * time.Millisecond,
		log:      logger,
		watcher:  w,
	}, nil
}

// Run handles events until ctx is done. Bursts of writes within the debounce
// window produce one reload.
func (w *WeightsWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case <-pending:
			pending = nil
			if err := w.reload(w.path); err != nil {
				w.log.Errorw("Reloading weights failed", "path", w.path, "error", err)
				continue
			}
			w.log.Infow("Reloaded weights", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Watcher error", "error", err)
		}
	}
}
