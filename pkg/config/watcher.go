package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetor/fleetor/pkg/logging"
)

// ReloadFunc receives the freshly parsed configuration after a file change
type ReloadFunc func(*SystemConfig)

// Watcher reloads the config file when it changes on disk. Reloads are
// debounced because editors fire several events per save.
type Watcher struct {
	path     string
	logger   logging.Logger
	onReload ReloadFunc
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for path that invokes onReload on changes
func NewWatcher(path string, logger logging.Logger, onReload ReloadFunc) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		debounce: 500 * time.Millisecond,
	}
}

// Start begins watching. Watching the directory rather than the file itself
// survives rename-and-replace saves.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = fsw

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	return nil
}

// Stop halts watching and waits for the loop to exit
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) reload() {
	config, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			logging.String("path", w.path),
			logging.Err(err))
		return
	}

	w.logger.Info("configuration reloaded", logging.String("path", w.path))
	w.onReload(config)
}
