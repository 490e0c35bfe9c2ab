package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/logging"
)

// WatchDebounce is the quiet period after the last write before fn runs.
var WatchDebounce = 200 * time.Millisecond

// Watch calls fn each time path is written, created or renamed into place,
// until ctx is done. The parent directory is watched so editors that
// replace files atomically are handled.
func Watch(ctx context.Context, path string, fn func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				logging.Debug("watched file changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
				if timer == nil {
					timer = time.NewTimer(WatchDebounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(WatchDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				fn(abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("file watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
