package core

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// WatchConfig calls onChange (debounced) whenever the config file is written or
// replaced, until ctx is cancelled. The running configuration stays immutable;
// callers only use this to tell the operator that a restart is needed.
//
// The parent directory is watched rather than the file, so saves that rename a
// temporary file over the config keep being noticed.
func WatchConfig(ctx context.Context, path string, onChange func()) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	var (
		timer   *time.Timer
		timerMu sync.Mutex
		stopped bool
	)

	fire := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if stopped {
			return
		}
		onChange()
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				timerMu.Lock()
				stopped = true
				if timer != nil {
					timer.Stop()
				}
				timerMu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, fire)
				timerMu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	return nil
}
