package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 500 * time.Millisecond

// Watch calls onChange after the config file is written or replaced. The
// parent directory is watched because editors and Save both rename over the
// file. Blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch dir %q: %w", filepath.Dir(abs), err)
	}

	watchLoop(ctx, abs, watcher.Events, watcher.Errors, watchDebounce, onChange)
	return nil
}

// watchLoop debounces events for file until ctx is done or events closes.
// Watcher errors are logged and do not stop the loop.
func watchLoop(ctx context.Context, file string, events <-chan fsnotify.Event, errs <-chan error, debounce time.Duration, onChange func()) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Err(err).Str("path", file).Msg("config watcher error")
		}
	}
}
