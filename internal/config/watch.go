package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces.
const DefaultWatchDebounce = 100 * time.Millisecond

// Watch reloads the profile at path whenever it is rewritten and passes each
// valid result to fn. Invalid rewrites are logged and skipped. The parent
// directory is watched so atomic renames are seen. Watch blocks until ctx ends.
func Watch(ctx context.Context, path string, debounce time.Duration, fn func(Profile)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}

	logger := log.With().Str("component", "config").Str("path", abs).Logger()
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending = time.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")
		case <-pending:
			pending = nil
			p, err := Load(abs)
			if err != nil {
				logger.Warn().Err(err).Msg("profile reload rejected")
				continue
			}
			logger.Info().Msg("profile reloaded")
			fn(p)
		}
	}
}
