package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watch reloads the config file whenever it changes and hands the validated
// result to onReload. Invalid edits are logged and skipped, keeping the
// last good config in effect. The directory is watched rather than the file
// so editors that replace-on-save keep working.
func Watch(ctx context.Context, path string, logger Logger, onReload func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					if logger != nil {
						logger.Printf("config reload skipped: %v", err)
					}
					continue
				}
				if logger != nil {
					logger.Printf("config reloaded from %s", path)
				}
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("config watcher error: %v", err)
				}
			}
		}
	}()
	return nil
}
