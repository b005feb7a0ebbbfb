package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the event burst of a truncate-then-write save so
// the file is re-read once, after the writer has finished.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the configuration whenever the YAML file changes on disk and
// runs onReload (if non-nil) after every successful reload. It blocks until
// ctx is cancelled. Editors that replace the file (write to temp + rename)
// are handled by watching the parent directory.
func (c *Config) Watch(ctx context.Context, onReload func()) error {
	if c.configPath == "" {
		return fmt.Errorf("no config file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(c.configPath)

	c.logger.Info("Watching configuration file", zap.String("path", target))

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			c.logger.Debug("Config file changed", zap.String("op", event.Op.String()))
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			if err := c.Update(); err != nil {
				c.logger.Warn("Config reload failed, keeping previous values", zap.Error(err))
				continue
			}
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
