package directory

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watch reloads the directory whenever its backing file changes, until ctx
// is cancelled. The parent directory is watched so that editors replacing
// the file by rename are picked up. A failed reload keeps the previous data.
func (d *FileDirectory) Watch(ctx context.Context, debounce time.Duration, logger *slog.Logger) error {
	if d.path == "" {
		return fmt.Errorf("directory has no backing file")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	target := filepath.Clean(d.path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("Directory watcher started", "path", target)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Directory watcher error", "error", err)

		case <-timer.C:
			if err := d.Reload(); err != nil {
				logger.Warn("Directory reload failed, keeping previous data", "path", target, "error", err)
				continue
			}
			logger.Info("Directory reloaded", "path", target)
		}
	}
}
