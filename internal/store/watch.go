package store

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchCatalog reloads catalog file on change and hands valid catalogs to onChange.
// Invalid documents are logged and the previous catalog stays active.
// Params: context, catalog path, logger, and change callback.
// Returns: watcher setup error; nil after context cancellation.
func WatchCatalog(ctx context.Context, path string, logger *slog.Logger, onChange func(Catalog)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watching the directory survives editors replacing the file on save.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)
	logger.Info("catalog watch started", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
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
			catalog, err := LoadCatalog(path)
			if err != nil {
				logger.Error("catalog reload failed", "path", path, "error", err.Error())
				continue
			}
			logger.Info("catalog reloaded", "path", path, "monitors", len(catalog.Monitors), "rules", len(catalog.Rules), "channels", len(catalog.Channels))
			onChange(catalog)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("catalog watcher error", "error", err.Error())
		}
	}
}
