package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kimhsiao/courier/internal/logging"
)

// Watch reloads the config file at path whenever it changes and passes each
// successfully loaded Config to onChange. It returns when ctx is canceled.
//
// The parent directory is watched rather than the file, so a save that
// replaces the file (write to a temporary file, then rename) keeps being
// seen. A file that fails to load is logged and skipped; onChange only ever
// receives valid configs.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	log := logging.Get().Named("config").With(zap.String("path", path))
	log.Info("Watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			// A rename onto path is reported as Create; Remove and Rename
			// of the old file are followed by that Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				log.Error("Config reload failed, keeping previous config", err)
				continue
			}
			log.Info("Config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Config watcher error", err)
		}
	}
}
