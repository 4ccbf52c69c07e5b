package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"custodian/internal/model"
)

// Watch watches the config file and calls onLevel with the new log level
// whenever the file is rewritten with a valid one. Only the log level is hot;
// every other change requires a restart. Returns a stop function.
func Watch(path string, onLevel func(model.LogLevel), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would silently die.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				level, err := readLogLevel(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onLevel(level)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

func readLogLevel(path string) (model.LogLevel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.LogLevelInfo, err
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.LogLevelInfo, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := Validate(withDefaults(cfg)); err != nil {
		return model.LogLevelInfo, err
	}
	return model.ParseLogLevel(cfg.Logging.Level), nil
}

func withDefaults(cfg model.Config) model.Config {
	ApplyDefaults(&cfg)
	return cfg
}
