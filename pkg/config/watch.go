package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// OnChangeFunc is invoked with the freshly reloaded config, or the error
// hit while reloading (the previous config stays in effect on error).
type OnChangeFunc func(cfg *Config, err error)

// Watcher reloads a config file whenever it changes on disk (§A
// "Configuration", hot-reload of tunables and the LLM-config validity
// flag). Grounded on the teacher's koanf_loader.go watch responsibility,
// reimplemented directly against fsnotify per SPEC_FULL's naming of
// that library rather than koanf.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path's containing directory (fsnotify does not
// reliably follow editors that replace-via-rename a watched file
// directly) and calls onChange after every write/create event that
// touches path.
func Watch(path string, logger *slog.Logger, onChange OnChangeFunc) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, logger: logger, watcher: fsw, done: make(chan struct{})}
	go w.loop(path, onChange)
	return w, nil
}

func (w *Watcher) loop(path string, onChange OnChangeFunc) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				w.logger.Warn("config: reload failed", "path", path, "error", err)
			}
			onChange(cfg, err)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
