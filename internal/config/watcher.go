package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads settings when the file changes so long-running sessions
// pick up queue-mode and default-model edits without a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onChange func(*Settings)
	debounce time.Duration

	wg    sync.WaitGroup
	mu    sync.Mutex
	timer *time.Timer
}

// WatchSettings watches the settings file's directory (atomic writes replace
// the file by rename, which drops watches on the file itself) and invokes
// onChange with the reloaded settings after edits settle. A debounce of zero
// uses the default.
func WatchSettings(path string, debounce time.Duration, logger *slog.Logger, onChange func(*Settings)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		logger:   logger,
		onChange: onChange,
		debounce: debounce,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for the loop to exit. A reload already
// scheduled may still fire.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watch error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		s, err := LoadSettings(w.path)
		if err != nil {
			w.logger.Warn("settings reload failed", "path", w.path, "error", err)
			return
		}
		w.onChange(s)
	})
}
