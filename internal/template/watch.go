package template

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses editor save bursts into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the library whenever a file under its directory changes.
// Failed reloads are logged and the previous catalog stays active. It blocks
// until ctx is done.
func (l *Library) Watch(ctx context.Context, debounce time.Duration) error {
	if l.dir == "" {
		return fmt.Errorf("watch templates: library was not opened from a directory")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch templates: %w", err)
	}
	defer w.Close()

	err = filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch templates %s: %w", l.dir, err)
	}
	l.log.WithField("dir", l.dir).Info("watching template catalog")

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				// New subdirectories need their own watch.
				_ = w.Add(ev.Name)
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.WithError(err).Warn("template watcher error")
		case <-timer.C:
			if _, err := l.Reload(); err != nil {
				l.log.WithError(err).Error("template reload rejected, keeping previous catalog")
			}
		}
	}
}
