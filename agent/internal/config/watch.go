package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long the file must stay quiet after an event before it
// is read. Editors often write a file in several steps.
const settleDelay = 100 * time.Millisecond

// Watch reports edits to the config file at path until ctx is cancelled.
//
// When the file settles with content that differs from the last version
// seen, it is loaded and passed to onChange. Nothing is applied: the caller
// keeps running its own Config and onChange only tells the operator a
// restart is pending. An edit that does not load is logged and not reported.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	seen, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	defer w.Close()

	// Watching the directory keeps following the file across rename-based
	// saves, which replace the inode.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	slog.Info("config: watching for edits", "path", abs)

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == abs && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				settle.Reset(settleDelay)
			}

		case <-settle.C:
			content, err := os.ReadFile(abs)
			if err != nil {
				slog.Warn("config: edited file unreadable", "path", abs, "err", err)
				continue
			}
			if bytes.Equal(content, seen) {
				continue
			}
			seen = content
			reportChange(abs, onChange)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "path", abs, "err", err)
		}
	}
}

func reportChange(path string, onChange func(*Config)) {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("config: edited file does not load, running config unchanged", "path", path, "err", err)
		return
	}
	onChange(cfg)
}
