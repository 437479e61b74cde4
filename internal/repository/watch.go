package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/debounce"
)

const DefaultWatchDebounce = 350 * time.Millisecond

// ErrNotWatchable is returned for backends that do not live on the local
// filesystem.
var ErrNotWatchable = errors.New("repository cannot be watched")

// Watcher refreshes a repository whenever its backend storage changes.
type Watcher struct {
	Repo  *Repository
	Delay time.Duration
	// OnRefresh, when set, is called after every refresh the watcher runs.
	OnRefresh func(n int, err error)
}

// Run watches until ctx is done. Bursts of filesystem events within Delay of
// each other cause a single refresh; refreshes never overlap.
func (w *Watcher) Run(ctx context.Context) (err error) {
	logger := w.Repo.logger
	wb, ok := w.Repo.backend.(backend.Watchable)
	if !ok {
		return ErrNotWatchable
	}
	paths := wb.WatchPaths()
	if len(paths) == 0 {
		return ErrNotWatchable
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		if cerr := fsw.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close watcher: %w", cerr))
		}
	}()
	for _, path := range paths {
		logger.Debug("adding path to FS watcher", slog.String("path", path))
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	delay := w.Delay
	if delay <= 0 {
		delay = DefaultWatchDebounce
	}
	kick := make(chan struct{}, 1)
	d := debounce.New(delay, func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	defer d.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if shouldIgnoreWatchPath(ev.Name) {
				continue
			}
			logger.Debug("fsnotify event",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name),
			)
			d.Trigger()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("fsnotify error", slog.Any("error", err))
		case <-kick:
			n, err := w.Repo.Refresh(ctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			if err == nil && n > 0 {
				logger.Info("auto refresh", slog.Int("new", n))
			}
			if w.OnRefresh != nil {
				w.OnRefresh(n, err)
			}
		}
	}
}

// shouldIgnoreWatchPath skips lock files git writes on every ref update.
func shouldIgnoreWatchPath(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".lock" || ext == ".ipc"
}
