package spoolconfig

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursty editor/atomic-write events, matching
// the teacher's watchConfig.
const reloadDebounce = 200 * time.Millisecond

// Watch re-reads the .env file at path whenever it changes and invokes
// reload with the newly loaded Config. Grounded on the teacher's
// internal/app/run.go watchConfig: an fsnotify watcher on the
// containing directory plus a debounce timer, since editors commonly
// replace the file rather than write it in place.
func Watch(ctx context.Context, path string, logger *slog.Logger, reload func(Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("spoolconfig_watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("spoolconfig_watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("spoolconfig_watching", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("spoolconfig_watch_error", slog.Any("err", err))
		case <-timerCh:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("spoolconfig_reload_failed", slog.Any("err", err))
				continue
			}
			logger.Info("spoolconfig_reloaded", slog.String("path", path))
			reload(cfg)
		}
	}
}
