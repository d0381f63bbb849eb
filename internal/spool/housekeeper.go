package spool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/msgspool/internal/obs"
)

// HousekeeperConfig controls the scheduled maintenance task of spec
// §4.E: a single ticker-driven goroutine that purges stale terminal
// rows and, for backends that don't continuously log data changes,
// issues an explicit checkpoint.
type HousekeeperConfig struct {
	Interval time.Duration
	PurgeAge time.Duration
	Logger   *slog.Logger
	Metrics  *obs.SpoolMetrics
}

// Housekeeper runs the scheduled maintenance task against a Store,
// grounded on the teacher's backlog-trend ticker goroutine: a plain
// time.Ticker loop selecting against ctx.Done(), started and stopped
// by the caller.
type Housekeeper struct {
	store Store

	mu     sync.Mutex
	cfg    HousekeeperConfig
	ctx    context.Context
	stopFn context.CancelFunc
	done   chan struct{}
}

// NewHousekeeper constructs a Housekeeper. Interval and PurgeAge fall
// back to sensible defaults (one hour, one week) when zero.
func NewHousekeeper(store Store, cfg HousekeeperConfig) *Housekeeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.PurgeAge <= 0 {
		cfg.PurgeAge = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Housekeeper{store: store, cfg: cfg}
}

// Start launches the maintenance goroutine. It is a no-op if already
// running. Call Stop to cancel and wait for the goroutine to exit.
func (h *Housekeeper) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopFn != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.ctx = ctx
	h.stopFn = cancel
	h.done = make(chan struct{})
	h.run(runCtx, h.done)
}

// Stop cancels the maintenance goroutine and waits for it to exit.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	stopFn, done := h.stopFn, h.done
	h.stopFn, h.done = nil, nil
	h.mu.Unlock()

	if stopFn == nil {
		return
	}
	stopFn()
	<-done
}

// Update applies a new HousekeeperConfig, restarting the ticker
// goroutine with the new interval if it was running. Grounded on the
// teacher's config hot-reload path (`watchConfig` calling back into
// running subsystems rather than requiring a process restart).
func (h *Housekeeper) Update(cfg HousekeeperConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.PurgeAge <= 0 {
		cfg.PurgeAge = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h.mu.Lock()
	wasRunning := h.stopFn != nil
	parent := h.ctx
	stopFn, done := h.stopFn, h.done
	h.cfg = cfg
	h.mu.Unlock()

	if !wasRunning {
		return
	}

	stopFn()
	<-done

	h.mu.Lock()
	runCtx, cancel := context.WithCancel(parent)
	h.stopFn = cancel
	h.done = make(chan struct{})
	h.run(runCtx, h.done)
	h.mu.Unlock()
}

func (h *Housekeeper) run(ctx context.Context, done chan struct{}) {
	go func() {
		defer close(done)
		h.mu.Lock()
		interval := h.cfg.Interval
		h.mu.Unlock()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.tick(ctx, "interval")
			}
		}
	}()
}

// RunOnce performs a single maintenance pass synchronously, outside of
// the ticker schedule. Used at startup before the periodic loop begins.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	h.tick(ctx, "startup")
}

func (h *Housekeeper) tick(ctx context.Context, trigger string) {
	h.mu.Lock()
	purgeAge, logger, metrics := h.cfg.PurgeAge, h.cfg.Logger, h.cfg.Metrics
	h.mu.Unlock()

	err := obs.TraceStoreOp(ctx, "DeleteStaleMessages", func(ctx context.Context) error {
		return h.store.DeleteStaleMessages(ctx, purgeAge)
	})
	if err != nil {
		logger.Warn("housekeeper_purge_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return
	}
	logger.Debug("housekeeper_purged", slog.String("trigger", trigger))

	if rc, ok := h.store.(RowCounter); ok && metrics != nil {
		if count, err := rc.RowCount(); err != nil {
			logger.Warn("housekeeper_row_count_failed", slog.Any("err", err), slog.String("trigger", trigger))
		} else {
			metrics.RowCount.Set(float64(count))
		}
	}

	if hk, ok := h.store.(Housekept); ok && !hk.LogDataEnabled() {
		err := obs.TraceStoreOp(ctx, "Checkpoint", func(context.Context) error {
			return h.store.Checkpoint()
		})
		if err != nil {
			logger.Warn("housekeeper_checkpoint_failed", slog.Any("err", err), slog.String("trigger", trigger))
			return
		}
		logger.Debug("housekeeper_checkpointed", slog.String("trigger", trigger))
	}
}
