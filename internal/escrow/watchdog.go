package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Watchdog periodically releases active escrows whose duration has elapsed.
type Watchdog struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewWatchdog creates a timeout watchdog. It acts as the platform address.
func NewWatchdog(service *Service, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		service:  service,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the watchdog loop is actively running.
func (w *Watchdog) Running() bool {
	return w.running.Load()
}

// LastRun returns when the last sweep finished, or the zero time.
func (w *Watchdog) LastRun() time.Time {
	n := w.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Interval is the time between sweeps.
func (w *Watchdog) Interval() time.Duration {
	return w.interval
}

// Start begins the release loop. Call in a goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the watchdog to stop.
func (w *Watchdog) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watchdog) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow watchdog", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// Sweep releases every escrow that is currently timed out and returns how
// many were settled.
func (w *Watchdog) Sweep(ctx context.Context) int {
	defer func() { w.lastRun.Store(time.Now().UnixNano()) }()

	expired, err := w.service.ListTimedOut(ctx, w.batch)
	if err != nil {
		w.logger.Warn("failed to list timed-out escrows", "error", err)
		return 0
	}

	caller := w.service.Config().PlatformAddr
	released := 0
	for _, escrow := range expired {
		if _, err := w.service.TimeoutRelease(ctx, escrow.ID, caller); err != nil {
			w.logger.Warn("failed to release timed-out escrow",
				"escrowId", escrow.ID,
				"error", err,
			)
			continue
		}
		released++
	}
	if released > 0 {
		w.logger.Info("watchdog released timed-out escrows", "count", released)
	}
	return released
}
