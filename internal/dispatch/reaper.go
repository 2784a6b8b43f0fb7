// ABOUTME: Stale task reaper returning long-untouched in_progress tasks to todo
// ABOUTME: Runs on its own interval so tasks orphaned by a supervisor crash are picked up again

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/hive/internal/store"
)

const (
	DefaultReaperInterval = time.Minute
	DefaultStaleAfter     = 10 * time.Minute
)

// ReaperOptions configures a Reaper.
type ReaperOptions struct {
	Store      store.TaskStore
	Interval   time.Duration
	StaleAfter time.Duration // must exceed the task timeout
	Logger     *slog.Logger
}

// Reaper periodically resets stale in_progress tasks.
type Reaper struct {
	opts   ReaperOptions
	logger *slog.Logger
	now    func() time.Time
	loop   loop
}

// NewReaper creates a stopped reaper.
func NewReaper(opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReaperInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reaper{
		opts:   opts,
		logger: opts.Logger.With("component", "reaper"),
		now:    time.Now,
	}
}

// Start begins sweeping. Starting a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	if !r.loop.start(ctx, r.opts.Interval, r.tick) {
		r.logger.Warn("reaper already running")
		return
	}
	r.logger.Info("reaper started", "interval", r.opts.Interval, "stale_after", r.opts.StaleAfter)
}

// Stop halts sweeping. Safe to call repeatedly.
func (r *Reaper) Stop() {
	if r.loop.stop() {
		r.logger.Info("reaper stopped")
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("reaper sweep failed", "error", err)
	}
}

// Sweep resets every in_progress task not updated within StaleAfter and
// returns how many were reset.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.opts.StaleAfter)
	n, err := r.opts.Store.ResetStaleTasks(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("resetting stale tasks: %w", err)
	}
	if n > 0 {
		r.logger.Warn("reset stuck tasks", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
