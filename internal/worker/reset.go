package worker

import (
	"context"
	"log/slog"
	"time"
)

// ResetStore zeroes the rolling usage buckets across all projects.
type ResetStore interface {
	ResetDailyUsage(ctx context.Context) error
	ResetMonthlyUsage(ctx context.Context) error
}

// ResetWorker zeroes currentDay at local midnight and currentMonth on the
// first of the month, in the configured timezone. The request path trusts
// the counters and never checks the clock, so missing a tick inflates a
// bucket until the next midnight rather than breaking admission.
type ResetWorker struct {
	store ResetStore
	loc   *time.Location
	now   func() time.Time
}

// NewResetWorker creates a ResetWorker operating in loc (nil means UTC).
func NewResetWorker(store ResetStore, loc *time.Location) *ResetWorker {
	if loc == nil {
		loc = time.UTC
	}
	return &ResetWorker{store: store, loc: loc, now: time.Now}
}

// Name returns the worker identifier.
func (w *ResetWorker) Name() string { return "usage_reset" }

// Run fires at each local midnight until ctx is cancelled.
func (w *ResetWorker) Run(ctx context.Context) error {
	for {
		next := w.nextMidnight()
		timer := time.NewTimer(next.Sub(w.now()))

		select {
		case <-timer.C:
			w.reset(ctx, next)
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (w *ResetWorker) nextMidnight() time.Time {
	now := w.now().In(w.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, w.loc).AddDate(0, 0, 1)
}

func (w *ResetWorker) reset(ctx context.Context, boundary time.Time) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := w.store.ResetDailyUsage(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "daily usage reset failed",
			slog.String("error", err.Error()),
		)
	} else {
		slog.LogAttrs(ctx, slog.LevelInfo, "daily usage counters reset")
	}

	if boundary.In(w.loc).Day() != 1 {
		return
	}
	if err := w.store.ResetMonthlyUsage(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "monthly usage reset failed",
			slog.String("error", err.Error()),
		)
	} else {
		slog.LogAttrs(ctx, slog.LevelInfo, "monthly usage counters reset")
	}
}
