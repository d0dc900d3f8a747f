package worker

import (
	"context"
	"time"
)

const evictInterval = 5 * time.Minute

// Evicter drops state that can no longer affect decisions.
type Evicter interface {
	Evict()
}

// EvictWorker periodically evicts stale limiter windows. Best-effort: a
// missed pass costs memory, not correctness.
type EvictWorker struct {
	target   Evicter
	interval time.Duration
}

// NewEvictWorker creates an EvictWorker over target.
func NewEvictWorker(target Evicter) *EvictWorker {
	return &EvictWorker{target: target, interval: evictInterval}
}

// Name returns the worker identifier.
func (w *EvictWorker) Name() string { return "limiter_evict" }

// Run evicts on an interval until ctx is cancelled.
func (w *EvictWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.target.Evict()
		case <-ctx.Done():
			return nil
		}
	}
}
