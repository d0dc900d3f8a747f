package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	guard "github.com/eugener/aiguard/internal"
)

// Usage is the highest-volume recorder: a deep queue, small batches flushed
// often so accounting stays close to real time.
const (
	usageQueueSize  = 4096
	usageBatchSize  = 64
	usageFlushEvery = 2 * time.Second
	usageDrainTime  = 15 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []guard.UsageRecord) error
}

// UsageRecorder queues usage records off the response path and batch-inserts
// them. Accounting is best-effort: a saturated queue drops rather than
// blocking a proxied request.
type UsageRecorder struct {
	b     *batcher[guard.UsageRecord]
	store UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store UsageStore) *UsageRecorder {
	u := &UsageRecorder{store: store}
	u.b = newBatcher("usage", batchOptions{
		queue:      usageQueueSize,
		batch:      usageBatchSize,
		flushEvery: usageFlushEvery,
		drainFor:   usageDrainTime,
	}, u.flush)
	return u
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record without blocking.
func (u *UsageRecorder) Record(r guard.UsageRecord) { u.b.enqueue(r) }

// Run processes records until ctx is cancelled, then drains the queue.
func (u *UsageRecorder) Run(ctx context.Context) error { return u.b.run(ctx) }

func (u *UsageRecorder) flush(ctx context.Context, records []guard.UsageRecord) {
	// The batcher reuses its buffer; copy before the insert leaves this call.
	batch := make([]guard.UsageRecord, len(records))
	copy(batch, records)

	// IDs are assigned here, off the hot path.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
