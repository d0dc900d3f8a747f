package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	guard "github.com/eugener/aiguard/internal"
)

// Audit volume is a fraction of usage volume; a shallower queue flushed a
// little less eagerly is enough.
const (
	auditQueueSize  = 1024
	auditBatchSize  = 32
	auditFlushEvery = 3 * time.Second
	auditDrainTime  = 10 * time.Second
)

// AuditStore is the persistence interface consumed by AuditRecorder.
type AuditStore interface {
	InsertAudit(ctx context.Context, entries []guard.AuditLog) error
}

// AuditRecorder queues audit entries and batch-inserts them. Audit is
// best-effort by contract, so a full queue drops.
type AuditRecorder struct {
	b     *batcher[guard.AuditLog]
	store AuditStore
}

// NewAuditRecorder creates an AuditRecorder backed by store.
func NewAuditRecorder(store AuditStore) *AuditRecorder {
	a := &AuditRecorder{store: store}
	a.b = newBatcher("audit", batchOptions{
		queue:      auditQueueSize,
		batch:      auditBatchSize,
		flushEvery: auditFlushEvery,
		drainFor:   auditDrainTime,
	}, a.flush)
	return a
}

// Name returns the worker identifier.
func (a *AuditRecorder) Name() string { return "audit_recorder" }

// RecordAudit enqueues an entry without blocking.
func (a *AuditRecorder) RecordAudit(e guard.AuditLog) { a.b.enqueue(e) }

// Run processes entries until ctx is cancelled, then drains the queue.
func (a *AuditRecorder) Run(ctx context.Context) error { return a.b.run(ctx) }

func (a *AuditRecorder) flush(ctx context.Context, entries []guard.AuditLog) {
	batch := make([]guard.AuditLog, len(entries))
	copy(batch, entries)

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := a.store.InsertAudit(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "audit flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
