package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// droppedLogEvery throttles the queue-full warning so a saturated store does
// not flood the log.
const droppedLogEvery = 100

// batchOptions sizes a recorder's queue and flush cadence.
type batchOptions struct {
	queue      int
	batch      int
	flushEvery time.Duration
	drainFor   time.Duration
}

// batcher accumulates items from a bounded queue and hands them to flush in
// batches. Enqueue never blocks; when the queue is full the item is dropped
// and counted.
type batcher[T any] struct {
	kind    string
	opts    batchOptions
	ch      chan T
	dropped atomic.Int64
	flush   func(ctx context.Context, items []T)
}

func newBatcher[T any](kind string, opts batchOptions, flush func(context.Context, []T)) *batcher[T] {
	return &batcher[T]{
		kind:  kind,
		opts:  opts,
		ch:    make(chan T, opts.queue),
		flush: flush,
	}
}

func (b *batcher[T]) enqueue(item T) {
	select {
	case b.ch <- item:
	default:
		if n := b.dropped.Add(1); n%droppedLogEvery == 1 {
			slog.Warn("recorder queue full, dropping",
				"kind", b.kind,
				"dropped_total", n,
			)
		}
	}
}

// run flushes on batch boundary and on the ticker until ctx is cancelled,
// then drains whatever is still queued under a fresh deadline.
func (b *batcher[T]) run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.flushEvery)
	defer ticker.Stop()

	buf := make([]T, 0, b.opts.batch)
	for {
		select {
		case item := <-b.ch:
			buf = append(buf, item)
			if len(buf) >= b.opts.batch {
				b.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				b.flush(ctx, buf)
				buf = buf[:0]
			}
		case <-ctx.Done():
			b.drain(buf)
			return nil
		}
	}
}

func (b *batcher[T]) drain(buf []T) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.drainFor)
	defer cancel()

	for {
		select {
		case item := <-b.ch:
			buf = append(buf, item)
			if len(buf) >= b.opts.batch {
				b.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				b.flush(ctx, buf)
			}
			return
		}
	}
}
