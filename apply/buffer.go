// Package apply drains fetched oplog entries on a secondary: a byte-budget
// buffer fed by the fetcher, a batcher that respects size limits and batch
// boundaries, and the applier that writes entries to the local log and
// replays their effects through the command table.
package apply

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tidedb/dberr"
	"tidedb/oplog"
)

// DefaultBufferBytes caps the fetch-ahead buffer.
const DefaultBufferBytes = 256 * 1024 * 1024

// Buffer queues fetched entries between the fetcher and the batcher.
// Enqueue blocks while the byte budget is exhausted.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries  []oplog.Entry
	bytes    int64
	maxBytes int64
	closed   bool
}

func NewBuffer(maxBytes int64) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultBufferBytes
	}
	b := &Buffer{maxBytes: maxBytes}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enqueue appends a fetched batch, waiting for budget. A batch larger than
// the whole budget is admitted alone rather than deadlocking.
func (b *Buffer) Enqueue(ctx context.Context, batch []oplog.Entry) error {
	var size int64
	for i := range batch {
		size += int64(batch[i].SizeBytes())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.bytes > 0 && b.bytes+size > b.maxBytes {
		if b.closed {
			return dberr.New(dberr.CodeShutdownInProgress, "buffer closed")
		}
		if err := ctx.Err(); err != nil {
			return dberr.Wrap(dberr.CodeCallbackCanceled, "enqueue", err)
		}
		bufferWait(ctx, b)
	}
	if b.closed {
		return dberr.New(dberr.CodeShutdownInProgress, "buffer closed")
	}
	b.entries = append(b.entries, batch...)
	b.bytes += size
	b.cond.Broadcast()
	return nil
}

func bufferWait(ctx context.Context, b *Buffer) {
	if ctx.Done() == nil {
		b.cond.Wait()
		return
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-stop:
		}
	}()
	b.cond.Wait()
	close(stop)
}

// SizeBytes reports the buffered payload, for metrics and backpressure
// observation.
func (b *Buffer) SizeBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Len reports buffered entry count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close wakes all waiters; further Enqueues fail and NextBatch drains what
// remains before reporting shutdown.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// BatchLimits bound one apply batch.
type BatchLimits struct {
	MaxOps   int
	MaxBytes int64

	// ForceBatchBoundaryAfter is a barrier timestamp: entries at or before
	// it never share a batch with entries after it. The initial syncer sets
	// it to the begin-applying point.
	ForceBatchBoundaryAfter primitive.Timestamp
}

func atOrBeforeBarrier(e *oplog.Entry, barrier primitive.Timestamp) bool {
	if barrier.IsZero() {
		return false
	}
	return primitive.CompareTimestamp(e.Timestamp, barrier) <= 0
}

// NextBatch blocks for at least one entry, then drains without blocking up
// to the limits. Command entries are applied serially, so each gets a batch
// of its own.
func (b *Buffer) NextBatch(ctx context.Context, limits BatchLimits) ([]oplog.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.entries) == 0 {
		if b.closed {
			return nil, dberr.New(dberr.CodeShutdownInProgress, "buffer closed")
		}
		if err := ctx.Err(); err != nil {
			return nil, dberr.Wrap(dberr.CodeCallbackCanceled, "next batch", err)
		}
		bufferWait(ctx, b)
	}

	maxOps := limits.MaxOps
	if maxOps <= 0 {
		maxOps = len(b.entries)
	}
	var batch []oplog.Entry
	var size int64
	for len(b.entries) > 0 && len(batch) < maxOps {
		e := b.entries[0]
		if len(batch) > 0 {
			if limits.MaxBytes > 0 && size+int64(e.SizeBytes()) > limits.MaxBytes {
				break
			}
			if e.Operation == oplog.OpCommand {
				break
			}
			if atOrBeforeBarrier(&batch[len(batch)-1], limits.ForceBatchBoundaryAfter) !=
				atOrBeforeBarrier(&e, limits.ForceBatchBoundaryAfter) {
				break
			}
		}
		batch = append(batch, e)
		size += int64(e.SizeBytes())
		b.entries = b.entries[1:]
		b.bytes -= int64(e.SizeBytes())
		if e.Operation == oplog.OpCommand {
			break
		}
	}
	b.cond.Broadcast()
	return batch, nil
}
