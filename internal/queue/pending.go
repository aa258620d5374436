// Package queue holds upload records waiting for a free upload slot.
package queue

import (
	"context"
	"sync"

	"github.com/arkilian/spool/pkg/types"
)

// Pending is an unbounded FIFO of upload records. It is safe for any number of
// producers and consumers.
type Pending struct {
	mu    sync.Mutex
	items []*types.UploadRecord
	// ready is closed and replaced on every Push to wake blocked takers.
	ready chan struct{}
}

// NewPending returns an empty queue.
func NewPending() *Pending {
	return &Pending{ready: make(chan struct{})}
}

// Push appends rec. It never blocks.
func (q *Pending) Push(rec *types.UploadRecord) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}

// Take removes and returns the oldest record, blocking until one is available
// or ctx is done, in which case it returns ctx.Err().
func (q *Pending) Take(ctx context.Context) (*types.UploadRecord, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			rec := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return rec, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued records.
func (q *Pending) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued records in order.
func (q *Pending) Snapshot() []*types.UploadRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.UploadRecord, len(q.items))
	copy(out, q.items)
	return out
}

// PushFront puts rec at the head of the queue, ahead of everything already
// waiting. It is used to hand back a record that was taken but never started.
func (q *Pending) PushFront(rec *types.UploadRecord) {
	q.mu.Lock()
	q.items = append([]*types.UploadRecord{rec}, q.items...)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}
