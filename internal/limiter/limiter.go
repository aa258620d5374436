// Package limiter bounds the number of uploads in flight.
package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter is a counting semaphore with a fixed number of upload slots.
type Limiter struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

// New returns a limiter with n slots. n below 1 is treated as 1.
func New(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.inUse.Add(1)
	return nil
}

// TryAcquire takes a slot without blocking and reports whether it did.
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.inUse.Add(1)
	return true
}

// Release returns a slot. Releasing more slots than were acquired panics.
func (l *Limiter) Release() {
	l.inUse.Add(-1)
	l.sem.Release(1)
}

// DrainAll blocks until every slot is free at the same moment, then gives them
// back. Acquires issued while DrainAll waits queue behind it.
func (l *Limiter) DrainAll(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, l.size); err != nil {
		return err
	}
	l.sem.Release(l.size)
	return nil
}

// InUse returns the number of held slots.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Capacity returns the total number of slots.
func (l *Limiter) Capacity() int {
	return int(l.size)
}
