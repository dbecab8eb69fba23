// Package permit implements the per-handler concurrency budget. A permit is
// owned by exactly one of: a poll iteration (briefly), a dispatched
// execution, or a queued submission. Slot wraps one acquired permit so that
// the single required release stays single even on overlapping failure
// paths.
package permit

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool is a counting semaphore of fixed capacity with non-blocking
// acquisition.
type Pool struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// NewPool creates a pool with the given capacity. Capacity below one is
// raised to one.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Capacity returns the pool's fixed size.
func (p *Pool) Capacity() int64 {
	return p.capacity
}

// InUse returns the number of permits currently held.
func (p *Pool) InUse() int64 {
	return p.inUse.Load()
}

// Available returns the number of permits that could be acquired right now.
func (p *Pool) Available() int64 {
	return p.capacity - p.inUse.Load()
}

// TryAcquire acquires up to n permits without blocking and returns how many
// it obtained.
func (p *Pool) TryAcquire(n int64) int64 {
	var acquired int64
	for acquired < n && p.sem.TryAcquire(1) {
		acquired++
	}
	p.inUse.Add(acquired)
	return acquired
}

// Release returns n previously acquired permits to the pool.
func (p *Pool) Release(n int64) {
	if n <= 0 {
		return
	}
	p.inUse.Add(-n)
	p.sem.Release(n)
}

// Slot converts one already-acquired permit into a releasable token. The
// caller must have acquired the permit via TryAcquire.
func (p *Pool) Slot() *Slot {
	return &Slot{pool: p}
}

// Slot is a single held permit. Only the first Release returns the permit;
// later calls are no-ops.
type Slot struct {
	pool     *Pool
	released atomic.Bool
}

// Release returns the permit to its pool. Safe to call more than once.
func (s *Slot) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.pool.Release(1)
}

// Released reports whether the permit has already been returned.
func (s *Slot) Released() bool {
	return s.released.Load()
}
