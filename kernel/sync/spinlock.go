// Package sync provides synchronization primitives for short critical
// sections that must not suspend the calling task (the frame allocator and
// the slab allocator use these), as distinct from the stdlib sync.Mutex
// used where a critical section may call into collaborators that suspend
// (the page cache).
package sync

import (
	"runtime"
	"sync/atomic"
)

// yieldFn is swapped out in tests to avoid burning CPU while spinning on a
// contended lock held by another goroutine.
var yieldFn = runtime.Gosched

// Spinlock implements a lock where each task trying to acquire it
// busy-waits until the lock becomes available. It must only guard
// operations that are guaranteed not to suspend; holding a Spinlock across
// a suspension point (e.g. a call that may block on I/O) can deadlock the
// scheduler on a single-CPU configuration.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Re-acquiring a lock already held by the current task deadlocks.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock, returning true on success.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock. Calling Release while the lock is free
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
