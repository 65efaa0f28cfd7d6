// Package ksync provides the synchronization primitives used by the kernel.
// Goroutine-aware primitives from the standard library sync package are not
// usable here; every globally shared kernel table is instead guarded by a
// busy-waiting spinlock.
package ksync

import "sync/atomic"

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Any attempt to re-acquire a lock already
// held by the current task will cause a deadlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		for atomic.LoadUint32(&l.state) != 0 {
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
