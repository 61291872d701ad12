// pkg/vart/spinlock.go
package vart

import (
	"runtime"
	"sync/atomic"
	"time"
)

// maxActiveSpin bounds how many times lock() busy-spins before falling
// back to sleeping. Chosen to match the backoff curve of a user-space
// spin lock under light contention: enough spins to ride out a very
// short critical section without a syscall, short enough that a longer
// hold doesn't burn a full CPU.
const maxActiveSpin = 4000

// sleepBackoff is the duration slept once active spinning gives up.
const sleepBackoff = 500 * time.Microsecond

const (
	lockFree   uint32 = 0
	lockHeld   uint32 = 1
)

// spinLock is a one-word mutual-exclusion primitive for guarding a
// single node's fields across a short critical section. It keeps no
// queue of waiters; a contended lock() call busy-waits, yielding,
// backing off to a short sleep once active spinning has run long
// enough to suggest the holder isn't about to release it.
type spinLock struct {
	state atomic.Uint32
}

// tryLock attempts to acquire the lock without waiting.
func (l *spinLock) tryLock() bool {
	return l.state.CompareAndSwap(lockFree, lockHeld)
}

// lock acquires the lock, spinning and then sleeping as needed.
func (l *spinLock) lock() {
	if l.tryLock() {
		return
	}
	spins := 0
	for {
		for l.state.Load() == lockHeld {
			if spins < maxActiveSpin {
				runtime.Gosched()
				spins++
				continue
			}
			time.Sleep(sleepBackoff)
		}
		if l.tryLock() {
			return
		}
	}
}

// unlock releases the lock. The caller must hold it.
func (l *spinLock) unlock() {
	l.state.Store(lockFree)
}

// lockIf acquires the lock only when enabled is true, letting callers
// run single-writer mode (DisableWriteLocks) with no per-node locking
// cost at all.
func (l *spinLock) lockIf(enabled bool) {
	if enabled {
		l.lock()
	}
}

// unlockIf is the counterpart to lockIf.
func (l *spinLock) unlockIf(enabled bool) {
	if enabled {
		l.unlock()
	}
}
