// Package sync provides synchronization primitive implementations for spinlocks.
package sync

import (
	"mpkernel/kernel/cpu"
	"sync/atomic"
)

var (
	// yieldFn is invoked between failed acquisition attempts.
	yieldFn = cpu.Pause

	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// LockFlag controls additional behavior of AcquireWith/ReleaseWith.
type LockFlag uint8

const (
	// LockToggleInterrupts disables interrupts on the local processor before
	// the lock is acquired. Releasing the lock re-enables them only if they
	// were enabled when it was acquired. Locks that can be contended from
	// interrupt context must use this flag.
	LockToggleInterrupts LockFlag = 1 << iota
)

// SetInterruptHooks overrides the functions used for toggling interrupts when
// a lock is acquired with LockToggleInterrupts and returns the previous pair.
// It allows code that uses interrupt-safe locks to run outside ring 0.
func SetInterruptHooks(disableFn, enableFn func()) (prevDisableFn, prevEnableFn func()) {
	prevDisableFn, prevEnableFn = disableInterruptsFn, enableInterruptsFn
	disableInterruptsFn, enableInterruptsFn = disableFn, enableFn
	return prevDisableFn, prevEnableFn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32

	// restoreInterrupts is only accessed by the lock holder.
	restoreInterrupts bool
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		// Spin on a plain load so that waiters do not keep the cache
		// line in exclusive state.
		for atomic.LoadUint32(&l.state) != 0 {
			yieldFn()
		}
	}
}

// AcquireWith acquires the lock applying the behavior requested by flags.
func (l *Spinlock) AcquireWith(flags LockFlag) {
	if flags&LockToggleInterrupts == 0 {
		l.Acquire()
		return
	}

	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.Acquire()
	l.restoreInterrupts = enabled
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// ReleaseWith releases a lock that was acquired via AcquireWith. The same
// flags that were passed to AcquireWith must be supplied.
func (l *Spinlock) ReleaseWith(flags LockFlag) {
	restore := flags&LockToggleInterrupts != 0 && l.restoreInterrupts
	l.restoreInterrupts = false
	l.Release()
	if restore {
		enableInterruptsFn()
	}
}
