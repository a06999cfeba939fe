// Package sync provides the spinlock synchronization primitive.
package sync

import (
	"sync/atomic"

	"github.com/corvid-systems/corvid/kernel/cpu"
)

var (
	// yieldFn is invoked while busy-waiting for a contended lock. It is
	// nil until the scheduler is up; the scheduler installs its yield
	// entrypoint via SetYieldFn during initialization.
	yieldFn func()

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flagsFn             = cpu.Flags
	restoreFlagsFn      = cpu.RestoreFlags
	disableInterruptsFn = cpu.DisableInterrupts
)

// SetYieldFn registers the function that contended spinlocks invoke while
// waiting for the holder to release the lock.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1024)
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

// AcquireIRQSave disables interrupts before acquiring the lock and returns
// the previous EFLAGS value. Interrupt handlers share locks with thread
// context; a handler firing while the current thread holds one of these
// locks would deadlock if interrupts were left enabled.
func (l *Spinlock) AcquireIRQSave() uint32 {
	flags := flagsFn()
	disableInterruptsFn()
	l.Acquire()
	return flags
}

// ReleaseIRQRestore releases the lock and restores the EFLAGS value returned
// by the matching AcquireIRQSave call.
func (l *Spinlock) ReleaseIRQRestore(flags uint32) {
	l.Release()
	restoreFlagsFn(flags)
}

// archAcquireSpinlock spins until the lock word can be flipped from 0 to 1.
// After attemptsBeforeYielding failed attempts the current task yields its
// time-slice (when the scheduler is up) so the lock holder can make progress
// on a single CPU.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	var attempts uint32
	for atomic.SwapUint32(state, 1) != 0 {
		attempts++
		if attempts >= attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}
