package sched

import "github.com/corvid-systems/corvid/kernel/sync"

// Semaphore is a counting semaphore built on a wait queue. Acquiring while
// the counter is zero blocks atomically with respect to a concurrent
// Release.
type Semaphore struct {
	lock sync.Spinlock

	count   int32
	waiters WaitQueue
}

// NewSemaphore returns a semaphore with the supplied initial count.
func NewSemaphore(count int32) *Semaphore {
	return &Semaphore{count: count}
}

// Acquire takes one unit from the semaphore, blocking the calling thread
// while the counter is zero.
func (sem *Semaphore) Acquire() {
	for {
		irqFlags := sem.lock.AcquireIRQSave()
		if sem.count > 0 {
			sem.count--
			sem.lock.ReleaseIRQRestore(irqFlags)
			return
		}

		// EnqueueLocked releases sem.lock after the thread is parked
		// so a concurrent Release cannot slip between the check and
		// the block. After the wakeup the counter is re-checked.
		sem.waiters.EnqueueLocked(&sem.lock)
		restoreFlagsFn(irqFlags)
	}
}

// TryAcquire takes one unit without blocking and reports whether it
// succeeded.
func (sem *Semaphore) TryAcquire() bool {
	irqFlags := sem.lock.AcquireIRQSave()
	defer sem.lock.ReleaseIRQRestore(irqFlags)

	if sem.count > 0 {
		sem.count--
		return true
	}
	return false
}

// Release returns one unit to the semaphore and wakes the longest-waiting
// acquirer, which re-checks the counter.
func (sem *Semaphore) Release() {
	irqFlags := sem.lock.AcquireIRQSave()
	defer sem.lock.ReleaseIRQRestore(irqFlags)

	sem.count++
	sem.waiters.WakeOne()
}
