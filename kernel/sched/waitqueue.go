package sched

import "github.com/corvid-systems/corvid/kernel/sync"

// WaitQueue is a spinlocked FIFO of threads blocked on an event. Wakeups
// preserve FIFO order across a single queue; no fairness is guaranteed
// across queues.
type WaitQueue struct {
	lock sync.Spinlock

	head, tail *Thread

	// sched pins the queue to a scheduler instance; nil selects the
	// default scheduler.
	sched *Scheduler
}

func (q *WaitQueue) scheduler() *Scheduler {
	if q.sched != nil {
		return q.sched
	}
	return &defaultScheduler
}

// Wait parks the current thread on the queue until a wakeup.
func (q *WaitQueue) Wait() {
	s := q.scheduler()

	irqFlags := q.lock.AcquireIRQSave()
	t := s.CurrentThread()
	q.appendLocked(t)
	q.lock.ReleaseIRQRestore(irqFlags)

	s.blockThread(t)
}

// EnqueueLocked atomically parks the current thread on the queue and
// releases the caller-held lock. The caller reacquires its lock (if needed)
// after the wakeup.
func (q *WaitQueue) EnqueueLocked(held *sync.Spinlock) {
	s := q.scheduler()

	irqFlags := q.lock.AcquireIRQSave()
	t := s.CurrentThread()
	q.appendLocked(t)
	if t != nil {
		t.state = ThreadWaiting
	}
	held.Release()
	q.lock.ReleaseIRQRestore(irqFlags)

	s.blockThread(t)
}

// WakeOne unblocks the longest-waiting thread and returns it, or nil when
// the queue is empty.
func (q *WaitQueue) WakeOne() *Thread {
	irqFlags := q.lock.AcquireIRQSave()
	t := q.popLocked()
	q.lock.ReleaseIRQRestore(irqFlags)

	if t != nil {
		q.scheduler().unblockThread(t)
	}
	return t
}

// WakeAll unblocks every queued thread in FIFO order and returns how many
// were woken.
func (q *WaitQueue) WakeAll() int {
	var woken int
	for q.WakeOne() != nil {
		woken++
	}
	return woken
}

// Empty returns true when no thread is parked on the queue.
func (q *WaitQueue) Empty() bool {
	irqFlags := q.lock.AcquireIRQSave()
	empty := q.head == nil
	q.lock.ReleaseIRQRestore(irqFlags)
	return empty
}

func (q *WaitQueue) appendLocked(t *Thread) {
	if t == nil {
		return
	}
	t.qnext = nil
	if q.tail != nil {
		q.tail.qnext = t
	} else {
		q.head = t
	}
	q.tail = t
}

func (q *WaitQueue) popLocked() *Thread {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.qnext
	if q.head == nil {
		q.tail = nil
	}
	t.qnext = nil
	return t
}
