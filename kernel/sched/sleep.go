package sched

// BlockWaitingUntil inserts a thread into the sleep list with the supplied
// wake-up tick and parks it. The list is kept sorted by ascending wake
// tick; threads with equal ticks wake in insertion order. If the thread is
// the current one the CPU is yielded immediately.
func (s *Scheduler) BlockWaitingUntil(t *Thread, wakeTick uint64) {
	irqFlags := s.lock.AcquireIRQSave()

	t.wakeupTick = wakeTick
	if t.state == ThreadRunning {
		t.state = ThreadWaiting
	}

	// Insert after any entry with an equal or smaller wake tick so
	// same-tick sleepers keep FIFO order.
	var prev *Thread
	for cur := s.sleepHead; cur != nil && cur.wakeupTick <= wakeTick; prev, cur = cur, cur.qnext {
	}
	if prev == nil {
		t.qnext = s.sleepHead
		s.sleepHead = t
	} else {
		t.qnext = prev.qnext
		prev.qnext = t
	}

	isCurrent := t == s.current
	s.lock.ReleaseIRQRestore(irqFlags)

	if isCurrent {
		s.Schedule()
	}
}

// wakeSleepersLocked unblocks every thread whose wake tick has been
// reached. The caller holds the scheduler lock.
func (s *Scheduler) wakeSleepersLocked(now uint64) {
	for s.sleepHead != nil && s.sleepHead.wakeupTick <= now {
		t := s.sleepHead
		s.sleepHead = t.qnext
		t.qnext = nil

		if t.state == ThreadWaiting {
			t.state = ThreadRunning
		}
		s.enqueueLocked(t)
	}
}

// sleepCurrent parks the current thread until the supplied number of timer
// ticks has elapsed.
func (s *Scheduler) sleepCurrent(ticks uint64) {
	if s.current == nil {
		return
	}
	s.BlockWaitingUntil(s.current, tickCountFn()+ticks)
}
