// Package sched implements the kernel's preemptive round-robin scheduler:
// thread lifecycle, the ready queue, sleeps, wait queues, semaphores and
// background workers.
package sched

import (
	"sync/atomic"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/cpu"
	"github.com/corvid-systems/corvid/kernel/kfmt"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/slab"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
	"github.com/corvid-systems/corvid/kernel/sync"
)

var (
	errNotStarted = &kernel.Error{Module: "sched", Message: "scheduler has not been started", Kind: kernel.ErrInval}

	// The following hooks are mocked by tests and are automatically
	// inlined by the compiler.
	switchStackFn  = cpu.SwitchStack
	haltFn         = cpu.Halt
	panicFn        = kfmt.Panic
	activateASFn   = activateAddressSpace
	flagsFn        = cpu.Flags
	restoreFlagsFn = cpu.RestoreFlags
	disableIntFn   = cpu.DisableInterrupts

	// threadAllocFn and threadFreeFn hand out thread records from a slab
	// cache.
	threadAllocFn = allocThreadRecord
	threadFreeFn  = freeThreadRecord

	// threadCache backs thread records once InitThreadCache runs.
	threadCache *slab.Cache

	// defaultScheduler is the scheduler instance driving the CPU. Tests
	// construct their own instances.
	defaultScheduler Scheduler
)

func activateAddressSpace(as *vmm.AddressSpace) {
	if as != nil && as != vmm.CurrentAddressSpace() {
		as.Activate()
	}
}

func allocThreadRecord() (*Thread, *kernel.Error) {
	if threadCache == nil {
		return &Thread{}, nil
	}

	obj, err := threadCache.Alloc()
	if err != nil {
		return nil, err
	}
	t := (*Thread)(obj)
	*t = Thread{}
	return t, nil
}

func freeThreadRecord(t *Thread) {
	if threadCache == nil {
		return
	}
	threadCache.Free(unsafe.Pointer(t))
}

// Scheduler multiplexes the CPU across threads: a FIFO ready queue with the
// idle thread as the last candidate, a sorted sleep list and a re-entrant
// preemption level. Interrupts are disabled while the scheduler examines
// its state.
type Scheduler struct {
	lock sync.Spinlock

	readyHead, readyTail *Thread

	current *Thread
	idle    *Thread

	// zombie holds the previously running thread when it was switched
	// away from in the KILLED state; it is reaped on the next schedule.
	zombie *Thread

	// sleepHead is the head of the sleep list, sorted by ascending
	// wake-up tick.
	sleepHead *Thread

	// preemptLevel gates timer-driven preemption: the timer only
	// reschedules while the level is at its base value of one.
	preemptLevel int32

	// sliceTicks is the round-robin time slice expressed in timer ticks.
	sliceTicks uint64

	started bool
}

// Start turns the boot flow into the scheduler's first thread, spawns the
// idle thread and enables scheduling. Failure to bring the scheduler up is
// not recoverable.
func (s *Scheduler) Start(bootProc *Process) {
	bootThread, err := threadAllocFn()
	if err != nil {
		panicFn(err)
	}
	bootThread.id = allocThreadID()
	bootThread.flags = ThreadKernel
	bootThread.state = ThreadRunning
	if bootProc != nil {
		bootProc.adoptThread(bootThread)
	}

	s.sliceTicks = TicksForMs(DefaultTimeSliceMs)
	s.current = bootThread
	atomic.StoreInt32(&s.preemptLevel, 1)
	s.started = true

	idle, err := s.Spawn(bootProc, s.idleLoop, ThreadKernel)
	if err != nil {
		panicFn(err)
	}
	s.idle = idle

	sync.SetYieldFn(s.Schedule)
}

// Started returns true once Start has completed.
func (s *Scheduler) Started() bool {
	return s.started
}

// CurrentThread returns the thread that owns the CPU.
func (s *Scheduler) CurrentThread() *Thread {
	return s.current
}

// idleLoop halts the CPU until the next interrupt, forever.
func (s *Scheduler) idleLoop() {
	for {
		haltFn()
	}
}

// Spawn creates a thread inside proc that runs entry on its own kernel
// stack and makes it ready to run.
func (s *Scheduler) Spawn(proc *Process, entry func(), flags ThreadFlag) (*Thread, *kernel.Error) {
	t, err := threadAllocFn()
	if err != nil {
		return nil, err
	}

	t.id = allocThreadID()
	t.proc = proc
	t.entry = entry
	t.flags = flags
	t.state = ThreadRunning

	if t.kstackBase, err = stackAllocFn(); err != nil {
		threadFreeFn(t)
		return nil, err
	}
	buildThreadFrame(t)

	if proc != nil {
		proc.adoptThread(t)
	}

	irqFlags := s.lock.AcquireIRQSave()
	s.enqueueLocked(t)
	s.lock.ReleaseIRQRestore(irqFlags)

	return t, nil
}

// Kill marks a thread for teardown. The thread's resources are reclaimed on
// the next attempt to dispatch it; killing the current thread yields
// immediately.
func (s *Scheduler) Kill(t *Thread) {
	irqFlags := s.lock.AcquireIRQSave()
	t.state = ThreadKilled
	isCurrent := t == s.current
	s.lock.ReleaseIRQRestore(irqFlags)

	if isCurrent {
		s.Schedule()
	}
}

// ExitCurrent terminates the calling thread. It does not return.
func (s *Scheduler) ExitCurrent() {
	s.Kill(s.current)

	// Unreachable on the real target: the scheduler never dispatches a
	// killed thread again.
	for {
		haltFn()
	}
}

// Schedule voluntarily yields the CPU: the next ready thread is dispatched
// and the caller, if still runnable, rejoins the tail of the ready queue.
func (s *Scheduler) Schedule() {
	if !s.started {
		return
	}

	irqFlags := s.lock.AcquireIRQSave()

	s.reapLocked()

	next := s.pickNextLocked()
	if next == nil || next == s.current {
		s.lock.ReleaseIRQRestore(irqFlags)
		return
	}

	prev := s.current
	s.current = next
	next.state = ThreadRunning
	next.preemptDeadline = tickCountFn() + s.sliceTicks

	switch {
	case prev == nil:
	case prev.state == ThreadRunning:
		s.enqueueLocked(prev)
	case prev.state == ThreadKilled:
		s.zombie = prev
	}

	if next.proc != nil {
		activateASFn(next.proc.addrSpace)
	}

	// The spinlock is dropped before the switch but interrupts stay
	// masked; they are restored when this thread is switched back in
	// and unwinds through its own saved flags.
	s.lock.Release()

	var prevSP uintptr
	spSlot := &prevSP
	if prev != nil {
		spSlot = &prev.sp
	}
	switchStackFn(spSlot, next.sp)

	restoreFlagsFn(irqFlags)
}

// PreemptDisable raises the preemption level so the timer tick no longer
// reschedules the current thread, and masks interrupts. It returns the
// previous EFLAGS value for the matching PreemptEnable call. The counter is
// re-entrant: nested critical sections stack.
func (s *Scheduler) PreemptDisable() uint32 {
	irqFlags := flagsFn()
	disableIntFn()
	atomic.AddInt32(&s.preemptLevel, 1)
	return irqFlags
}

// PreemptEnable drops the preemption level and restores the interrupt state
// captured by the matching PreemptDisable call.
func (s *Scheduler) PreemptEnable(prevFlags uint32) {
	atomic.AddInt32(&s.preemptLevel, -1)
	restoreFlagsFn(prevFlags)
}

// PreemptLevel returns the current preemption level.
func (s *Scheduler) PreemptLevel() int32 {
	return atomic.LoadInt32(&s.preemptLevel)
}

// onTick is invoked from the timer interrupt with the new tick count. It
// wakes due sleepers and preempts the current thread when its slice has
// expired, unless preemption is disabled.
func (s *Scheduler) onTick(now uint64) {
	irqFlags := s.lock.AcquireIRQSave()
	s.wakeSleepersLocked(now)
	cur := s.current
	s.lock.ReleaseIRQRestore(irqFlags)

	if cur == nil || !s.started {
		return
	}

	if now >= cur.preemptDeadline && atomic.LoadInt32(&s.preemptLevel) <= 1 {
		s.Schedule()
	}
}

// blockThread parks a thread: its state becomes WAITING and, if it is the
// current thread, the CPU is yielded.
func (s *Scheduler) blockThread(t *Thread) {
	irqFlags := s.lock.AcquireIRQSave()
	if t.state == ThreadRunning {
		t.state = ThreadWaiting
	}
	isCurrent := t == s.current
	s.lock.ReleaseIRQRestore(irqFlags)

	if isCurrent {
		s.Schedule()
	}
}

// unblockThread makes a parked thread runnable again and enqueues it. A
// killed thread is enqueued as-is so the dispatcher can reap it.
func (s *Scheduler) unblockThread(t *Thread) {
	irqFlags := s.lock.AcquireIRQSave()
	if t.state == ThreadWaiting {
		t.state = ThreadRunning
	}
	s.enqueueLocked(t)
	s.lock.ReleaseIRQRestore(irqFlags)
}

// enqueueLocked appends a thread to the ready queue tail.
func (s *Scheduler) enqueueLocked(t *Thread) {
	t.qnext = nil
	if s.readyTail != nil {
		s.readyTail.qnext = t
	} else {
		s.readyHead = t
	}
	s.readyTail = t
}

// dequeueLocked pops the ready queue head.
func (s *Scheduler) dequeueLocked() *Thread {
	t := s.readyHead
	if t == nil {
		return nil
	}
	s.readyHead = t.qnext
	if s.readyHead == nil {
		s.readyTail = nil
	}
	t.qnext = nil
	return t
}

// pickNextLocked selects the next thread to dispatch. Killed threads are
// reaped on the spot; the idle thread is bypassed whenever any other thread
// is ready.
func (s *Scheduler) pickNextLocked() *Thread {
	for {
		t := s.dequeueLocked()
		if t == nil {
			return nil
		}

		if t == s.idle && s.readyHead != nil {
			s.enqueueLocked(t)
			continue
		}

		if t.state == ThreadKilled {
			s.destroyThreadLocked(t)
			continue
		}

		return t
	}
}

// reapLocked frees the zombie left behind by the previous switch away from
// a killed thread.
func (s *Scheduler) reapLocked() {
	if s.zombie != nil {
		s.destroyThreadLocked(s.zombie)
		s.zombie = nil
	}
}

// destroyThreadLocked releases a killed thread's kernel stack, drops its
// process reference and returns the record to the thread cache.
func (s *Scheduler) destroyThreadLocked(t *Thread) {
	if t.kstackBase != 0 {
		stackFreeFn(t.kstackBase)
		t.kstackBase = 0
	}
	if t.proc != nil {
		t.proc.releaseThread(t)
		t.proc = nil
	}
	threadFreeFn(t)
}

// InitThreadCache creates the slab cache that backs thread records. It runs
// once during kernel initialization, after the slab allocator is ready.
func InitThreadCache() *kernel.Error {
	cache, err := slab.New("sched.thread", mem.Size(unsafe.Sizeof(Thread{})), 0, nil, nil)
	if err != nil {
		return err
	}
	threadCache = cache
	return nil
}

// Package-level wrappers that operate on the default scheduler instance.

// Start brings up the default scheduler. Failure is fatal.
func Start(bootProc *Process) {
	defaultScheduler.Start(bootProc)
}

// Schedule yields the CPU on the default scheduler.
func Schedule() {
	defaultScheduler.Schedule()
}

// CurrentThread returns the running thread of the default scheduler.
func CurrentThread() *Thread {
	return defaultScheduler.CurrentThread()
}

// CurrentProcess returns the process of the running thread.
func CurrentProcess() *Process {
	if t := defaultScheduler.CurrentThread(); t != nil {
		return t.proc
	}
	return nil
}

// Spawn creates a ready thread on the default scheduler.
func Spawn(proc *Process, entry func(), flags ThreadFlag) (*Thread, *kernel.Error) {
	if !defaultScheduler.started {
		return nil, errNotStarted
	}
	return defaultScheduler.Spawn(proc, entry, flags)
}

// Kill marks a thread of the default scheduler for teardown.
func Kill(t *Thread) {
	defaultScheduler.Kill(t)
}

// PreemptDisable raises the preemption level on the default scheduler.
func PreemptDisable() uint32 {
	return defaultScheduler.PreemptDisable()
}

// PreemptEnable lowers the preemption level on the default scheduler.
func PreemptEnable(prevFlags uint32) {
	defaultScheduler.PreemptEnable(prevFlags)
}
