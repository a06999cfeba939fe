package sched

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/cpu"
	"github.com/corvid-systems/corvid/kernel/irq"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
)

// testScheduler returns a started scheduler instance with all hardware
// hooks mocked out.
func testScheduler(t *testing.T) *Scheduler {
	t.Helper()

	var stacks [][]byte

	stackAllocFn = func() (uintptr, *kernel.Error) {
		buf := make([]byte, kernelStackSize)
		stacks = append(stacks, buf)
		return uintptr(unsafe.Pointer(&buf[0])), nil
	}
	stackFreeFn = func(base uintptr) {}
	switchStackFn = func(oldSP *uintptr, newSP uintptr) {}
	trampolineAddrFn = func() uintptr { return 0x1000 }
	activateASFn = func(as *vmm.AddressSpace) {}
	tickCountFn = func() uint64 { return 0 }

	t.Cleanup(func() {
		stackAllocFn = allocKernelStack
		stackFreeFn = freeKernelStack
		switchStackFn = cpu.SwitchStack
		trampolineAddrFn = cpu.ThreadTrampolineAddr
		activateASFn = activateAddressSpace
		tickCountFn = Ticks
		threadAllocFn = allocThreadRecord
		threadFreeFn = freeThreadRecord
		_ = stacks
	})

	s := &Scheduler{sliceTicks: TicksForMs(DefaultTimeSliceMs), started: true}
	s.current = &Thread{id: allocThreadID(), state: ThreadRunning, flags: ThreadKernel}
	return s
}

// readyOrder drains the ready queue and returns the thread ids in order.
func readyOrder(s *Scheduler) []uint32 {
	var order []uint32
	for t := s.readyHead; t != nil; t = t.qnext {
		order = append(order, t.id)
	}
	return order
}

func TestSpawnBuildsThreadFrame(t *testing.T) {
	s := testScheduler(t)

	entered := false
	thread, err := s.Spawn(nil, func() { entered = true }, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}

	if thread.state != ThreadRunning {
		t.Fatal("expected a spawned thread to be ready to run")
	}
	if s.readyHead != thread {
		t.Fatal("expected the spawned thread to be enqueued")
	}

	ptrSize := unsafe.Sizeof(uintptr(0))
	at := func(slot uintptr) uintptr {
		return *(*uintptr)(unsafe.Pointer(thread.sp + slot*ptrSize))
	}

	// Frame layout bottom-up: EFLAGS, EDI, ESI, EBX, EBP, trampoline,
	// address of the entry func value, exit hook.
	if got := at(0); got != initialEFlags {
		t.Errorf("expected EFLAGS slot to be %x; got %x", initialEFlags, got)
	}
	for slot := uintptr(1); slot <= 4; slot++ {
		if got := at(slot); got != 0 {
			t.Errorf("expected callee-saved slot %d to be zero; got %x", slot, got)
		}
	}
	if got := at(5); got != 0x1000 {
		t.Errorf("expected trampoline address slot to be 0x1000; got %x", got)
	}
	if got := at(6); got != uintptr(unsafe.Pointer(&thread.entry)) {
		t.Errorf("expected entry funcval slot to point at the thread entry")
	}
	if got := at(7); got != codePtr(threadExit) {
		t.Errorf("expected exit hook slot to be the threadExit code address")
	}

	_ = entered
}

func TestScheduleRoundRobin(t *testing.T) {
	s := testScheduler(t)
	a := s.current

	b, err := s.Spawn(nil, func() {}, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Spawn(nil, func() {}, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}

	s.Schedule()

	if s.current != b {
		t.Fatalf("expected thread %d to be dispatched; got %d", b.id, s.current.id)
	}
	if got := readyOrder(s); len(got) != 2 || got[0] != c.id || got[1] != a.id {
		t.Fatalf("expected ready queue [%d %d]; got %v", c.id, a.id, got)
	}

	s.Schedule()
	if s.current != c {
		t.Fatalf("expected thread %d to be dispatched; got %d", c.id, s.current.id)
	}

	s.Schedule()
	if s.current != a {
		t.Fatalf("expected the original thread to be dispatched again; got %d", s.current.id)
	}
}

func TestIdleThreadIsLastCandidate(t *testing.T) {
	s := testScheduler(t)

	idle, err := s.Spawn(nil, func() {}, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}
	s.idle = idle

	b, err := s.Spawn(nil, func() {}, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}

	// The idle thread sits at the head of the ready queue but b must be
	// dispatched first.
	s.Schedule()
	if s.current != b {
		t.Fatalf("expected thread %d to be dispatched ahead of idle; got %d", b.id, s.current.id)
	}

	// With nothing else ready, idle runs.
	s.readyHead, s.readyTail = nil, nil
	s.enqueueLocked(idle)
	s.current.state = ThreadWaiting
	s.Schedule()
	if s.current != idle {
		t.Fatalf("expected the idle thread to be dispatched; got %d", s.current.id)
	}
}

func TestKilledThreadIsReapedOnDispatch(t *testing.T) {
	s := testScheduler(t)

	var freedThreads []*Thread
	threadFreeFn = func(t *Thread) { freedThreads = append(freedThreads, t) }

	stackFrees := 0
	stackFreeFn = func(base uintptr) { stackFrees++ }

	b, err := s.Spawn(nil, func() {}, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Spawn(nil, func() {}, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}

	s.Kill(b)
	if b.state != ThreadKilled {
		t.Fatal("expected Kill to mark the thread")
	}

	s.Schedule()

	if s.current != c {
		t.Fatalf("expected the killed thread to be skipped; got %d", s.current.id)
	}
	if len(freedThreads) != 1 || freedThreads[0] != b {
		t.Fatalf("expected the killed thread to be freed on dispatch")
	}
	if stackFrees != 1 {
		t.Fatalf("expected the killed thread's stack to be released; got %d frees", stackFrees)
	}
}

func TestSleepOrdering(t *testing.T) {
	s := testScheduler(t)
	s.current = nil

	t1 := &Thread{id: 101, state: ThreadRunning}
	t2 := &Thread{id: 102, state: ThreadRunning}
	t3 := &Thread{id: 103, state: ThreadRunning}

	// Three sleepers registered in the order 10ms, 30ms, 20ms at tick 0
	// must wake in the order t1, t3, t2.
	s.BlockWaitingUntil(t1, TicksForMs(10))
	s.BlockWaitingUntil(t2, TicksForMs(30))
	s.BlockWaitingUntil(t3, TicksForMs(20))

	for _, th := range []*Thread{t1, t2, t3} {
		if th.state != ThreadWaiting {
			t.Fatalf("expected thread %d to be waiting", th.id)
		}
	}

	s.onTick(TicksForMs(10))
	if got := readyOrder(s); len(got) != 1 || got[0] != 101 {
		t.Fatalf("expected only t1 to wake at 10ms; ready: %v", got)
	}

	s.onTick(TicksForMs(20))
	if got := readyOrder(s); len(got) != 2 || got[1] != 103 {
		t.Fatalf("expected t3 to wake at 20ms; ready: %v", got)
	}

	s.onTick(TicksForMs(30))
	if got := readyOrder(s); len(got) != 3 || got[2] != 102 {
		t.Fatalf("expected t2 to wake at 30ms; ready: %v", got)
	}
}

func TestSleepSameTickKeepsFIFO(t *testing.T) {
	s := testScheduler(t)
	s.current = nil

	t1 := &Thread{id: 1, state: ThreadRunning}
	t2 := &Thread{id: 2, state: ThreadRunning}

	s.BlockWaitingUntil(t1, 5)
	s.BlockWaitingUntil(t2, 5)

	s.onTick(5)
	if got := readyOrder(s); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected same-tick sleepers to wake in FIFO order; got %v", got)
	}
}

func TestPreemptAtSliceEnd(t *testing.T) {
	s := testScheduler(t)
	a := s.current
	a.preemptDeadline = 5
	s.preemptLevel = 1

	b, err := s.Spawn(nil, func() {}, ThreadKernel)
	if err != nil {
		t.Fatal(err)
	}

	now := uint64(4)
	tickCountFn = func() uint64 { return now }

	s.onTick(now)
	if s.current != a {
		t.Fatal("expected no preemption before the slice deadline")
	}

	now = 5
	s.onTick(now)
	if s.current != b {
		t.Fatalf("expected thread %d to be dispatched at the slice end", b.id)
	}
	if got := readyOrder(s); len(got) != 1 || got[0] != a.id {
		t.Fatalf("expected the preempted thread at the queue tail; got %v", got)
	}
	if exp := now + s.sliceTicks; b.preemptDeadline != exp {
		t.Fatalf("expected the new slice deadline to be %d; got %d", exp, b.preemptDeadline)
	}
}

func TestPreemptDisableBlocksTimerPreemption(t *testing.T) {
	s := testScheduler(t)
	a := s.current
	a.preemptDeadline = 1

	if _, err := s.Spawn(nil, func() {}, ThreadKernel); err != nil {
		t.Fatal(err)
	}

	s.preemptLevel = 1
	flags := s.PreemptDisable()
	if s.PreemptLevel() != 2 {
		t.Fatalf("expected preempt level 2; got %d", s.PreemptLevel())
	}

	s.onTick(10)
	if s.current != a {
		t.Fatal("expected the timer tick to skip preemption while disabled")
	}

	// Voluntary yields still progress while preemption is disabled.
	s.Schedule()
	if s.current == a {
		t.Fatal("expected a voluntary yield to dispatch another thread")
	}

	s.PreemptEnable(flags)
	if s.PreemptLevel() != 1 {
		t.Fatalf("expected preempt level 1; got %d", s.PreemptLevel())
	}
}

func TestWaitQueueFIFO(t *testing.T) {
	s := testScheduler(t)

	q := &WaitQueue{sched: s}

	t1 := &Thread{id: 201, state: ThreadRunning}
	t2 := &Thread{id: 202, state: ThreadRunning}

	s.current = t1
	q.Wait()
	s.current = t2
	q.Wait()

	if t1.state != ThreadWaiting || t2.state != ThreadWaiting {
		t.Fatal("expected both threads to be parked")
	}

	if woken := q.WakeOne(); woken != t1 {
		t.Fatalf("expected the first waiter to wake first; got %v", woken)
	}
	if t1.state != ThreadRunning {
		t.Fatal("expected the woken thread to be runnable")
	}

	if woken := q.WakeOne(); woken != t2 {
		t.Fatal("expected the second waiter to wake next")
	}
	if q.WakeOne() != nil {
		t.Fatal("expected the queue to be empty")
	}
}

func TestSemaphore(t *testing.T) {
	s := testScheduler(t)

	sem := NewSemaphore(1)
	sem.waiters.sched = s

	if !sem.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed with a positive count")
	}
	if sem.TryAcquire() {
		t.Fatal("expected TryAcquire to fail with a zero count")
	}

	sem.Release()
	if !sem.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed after Release")
	}
}

func TestWorkerTrigger(t *testing.T) {
	s := testScheduler(t)

	runs := 0
	w, err := s.NewWorker(nil, func() { runs++ })
	if err != nil {
		t.Fatal(err)
	}

	// The worker thread is spawned ready; park it the way its loop does.
	s.readyHead, s.readyTail = nil, nil
	w.thread.state = ThreadWaiting

	w.Trigger()
	if w.pending != 1 {
		t.Fatal("expected the trigger to be recorded")
	}
	if w.thread.state != ThreadRunning || s.readyHead != w.thread {
		t.Fatal("expected the worker thread to be unparked")
	}
}

func TestTicksForMs(t *testing.T) {
	specs := []struct {
		ms  uint64
		exp uint64
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{10, 5},
		{20, 10},
		{30, 15},
		{1000, HZ},
	}

	for _, spec := range specs {
		if got := TicksForMs(spec.ms); got != spec.exp {
			t.Errorf("expected TicksForMs(%d) to be %d; got %d", spec.ms, spec.exp, got)
		}
	}
}

func TestInitTimer(t *testing.T) {
	defer func() {
		portWriteByteFn = cpu.PortWriteByte
		handleIRQFn = irq.HandleIRQ
	}()

	type portWrite struct {
		port uint16
		val  uint8
	}
	var writes []portWrite
	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, portWrite{port, val})
	}

	var registered irq.IRQNum = 0xff
	handleIRQFn = func(num irq.IRQNum, _ irq.IRQHandler) {
		registered = num
	}

	InitTimer()

	divisor := uint16(pitInputHz / HZ)
	exp := []portWrite{
		{pitCmdPort, pitCmdRateGen},
		{pitChannel0, uint8(divisor & 0xff)},
		{pitChannel0, uint8(divisor >> 8)},
	}
	if len(writes) != len(exp) {
		t.Fatalf("expected %d port writes; got %d", len(exp), len(writes))
	}
	for i, w := range writes {
		if w != exp[i] {
			t.Errorf("[write %d] expected %+v; got %+v", i, exp[i], w)
		}
	}

	if registered != irq.TimerIRQ {
		t.Fatalf("expected the timer IRQ handler to be registered; got %d", registered)
	}
}

func TestMilestone(t *testing.T) {
	defer SetMilestoneSink(nil)

	var buf bytes.Buffer
	SetMilestoneSink(&buf)
	Milestone("vmm-ready")

	if got := buf.String(); len(got) == 0 || got[len(got)-1] != '\n' {
		t.Fatalf("expected a milestone record; got %q", got)
	}
}

func TestPackUserStack(t *testing.T) {
	buf := make([]byte, 4096)
	top := uintptr(unsafe.Pointer(&buf[0])) + uintptr(len(buf))

	argv := []string{"init", "-s"}
	envp := []string{"TERM=vt100"}

	sp := packUserStack(top, argv, envp)

	ptrSize := unsafe.Sizeof(uintptr(0))
	deref := func(addr uintptr) uintptr {
		return *(*uintptr)(unsafe.Pointer(addr))
	}
	cstr := func(addr uintptr) string {
		var out []byte
		for {
			b := *(*byte)(unsafe.Pointer(addr))
			if b == 0 {
				return string(out)
			}
			out = append(out, b)
			addr++
		}
	}

	if got := deref(sp); got != uintptr(len(argv)) {
		t.Fatalf("expected argc %d at the stack pointer; got %d", len(argv), got)
	}

	argArray := deref(sp + ptrSize)
	envArray := deref(sp + 2*ptrSize)

	for i, arg := range argv {
		if got := cstr(deref(argArray + uintptr(i)*ptrSize)); got != arg {
			t.Errorf("expected argv[%d] to be %q; got %q", i, arg, got)
		}
	}
	if got := deref(argArray + uintptr(len(argv))*ptrSize); got != 0 {
		t.Error("expected the argv array to be NULL terminated")
	}

	for i, env := range envp {
		if got := cstr(deref(envArray + uintptr(i)*ptrSize)); got != env {
			t.Errorf("expected envp[%d] to be %q; got %q", i, env, got)
		}
	}
	if got := deref(envArray + uintptr(len(envp))*ptrSize); got != 0 {
		t.Error("expected the envp array to be NULL terminated")
	}
}

func TestProcessThreadRefCounting(t *testing.T) {
	destroyed := 0
	destroyASFn = func(as *vmm.AddressSpace) { destroyed++ }
	pdtAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(0), nil }
	defer func() {
		destroyASFn = destroyAddressSpace
		pdtAllocFn = allocPDTFrame
	}()

	p, err := NewProcess("test", Credentials{RUID: 1000, EUID: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if p.PID() == 0 {
		t.Fatal("expected a non-kernel PID")
	}

	t1 := &Thread{id: 1}
	t2 := &Thread{id: 2}
	p.adoptThread(t1)
	p.adoptThread(t2)

	p.releaseThread(t1)
	if destroyed != 0 {
		t.Fatal("expected the address space to survive while threads remain")
	}

	p.releaseThread(t2)
	if destroyed != 1 {
		t.Fatal("expected the address space to be destroyed with the last thread")
	}
}

func TestCredentials(t *testing.T) {
	destroyASFn = func(as *vmm.AddressSpace) {}
	pdtAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(0), nil }
	defer func() {
		destroyASFn = destroyAddressSpace
		pdtAllocFn = allocPDTFrame
	}()

	p, err := NewProcess("test", Credentials{RUID: 1, EUID: 2, SUID: 3})
	if err != nil {
		t.Fatal(err)
	}

	creds := p.Creds()
	creds.EUID = 42
	p.SetCreds(creds)

	if got := p.Creds(); got.EUID != 42 || got.RUID != 1 || got.SUID != 3 {
		t.Fatalf("unexpected credentials after update: %+v", got)
	}
}
