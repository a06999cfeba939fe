package sched

import (
	"sync/atomic"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/cpu"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
)

// ThreadState tracks where a thread is in its lifecycle. A RUNNING thread is
// either executing or sitting in the ready queue; a WAITING thread is parked
// in a wait queue or the sleep list; a KILLED thread is torn down on the
// next attempt to dispatch it.
type ThreadState uint8

const (
	// ThreadRunning marks a thread that is executing or ready to execute.
	ThreadRunning ThreadState = iota

	// ThreadWaiting marks a thread blocked on an event or a sleep.
	ThreadWaiting

	// ThreadKilled marks a thread whose resources are reclaimed on the
	// next dispatch attempt.
	ThreadKilled
)

// ThreadFlag describes thread attributes.
type ThreadFlag uint8

// ThreadKernel marks a thread that never transitions to user mode.
const ThreadKernel ThreadFlag = 1 << 0

// kernelStackSize is the size of the per-thread kernel stack.
const kernelStackSize = mem.Size(16 * mem.Kb)

// initialEFlags is the EFLAGS value a freshly spawned thread starts with:
// interrupts enabled, reserved bit 1 set.
const initialEFlags = uintptr(0x202)

// Thread is the schedulable execution unit. Exactly one of the following
// holds for a live thread: it is the current thread, it sits in the ready
// queue, or it is parked in a wait queue or the sleep list.
type Thread struct {
	id    uint32
	proc  *Process
	state ThreadState
	flags ThreadFlag

	// qnext links the thread into whichever queue currently holds it
	// (ready queue, a wait queue or the sleep list).
	qnext *Thread

	// procNext links the thread into its process thread list.
	procNext *Thread

	// entry is the function the thread runs after its first dispatch.
	entry func()

	// Hardware context: the saved kernel stack pointer, the kernel stack
	// allocation and the top of the lazily created user stack.
	sp         uintptr
	kstackBase uintptr
	ustackTop  uintptr

	// sleep bookkeeping: the tick at which the sleep list wakes the
	// thread up.
	wakeupTick uint64

	// preemptDeadline is the tick at which the running thread's slice
	// expires.
	preemptDeadline uint64
}

// ID returns the thread id.
func (t *Thread) ID() uint32 {
	return t.id
}

// Process returns the process the thread belongs to.
func (t *Thread) Process() *Process {
	return t.proc
}

// State returns the thread state.
func (t *Thread) State() ThreadState {
	return t.state
}

var (
	// The following hooks are mocked by tests and are automatically
	// inlined by the compiler.
	trampolineAddrFn = cpu.ThreadTrampolineAddr
	jumpToUserFn     = cpu.JumpToUser

	// stackAllocFn and stackFreeFn provide the kernel stacks for spawned
	// threads out of the kernel address space.
	stackAllocFn = allocKernelStack
	stackFreeFn  = freeKernelStack
)

func allocKernelStack() (uintptr, *kernel.Error) {
	return vmm.KernelAddressSpace().Alloc(kernelStackSize, vmm.SegRead|vmm.SegWrite|vmm.SegKernel|vmm.SegClear)
}

func freeKernelStack(base uintptr) {
	vmm.KernelAddressSpace().Free(base)
}

// codePtr returns the code address of a top-level function value.
func codePtr(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// buildThreadFrame constructs the fake stack frame that makes the first
// context switch onto the thread return into the entry trampoline. From the
// stack top downwards: the exit hook code address, the address of the entry
// function value and the trampoline address, followed by the callee-saved register set the
// context switch restores.
func buildThreadFrame(t *Thread) {
	sp := t.kstackBase + uintptr(kernelStackSize)
	sp &^= 15

	push := func(v uintptr) {
		sp -= unsafe.Sizeof(uintptr(0))
		*(*uintptr)(unsafe.Pointer(sp)) = v
	}

	push(codePtr(threadExit))
	push(uintptr(unsafe.Pointer(&t.entry)))
	push(trampolineAddrFn())
	push(0)             // EBP
	push(0)             // EBX
	push(0)             // ESI
	push(0)             // EDI
	push(initialEFlags) // EFLAGS

	t.sp = sp
}

// threadExit runs when a thread's entry function returns. It is also the
// target the user-mode exit path funnels into.
func threadExit() {
	defaultScheduler.ExitCurrent()
}

// userStackSize is the size of the lazily allocated user stack segment.
const userStackSize = mem.Size(256 * mem.Kb)

// JumpToUser transitions the current thread to user mode: the user stack is
// lazily allocated, the arguments are packed onto it in the documented
// order (argc, &argv, &envp, argv strings, envp strings) and control
// transfers to entry through the return-to-user sequence. On success this
// function does not return.
func (t *Thread) JumpToUser(entry uintptr, argv, envp []string) *kernel.Error {
	as := t.proc.addrSpace

	base, err := as.Alloc(userStackSize, vmm.SegRead|vmm.SegWrite|vmm.SegClear)
	if err != nil {
		return err
	}
	t.ustackTop = base + uintptr(userStackSize)

	sp := packUserStack(t.ustackTop, argv, envp)
	jumpToUserFn(entry, sp)
	return nil
}

// packUserStack writes the process arguments onto the user stack and
// returns the initial user stack pointer. Reading upwards from the returned
// pointer: argc, the address of the argv pointer array, the address of the
// envp pointer array; the pointer arrays and the packed string bytes sit
// above them.
func packUserStack(stackTop uintptr, argv, envp []string) uintptr {
	var (
		ptrSize = unsafe.Sizeof(uintptr(0))
		sp      = stackTop
	)

	pushBytes := func(s string) uintptr {
		sp -= uintptr(len(s)) + 1
		for i := 0; i < len(s); i++ {
			*(*byte)(unsafe.Pointer(sp + uintptr(i))) = s[i]
		}
		*(*byte)(unsafe.Pointer(sp + uintptr(len(s)))) = 0
		return sp
	}

	envAddrs := make([]uintptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envAddrs[i] = pushBytes(envp[i])
	}
	argAddrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argAddrs[i] = pushBytes(argv[i])
	}

	sp &^= ptrSize - 1

	pushPtr := func(v uintptr) {
		sp -= ptrSize
		*(*uintptr)(unsafe.Pointer(sp)) = v
	}

	// NULL-terminated envp then argv pointer arrays.
	pushPtr(0)
	for i := len(envp) - 1; i >= 0; i-- {
		pushPtr(envAddrs[i])
	}
	envArray := sp

	pushPtr(0)
	for i := len(argv) - 1; i >= 0; i-- {
		pushPtr(argAddrs[i])
	}
	argArray := sp

	pushPtr(envArray)
	pushPtr(argArray)
	pushPtr(uintptr(len(argv)))

	return sp
}

// nextThreadID hands out monotonically increasing thread ids.
var nextThreadID uint32

func allocThreadID() uint32 {
	return atomic.AddUint32(&nextThreadID, 1)
}
