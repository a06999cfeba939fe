package sched

import (
	"sync/atomic"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
	"github.com/corvid-systems/corvid/kernel/mem/pmm/allocator"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
	"github.com/corvid-systems/corvid/kernel/sync"
	"github.com/corvid-systems/corvid/kernel/vfs"
)

// Credentials carries the real/effective/saved user and group ids of a
// process, with the usual POSIX update rules.
type Credentials struct {
	RUID, EUID, SUID uint32
	RGID, EGID, SGID uint32
}

// Process groups the threads sharing one address space, credential set and
// open-file table. The reference count tracks live threads; when the last
// thread exits the address space and the process record are released.
type Process struct {
	lock sync.Spinlock

	name string
	pid  uint32

	threads *Thread

	addrSpace *vmm.AddressSpace

	creds Credentials

	files *vfs.FileTable

	refCount int32
}

var (
	// kernelProcess is the PID 0 process owning all kernel threads and
	// the kernel address space.
	kernelProcess *Process

	nextPID uint32

	errNoKernelProcess = &kernel.Error{Module: "sched", Message: "kernel process has not been initialized", Kind: kernel.ErrInval}

	// pdtAllocFn and pdtFreeFn reserve page directory frames from the
	// kernel-owned physical window; they are mocked by tests.
	pdtAllocFn = allocPDTFrame
	pdtFreeFn  = freePDTFrame

	// destroyASFn is mocked by tests.
	destroyASFn = destroyAddressSpace
)

func allocPDTFrame() (pmm.Frame, *kernel.Error) {
	return allocator.AllocPages(mem.PageSize, allocator.AllocKernel)
}

func freePDTFrame(frame pmm.Frame) {
	allocator.FreePages(frame, mem.PageSize)
}

func destroyAddressSpace(as *vmm.AddressSpace) {
	as.Destroy()
}

// InitKernelProcess creates the PID 0 process wrapping the kernel address
// space. Failure to establish it is not recoverable.
func InitKernelProcess() *Process {
	if kernelProcess != nil {
		return kernelProcess
	}

	as := vmm.KernelAddressSpace()
	if as == nil {
		panicFn(errNoKernelProcess)
	}

	kernelProcess = &Process{
		name:      "kernel",
		pid:       0,
		addrSpace: as,
		files:     vfs.NewFileTable(),
	}
	return kernelProcess
}

// KernelProcess returns the PID 0 process.
func KernelProcess() *Process {
	return kernelProcess
}

// NewProcess creates an empty process with a fresh address space that
// shares the kernel half of the current one.
func NewProcess(name string, creds Credentials) (*Process, *kernel.Error) {
	pdtFrame, err := pdtAllocFn()
	if err != nil {
		return nil, err
	}

	as, err := vmm.NewAddressSpace(pdtFrame)
	if err != nil {
		pdtFreeFn(pdtFrame)
		return nil, err
	}

	return &Process{
		name:      name,
		pid:       atomic.AddUint32(&nextPID, 1),
		addrSpace: as,
		creds:     creds,
		files:     vfs.NewFileTable(),
	}, nil
}

// Fork clones the current process: the new process shares the parent's
// credentials and open files and receives a copy-on-write clone of its
// address space.
func (p *Process) Fork(name string) (*Process, *kernel.Error) {
	child, err := NewProcess(name, p.creds)
	if err != nil {
		return nil, err
	}

	if err = p.addrSpace.CopyCurrent(child.addrSpace); err != nil {
		destroyASFn(child.addrSpace)
		return nil, err
	}

	child.files = p.files.Clone()
	return child, nil
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// PID returns the process id. PID 0 is the kernel process.
func (p *Process) PID() uint32 {
	return p.pid
}

// AddressSpace returns the process address space.
func (p *Process) AddressSpace() *vmm.AddressSpace {
	return p.addrSpace
}

// Files returns the process open-file table.
func (p *Process) Files() *vfs.FileTable {
	return p.files
}

// Creds returns a copy of the process credentials.
func (p *Process) Creds() Credentials {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.creds
}

// SetCreds replaces the process credentials. Permission checks are the
// caller's responsibility (see the syscall layer).
func (p *Process) SetCreds(creds Credentials) {
	p.lock.Acquire()
	p.creds = creds
	p.lock.Release()
}

// adoptThread links a thread into the process and takes a reference.
func (p *Process) adoptThread(t *Thread) {
	p.lock.Acquire()
	t.proc = p
	t.procNext = p.threads
	p.threads = t
	p.lock.Release()

	atomic.AddInt32(&p.refCount, 1)
}

// releaseThread unlinks an exiting thread and drops its reference. When the
// last thread goes away the address space and the process record are torn
// down. Tearing down the kernel process is an invariant violation.
func (p *Process) releaseThread(t *Thread) {
	p.lock.Acquire()
	var prev *Thread
	for cur := p.threads; cur != nil; prev, cur = cur, cur.procNext {
		if cur != t {
			continue
		}
		if prev != nil {
			prev.procNext = cur.procNext
		} else {
			p.threads = cur.procNext
		}
		break
	}
	p.lock.Release()

	if atomic.AddInt32(&p.refCount, -1) > 0 {
		return
	}

	if p.pid == 0 {
		panicFn(&kernel.Error{Module: "sched", Message: "attempt to tear down the kernel process"})
	}

	if p.files != nil {
		p.files.CloseAll()
	}
	if p.addrSpace != nil {
		destroyASFn(p.addrSpace)
	}
}
