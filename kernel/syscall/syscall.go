// Package syscall implements the POSIX-flavored system call surface the
// kernel exposes to user processes. Handlers return the natural result on
// success and the negated errno derived from the kernel error kind on
// failure.
package syscall

import (
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/sched"
	"github.com/corvid-systems/corvid/kernel/vfs"
)

// System call numbers. The numbering is kernel-private; user space reaches
// it through the libc shim.
const (
	SysExit = iota + 1
	SysRead
	SysWrite
	SysOpen
	SysClose
	SysLseek
	SysStat
	SysLstat
	SysBrk
	SysGetPID
	SysGetUID
	SysGetEUID
	SysSetUID
	SysSetEUID
	SysSetREUID
	SysSetRESUID
	SysGetGID
	SysGetEGID
	SysSetGID
	SysSetEGID
	SysSetREGID
	SysSetRESGID

	sysCallCount
)

var (
	errNoSys = &kernel.Error{Module: "syscall", Message: "system call not implemented", Kind: kernel.ErrNotImplemented}

	// The following hooks expose the slices of process state the handlers
	// need. They are mocked by tests and are automatically inlined by the
	// compiler.
	lookupFn = vfs.Lookup
	openFn   = vfs.Open

	pidFn = func() uint32 {
		return sched.CurrentProcess().PID()
	}
	credsFn = func() sched.Credentials {
		return sched.CurrentProcess().Creds()
	}
	setCredsFn = func(creds sched.Credentials) {
		sched.CurrentProcess().SetCreds(creds)
	}
	filesFn = func() *vfs.FileTable {
		return sched.CurrentProcess().Files()
	}
	brkFn = func(newBrk uintptr) (uintptr, *kernel.Error) {
		return sched.CurrentProcess().AddressSpace().Brk(newBrk)
	}
)

// handlerFn is a system call handler. The three register arguments carry
// the raw user-supplied values.
type handlerFn func(a1, a2, a3 uintptr) int32

var handlers = [sysCallCount]handlerFn{
	SysExit:      sysExit,
	SysRead:      sysRead,
	SysWrite:     sysWrite,
	SysOpen:      sysOpen,
	SysClose:     sysClose,
	SysLseek:     sysLseek,
	SysStat:      sysStat,
	SysLstat:     sysLstat,
	SysBrk:       sysBrk,
	SysGetPID:    sysGetPID,
	SysGetUID:    sysGetUID,
	SysGetEUID:   sysGetEUID,
	SysSetUID:    sysSetUID,
	SysSetEUID:   sysSetEUID,
	SysSetREUID:  sysSetREUID,
	SysSetRESUID: sysSetRESUID,
	SysGetGID:    sysGetGID,
	SysGetEGID:   sysGetEGID,
	SysSetGID:    sysSetGID,
	SysSetEGID:   sysSetEGID,
	SysSetREGID:  sysSetREGID,
	SysSetRESGID: sysSetRESGID,
}

// Dispatch routes a trapped system call to its handler.
func Dispatch(num uint32, a1, a2, a3 uintptr) int32 {
	if num == 0 || num >= sysCallCount || handlers[num] == nil {
		return errNoSys.Errno()
	}
	return handlers[num](a1, a2, a3)
}

// errno converts a kernel error into the negated errno return value.
func errno(err *kernel.Error) int32 {
	return err.Errno()
}

// bytesAt exposes a user buffer as a byte slice. The caller runs with the
// user address space active so the kernel can address the memory directly.
func bytesAt(ptr uintptr, size uintptr) []byte {
	if ptr == 0 || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
}

// stringAt reads a NUL-terminated user string.
func stringAt(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	var length uintptr
	for *(*byte)(unsafe.Pointer(ptr + length)) != 0 {
		length++
	}
	return string(bytesAt(ptr, length))
}

func sysExit(_, _, _ uintptr) int32 {
	exitCurrentFn()
	return 0
}

// exitCurrentFn is mocked by tests.
var exitCurrentFn = func() {
	sched.Kill(sched.CurrentThread())
}

func sysGetPID(_, _, _ uintptr) int32 {
	return int32(pidFn())
}

func sysBrk(newBrk, _, _ uintptr) int32 {
	brk, err := brkFn(newBrk)
	if err != nil {
		return errno(err)
	}
	return int32(brk)
}
