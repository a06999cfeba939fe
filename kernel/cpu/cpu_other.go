//go:build !386

package cpu

import "sync/atomic"

// The host-side doubles below keep the cpu package buildable and testable on
// development machines. They model just enough state (the simulated IF bit
// and the active PDT register) for the callers' unit tests; the kernel build
// targets GOARCH=386 where the real implementations live in cpu_386.s.

var simFlags uint32 = FlagsIF

var simPDT uintptr

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { atomic.StoreUint32(&simFlags, FlagsIF) }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { atomic.StoreUint32(&simFlags, 0) }

// Flags returns the contents of the EFLAGS register.
func Flags() uint32 { return atomic.LoadUint32(&simFlags) }

// RestoreFlags loads the supplied value into the EFLAGS register.
func RestoreFlags(flags uint32) { atomic.StoreUint32(&simFlags, flags&FlagsIF) }

// FlagsIF is the interrupt-enable bit in EFLAGS.
const FlagsIF = uint32(1 << 9)

// Halt stops instruction execution.
func Halt() {
	select {}
}

// PortReadByte reads a byte from the supplied I/O port.
func PortReadByte(port uint16) uint8 { return 0 }

// PortWriteByte writes a byte to the supplied I/O port.
func PortWriteByte(port uint16, val uint8) {}

// PortReadWord reads a 16-bit value from the supplied I/O port.
func PortReadWord(port uint16) uint16 { return 0 }

// PortWriteWord writes a 16-bit value to the supplied I/O port.
func PortWriteWord(port uint16, val uint16) {}

// ReadCR2 returns the contents of the CR2 register.
func ReadCR2() uintptr { return 0 }

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) { simPDT = pdtPhysAddr }

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr { return simPDT }

// SwitchStack saves the current stack pointer through oldSP and switches to
// newSP. The host double does nothing; thread switching is exercised through
// the scheduler's mockable switch hooks instead.
func SwitchStack(oldSP *uintptr, newSP uintptr) {}

// JumpToUser transfers control to user mode. The host double does nothing.
func JumpToUser(entry, userSP uintptr) {}

// ThreadTrampolineAddr returns the address of the thread entry trampoline.
// The host double returns a marker value; thread frames are only executed
// on the real target.
func ThreadTrampolineAddr() uintptr { return 0xdead0000 }
