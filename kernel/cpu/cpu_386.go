// Package cpu exports the small set of i686 privileged instructions that the
// rest of the kernel needs as typed Go primitives. All functions in this
// package are implemented by the rt0 assembly code.
package cpu

// EnableInterrupts enables interrupt handling (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (cli).
func DisableInterrupts()

// Flags returns the contents of the EFLAGS register. Callers test
// FlagsIF to find out whether interrupts were enabled at the time of
// the call.
func Flags() uint32

// RestoreFlags loads the supplied value into the EFLAGS register. It is
// used together with Flags and DisableInterrupts to implement nestable
// interrupt-disabling critical sections.
func RestoreFlags(flags uint32)

// FlagsIF is the interrupt-enable bit in EFLAGS.
const FlagsIF = uint32(1 << 9)

// Halt stops instruction execution until the next interrupt (hlt).
func Halt()

// PortReadByte reads a byte from the supplied I/O port.
func PortReadByte(port uint16) uint8

// PortWriteByte writes a byte to the supplied I/O port.
func PortWriteByte(port uint16, val uint8)

// PortReadWord reads a 16-bit value from the supplied I/O port.
func PortReadWord(port uint16) uint16

// PortWriteWord writes a 16-bit value to the supplied I/O port.
func PortWriteWord(port uint16, val uint16)

// ReadCR2 returns the contents of the CR2 register. When a page fault occurs
// CR2 contains the faulting virtual address.
func ReadCR2() uintptr

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// SwitchStack saves the callee-saved register set and the current stack
// pointer into *oldSP, then loads newSP and pops the register set that was
// saved when the incoming stack was last switched away from. The first
// switch onto a freshly built thread stack pops the fake frame constructed
// by the scheduler and returns into the thread's entry trampoline.
func SwitchStack(oldSP *uintptr, newSP uintptr)

// JumpToUser loads the user-mode segment selectors and transfers control to
// entry with the supplied user stack pointer via an iret sequence. It does
// not return.
func JumpToUser(entry, userSP uintptr)

// ThreadTrampolineAddr returns the address of the assembly trampoline that
// a freshly spawned thread stack returns into on its first context switch.
// The trampoline pops the thread's entry function value and its exit hook
// from the stack and invokes them in order.
func ThreadTrampolineAddr() uintptr
