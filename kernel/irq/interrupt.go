package irq

import "github.com/corvid-systems/corvid/kernel/kfmt"

// Regs contains a snapshot of the register values when an interrupt occurred.
// The rt0 interrupt gate stubs push the values in this order before calling
// into Go code.
type Regs struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	kfmt.Printf("EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Printf("ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Printf("ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Printf("EBP = %8x\n", r.EBP)
}

// Frame describes an exception frame that is automatically pushed by the CPU
// to the stack when an exception occurs. ESP and SS are only pushed by the
// CPU when the exception originates from a lower privilege level; for
// same-privilege exceptions the rt0 gate stub fills them in from the kernel
// stack so handlers always observe a complete frame.
type Frame struct {
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// Print outputs a dump of the exception frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("EIP = %8x CS  = %8x\n", f.EIP, f.CS)
	kfmt.Printf("ESP = %8x SS  = %8x\n", f.ESP, f.SS)
	kfmt.Printf("EFL = %8x\n", f.EFlags)
}
