// Package debug contains helpers for rendering diagnostic dumps when the
// kernel hits a fatal trap.
package debug

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"github.com/corvid-systems/corvid/kernel/kfmt"
)

// contextInstructions is the number of instructions decoded and printed
// starting at the faulting instruction pointer.
const contextInstructions = 4

// DumpInstructionContext disassembles the instruction stream starting at the
// supplied address and prints the decoded instructions to the kernel log so
// a fatal trap dump shows the instruction that caused the fault. Addresses
// that cannot be decoded terminate the dump early; a trap with a corrupted
// instruction pointer must not trigger a second fault while reporting the
// first one.
func DumpInstructionContext(ip uintptr) {
	if ip == 0 {
		return
	}

	code := (*[64]byte)(unsafe.Pointer(ip))[:]
	kfmt.Printf("\nCode at 0x%8x:\n", uint32(ip))

	offset := 0
	for i := 0; i < contextInstructions && offset < len(code); i++ {
		inst, err := x86asm.Decode(code[offset:], 32)
		if err != nil {
			kfmt.Printf("  0x%8x: (bad)\n", uint32(ip)+uint32(offset))
			return
		}

		kfmt.Printf("  0x%8x: %s\n", uint32(ip)+uint32(offset), x86asm.IntelSyntax(inst, uint64(ip)+uint64(offset), nil))
		offset += inst.Len
	}
}
