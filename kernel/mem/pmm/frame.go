// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"github.com/corvid-systems/corvid/kernel/mem"
)

// Frame describes a physical page frame number (PFN). The i686 MMU can
// address a 32-bit physical space so frame numbers always fit in 20 bits;
// the full uint32 range leaves room for the invalid sentinel.
type Frame uint32

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address where this Frame begins.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the supplied physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
