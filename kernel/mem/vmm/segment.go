package vmm

import (
	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
)

// SegmentFlag describes the protection and placement attributes of a virtual
// memory segment.
type SegmentFlag uint16

const (
	// SegRead marks the segment readable.
	SegRead SegmentFlag = 1 << iota

	// SegWrite marks the segment writable.
	SegWrite

	// SegExec marks the segment executable. The i686 MMU without PAE
	// cannot enforce execute protection so the flag is bookkeeping only.
	SegExec

	// SegKernel restricts access to supervisor mode and places the
	// segment in the kernel half of the address space.
	SegKernel

	// SegClear guarantees the segment reads back as zeroes before the
	// first write.
	SegClear

	// SegFixed pins the segment to a caller-supplied start address.
	SegFixed
)

var (
	errSegmentNotSupported = &kernel.Error{Module: "vmm", Message: "operation is not supported by the segment driver", Kind: kernel.ErrNotSupported}

	// ErrNoSegment is returned when an address does not fall inside any
	// segment of the address space.
	ErrNoSegment = &kernel.Error{Module: "vmm", Message: "address does not belong to any segment", Kind: kernel.ErrNoEnt}

	// ErrSegmentAccess is returned when a fault is not recoverable
	// because the access violates the segment protection.
	ErrSegmentAccess = &kernel.Error{Module: "vmm", Message: "memory access violates segment protection", Kind: kernel.ErrAccess}
)

// SegmentDriver supplies the operations that back a segment class. Drivers
// are invoked with the owning address space lock held.
type SegmentDriver struct {
	Name string

	// Alloc prepares the backing state for a freshly inserted segment.
	Alloc func(as *AddressSpace, seg *Segment) *kernel.Error

	// AllocAt maps the segment onto an existing physical range.
	AllocAt func(as *AddressSpace, seg *Segment, physAddr uintptr) *kernel.Error

	// Free releases all backing state for the segment.
	Free func(as *AddressSpace, seg *Segment) *kernel.Error

	// Resize grows or shrinks the segment in place.
	Resize func(as *AddressSpace, seg *Segment, newSize mem.Size) *kernel.Error

	// Fault materializes the page containing faultAddr.
	Fault func(as *AddressSpace, seg *Segment, faultAddr uintptr, errorCode uint32) *kernel.Error
}

// Segment describes a contiguous page-aligned virtual address range with a
// uniform set of protection flags. Segment descriptors are allocated from
// the reserved descriptor arena, never from the general allocator.
type Segment struct {
	Start uintptr
	Size  mem.Size
	Flags SegmentFlag

	// PhysBase records the start of the backing physical range for
	// physically-mapped segments.
	PhysBase uintptr

	drv        *SegmentDriver
	prev, next *Segment
}

// End returns the first address past the segment.
func (seg *Segment) End() uintptr {
	return seg.Start + uintptr(seg.Size)
}

// Contains returns true if addr falls within the segment range.
func (seg *Segment) Contains(addr uintptr) bool {
	return addr >= seg.Start && addr < seg.End()
}

// Driver returns the segment driver backing this segment.
func (seg *Segment) Driver() *SegmentDriver {
	return seg.drv
}

// pteFlags translates the segment protection flags into the page table entry
// flags used when mapping the segment's pages.
func (seg *Segment) pteFlags() PageTableEntryFlag {
	var flags PageTableEntryFlag
	if seg.Flags&SegWrite != 0 {
		flags |= FlagRW
	}
	if seg.Flags&SegKernel == 0 {
		flags |= FlagUserAccessible
	}
	return flags
}

// AnonymousSegmentDriver backs a segment with lazily allocated zero-filled
// frames. No physical memory is reserved up front; the first read of a page
// maps the shared zeroed frame copy-on-write and the first write installs a
// private frame.
var AnonymousSegmentDriver = &SegmentDriver{
	Name: "anonymous",

	Alloc: func(as *AddressSpace, seg *Segment) *kernel.Error {
		// Backing is materialized on first touch by Fault.
		return nil
	},

	Free: func(as *AddressSpace, seg *Segment) *kernel.Error {
		return unmapSegmentPages(as, seg, true)
	},

	Resize: func(as *AddressSpace, seg *Segment, newSize mem.Size) *kernel.Error {
		if newSize == 0 {
			return errSegmentResizeInvalid
		}

		if newSize < seg.Size {
			shrunk := *seg
			shrunk.Start = seg.Start + uintptr(newSize)
			shrunk.Size = seg.Size - newSize
			if err := unmapSegmentPages(as, &shrunk, true); err != nil {
				return err
			}
		}

		seg.Size = newSize
		return nil
	},

	Fault: func(as *AddressSpace, seg *Segment, faultAddr uintptr, errorCode uint32) *kernel.Error {
		page := PageFromAddress(faultAddr)

		if errorCode&pfWrite == 0 {
			// Read fault: map the shared zeroed frame copy-on-write so
			// no physical memory is consumed until the first write.
			return as.pdt.Map(page, ReservedZeroedFrame, (seg.pteFlags()&^FlagRW)|FlagCopyOnWrite)
		}

		// Write fault: install a private zero-filled frame directly.
		if frameAllocator == nil {
			return errNoFrameAllocator
		}
		frame, err := frameAllocator()
		if err != nil {
			return err
		}

		tmpPage, err := mapTemporaryFn(frame)
		if err != nil {
			return err
		}
		mem.Memset(tmpPage.Address(), 0, mem.PageSize)
		unmapFn(tmpPage)

		return as.pdt.Map(page, frame, seg.pteFlags())
	},
}

// PhysicalSegmentDriver maps a segment onto an existing physical range (e.g.
// a PCI BAR). The frames are not owned by the segment: freeing the segment
// removes the mappings without releasing the frames.
var PhysicalSegmentDriver = &SegmentDriver{
	Name: "physical",

	AllocAt: func(as *AddressSpace, seg *Segment, physAddr uintptr) *kernel.Error {
		seg.PhysBase = physAddr

		frame := pmm.FrameFromAddress(physAddr)
		for page, pageCount := PageFromAddress(seg.Start), seg.Size>>mem.PageShift; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
			if err := as.pdt.Map(page, frame, seg.pteFlags()); err != nil {
				return err
			}
		}
		return nil
	},

	Free: func(as *AddressSpace, seg *Segment) *kernel.Error {
		return unmapSegmentPages(as, seg, false)
	},

	Fault: func(as *AddressSpace, seg *Segment, faultAddr uintptr, errorCode uint32) *kernel.Error {
		// All pages are mapped eagerly; any fault is a protection
		// violation.
		return ErrSegmentAccess
	},
}

// ReservedSegmentDriver covers fixed regions whose backing is managed
// outside the segment layer (the descriptor arena).
// Such segments exist so address lookups resolve and so nothing else can be
// placed on top of them.
var ReservedSegmentDriver = &SegmentDriver{
	Name: "reserved",

	Alloc: func(as *AddressSpace, seg *Segment) *kernel.Error {
		return nil
	},

	Free: func(as *AddressSpace, seg *Segment) *kernel.Error {
		return errSegmentNotSupported
	},

	Fault: func(as *AddressSpace, seg *Segment, faultAddr uintptr, errorCode uint32) *kernel.Error {
		return ErrSegmentAccess
	},
}

var errSegmentResizeInvalid = &kernel.Error{Module: "vmm", Message: "segment cannot be resized to zero", Kind: kernel.ErrInval}

// unmapSegmentPages removes every present mapping in the segment range. When
// putFrames is set the backing frames are also released; pages that were
// never touched (no mapping) and pages still mapping the shared zeroed frame
// are skipped.
func unmapSegmentPages(as *AddressSpace, seg *Segment, putFrames bool) *kernel.Error {
	for page, pageCount := PageFromAddress(seg.Start), seg.Size>>mem.PageShift; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := as.pdt.Unmap(page)
		if err == ErrInvalidMapping {
			continue
		} else if err != nil {
			return err
		}

		if putFrames && frame != ReservedZeroedFrame {
			pmm.PagePut(frame)
		}
	}

	return nil
}
