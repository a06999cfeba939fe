package vmm

import (
	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
	"github.com/corvid-systems/corvid/kernel/sync"
)

// Virtual windows used when a segment is placed automatically. The user
// window starts above the reserved descriptor arena; the kernel window sits
// above the kernel image and below the early-reserve region.
const (
	userAllocBase  = mem.VMMReservedLimit
	userAllocLimit = mem.UserSpaceLimit

	kernelAllocBase  = uintptr(0xd0000000)
	kernelAllocLimit = uintptr(0xff000000)
)

var (
	errAddressSpaceExhausted = &kernel.Error{Module: "vmm", Message: "no virtual window large enough to fit the segment", Kind: kernel.ErrNoMem}
	errSegmentOverlap        = &kernel.Error{Module: "vmm", Message: "requested range overlaps an existing segment", Kind: kernel.ErrBusy}
	errInvalidAllocSize      = &kernel.Error{Module: "vmm", Message: "allocation size must be greater than zero", Kind: kernel.ErrInval}
	errInvalidAllocAddr      = &kernel.Error{Module: "vmm", Message: "fixed placement requires a page-aligned start address", Kind: kernel.ErrInval}
	errNotSegmentStart       = &kernel.Error{Module: "vmm", Message: "pointer does not reference the start of a segment", Kind: kernel.ErrInval}

	// kernelAddressSpace describes the address space installed by the
	// boot code; every other address space shares its kernel half.
	kernelAddressSpace *AddressSpace

	// currentAddressSpace tracks the address space of the running
	// thread. The scheduler updates it on every context switch.
	currentAddressSpace *AddressSpace
)

// AddressSpace is the per-process virtual memory map: a hardware page
// directory plus the list of segments that populate it.
type AddressSpace struct {
	lock sync.Spinlock

	pdt PageDirectoryTable

	// segments is a doubly-linked list ordered by ascending start
	// address. Descriptors live in the reserved arena.
	segments *Segment

	// dataEnd and brkEnd delimit the user heap: dataEnd is set by the
	// program loader and brkEnd moves with the brk system call.
	dataEnd, brkEnd uintptr
}

// CurrentAddressSpace returns the address space of the running thread.
func CurrentAddressSpace() *AddressSpace {
	return currentAddressSpace
}

// KernelAddressSpace returns the address space installed by the boot code.
func KernelAddressSpace() *AddressSpace {
	return kernelAddressSpace
}

// NewAddressSpace initializes a fresh address space on top of the supplied
// page directory frame. The new directory shares the kernel half of the
// currently active one.
func NewAddressSpace(pdtFrame pmm.Frame) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{}
	if err := as.pdt.Init(pdtFrame); err != nil {
		return nil, err
	}
	return as, nil
}

// PDT returns the page directory table backing this address space.
func (as *AddressSpace) PDT() *PageDirectoryTable {
	return &as.pdt
}

// Activate switches the MMU to this address space and records it as current.
func (as *AddressSpace) Activate() {
	as.pdt.Activate()
	currentAddressSpace = as
}

// DataEnd returns the user data segment end marker.
func (as *AddressSpace) DataEnd() uintptr {
	return as.dataEnd
}

// SetDataEnd records the user data segment end marker and resets the brk
// marker to it. The program loader calls it after mapping the data segment.
func (as *AddressSpace) SetDataEnd(dataEnd uintptr) {
	as.dataEnd = dataEnd
	as.brkEnd = dataEnd
}

// BrkEnd returns the current program break.
func (as *AddressSpace) BrkEnd() uintptr {
	return as.brkEnd
}

// Brk moves the program break. Growing the break resizes the heap segment
// that contains it; the new range is backed lazily like any anonymous
// segment.
func (as *AddressSpace) Brk(newBrk uintptr) (uintptr, *kernel.Error) {
	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	if newBrk == 0 || newBrk == as.brkEnd {
		return as.brkEnd, nil
	}
	if newBrk < as.dataEnd {
		return as.brkEnd, errInvalidAllocAddr
	}

	seg := as.findLocked(as.dataEnd)
	if seg == nil || seg.drv.Resize == nil {
		return as.brkEnd, ErrNoSegment
	}

	newSize := mem.Size(((newBrk - seg.Start) + uintptr(mem.PageSize-1)) & ^uintptr(mem.PageSize-1))
	if err := seg.drv.Resize(as, seg, newSize); err != nil {
		return as.brkEnd, err
	}

	as.brkEnd = newBrk
	return as.brkEnd, nil
}

// Alloc reserves a segment of at least size bytes with automatic placement
// and returns its start address. The size is rounded up to a page multiple.
// The protection and placement behavior is controlled via flags; backing
// pages are allocated lazily on first touch.
func (as *AddressSpace) Alloc(size mem.Size, segFlags SegmentFlag) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidAllocSize
	}
	if segFlags&SegFixed != 0 {
		return 0, errInvalidAllocAddr
	}

	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	seg, err := as.insertLocked(0, size, segFlags, AnonymousSegmentDriver)
	if err != nil {
		return 0, err
	}

	if err = seg.drv.Alloc(as, seg); err != nil {
		as.removeLocked(seg)
		return 0, err
	}

	return seg.Start, nil
}

// AllocFixed reserves a segment at the exact supplied start address. The
// address must be page-aligned and the range must not overlap an existing
// segment.
func (as *AddressSpace) AllocFixed(start uintptr, size mem.Size, segFlags SegmentFlag) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidAllocSize
	}
	if start == mem.NullPageAddr || start&uintptr(mem.PageSize-1) != 0 {
		return 0, errInvalidAllocAddr
	}

	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	seg, err := as.insertLocked(start, size, segFlags|SegFixed, AnonymousSegmentDriver)
	if err != nil {
		return 0, err
	}

	if err = seg.drv.Alloc(as, seg); err != nil {
		as.removeLocked(seg)
		return 0, err
	}

	return seg.Start, nil
}

// AllocAt maps an existing physical range (e.g. a PCI BAR) into the address
// space and returns the virtual address of the mapping. physAddr must be
// page-aligned.
func (as *AddressSpace) AllocAt(physAddr uintptr, size mem.Size, segFlags SegmentFlag) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidAllocSize
	}
	if physAddr&uintptr(mem.PageSize-1) != 0 {
		return 0, errInvalidAllocAddr
	}

	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	seg, err := as.insertLocked(0, size, segFlags, PhysicalSegmentDriver)
	if err != nil {
		return 0, err
	}

	if err = seg.drv.AllocAt(as, seg, physAddr); err != nil {
		unmapSegmentPages(as, seg, false)
		as.removeLocked(seg)
		return 0, err
	}

	return seg.Start, nil
}

// Free tears down the segment that starts at ptr: backing pages are
// released, MMU entries removed and the descriptor returned to the arena.
func (as *AddressSpace) Free(ptr uintptr) *kernel.Error {
	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	seg := as.findLocked(ptr)
	if seg == nil {
		return ErrNoSegment
	}
	if seg.Start != ptr {
		return errNotSegmentStart
	}

	if err := seg.drv.Free(as, seg); err != nil {
		return err
	}

	as.removeLocked(seg)
	return nil
}

// Find returns the segment that contains ptr.
func (as *AddressSpace) Find(ptr uintptr) (*Segment, *kernel.Error) {
	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	if seg := as.findLocked(ptr); seg != nil {
		return seg, nil
	}
	return nil, ErrNoSegment
}

// handleFault routes a page fault to the driver of the segment that owns
// the faulting address. It returns an error when the fault cannot be
// recovered (no segment, or the access violates the segment protection).
func (as *AddressSpace) handleFault(faultAddr uintptr, errorCode uint32) *kernel.Error {
	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	seg := as.findLocked(faultAddr)
	if seg == nil {
		return ErrNoSegment
	}

	if errorCode&pfWrite != 0 && seg.Flags&SegWrite == 0 {
		return ErrSegmentAccess
	}
	if errorCode&pfUser != 0 && seg.Flags&SegKernel != 0 {
		return ErrSegmentAccess
	}

	return seg.drv.Fault(as, seg, faultAddr, errorCode)
}

// CopyCurrent clones the user half of the currently active address space
// into dst. Writable pages shared between the two address spaces are
// flipped to read-only copy-on-write in both; the first write on either
// side installs a private copy.
func (as *AddressSpace) CopyCurrent(dst *AddressSpace) *kernel.Error {
	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	for seg := as.segments; seg != nil; seg = seg.next {
		if seg.Flags&SegKernel != 0 {
			continue
		}

		clone, err := descriptorArena.alloc()
		if err != nil {
			return err
		}
		clone.Start, clone.Size, clone.Flags, clone.PhysBase, clone.drv = seg.Start, seg.Size, seg.Flags, seg.PhysBase, seg.drv
		dst.linkLocked(clone)

		if err = copySegmentMappings(dst, seg); err != nil {
			return err
		}
	}

	dst.dataEnd, dst.brkEnd = as.dataEnd, as.brkEnd
	return nil
}

// copySegmentMappings shares every present page of seg with dst, downgrading
// writable mappings to read-only copy-on-write on both sides.
func copySegmentMappings(dst *AddressSpace, seg *Segment) *kernel.Error {
	cowFlags := (seg.pteFlags() &^ FlagRW) | FlagCopyOnWrite

	for page, pageCount := PageFromAddress(seg.Start), seg.Size>>mem.PageShift; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		pte, err := pteForAddress(page.Address())
		if err != nil {
			// Untouched page; the clone faults it in on demand.
			continue
		}

		frame := pte.Frame()
		if frame != ReservedZeroedFrame {
			pmm.PageGet(frame)
			if desc := pmm.Descriptor(frame); desc != nil {
				desc.SetFlags(pmm.PageCoW)
			}

			if pte.HasFlags(FlagRW) {
				pte.ClearFlags(FlagRW)
				pte.SetFlags(FlagCopyOnWrite)
				flushTLBEntryFn(page.Address())
			}
		}

		if err := dst.pdt.Map(page, frame, cowFlags); err != nil {
			return err
		}
	}

	return nil
}

// Destroy releases every segment of the address space together with the
// page directory frame itself. The address space must not be active.
func (as *AddressSpace) Destroy() *kernel.Error {
	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	for seg := as.segments; seg != nil; {
		next := seg.next
		if seg.drv != ReservedSegmentDriver {
			if err := seg.drv.Free(as, seg); err != nil {
				return err
			}
		}
		descriptorArena.free(seg)
		seg = next
	}
	as.segments = nil

	pmm.PagePut(as.pdt.pdtFrame)
	return nil
}

// SegmentCount returns the number of segments in the address space.
func (as *AddressSpace) SegmentCount() int {
	flags := as.lock.AcquireIRQSave()
	defer as.lock.ReleaseIRQRestore(flags)

	var count int
	for seg := as.segments; seg != nil; seg = seg.next {
		count++
	}
	return count
}

// findLocked returns the segment containing addr. The caller holds the
// address space lock.
func (as *AddressSpace) findLocked(addr uintptr) *Segment {
	for seg := as.segments; seg != nil; seg = seg.next {
		if seg.Contains(addr) {
			return seg
		}
		if seg.Start > addr {
			break
		}
	}
	return nil
}

// insertLocked allocates a descriptor for a new segment and links it into
// the sorted segment list. A zero start requests automatic placement inside
// the window selected by the segment flags.
func (as *AddressSpace) insertLocked(start uintptr, size mem.Size, segFlags SegmentFlag, drv *SegmentDriver) (*Segment, *kernel.Error) {
	if start == 0 {
		var err *kernel.Error
		if start, err = as.findGapLocked(size, segFlags); err != nil {
			return nil, err
		}
	} else if as.overlapsLocked(start, size) {
		return nil, errSegmentOverlap
	}

	seg, err := descriptorArena.alloc()
	if err != nil {
		return nil, err
	}

	seg.Start, seg.Size, seg.Flags, seg.drv = start, size, segFlags, drv
	as.linkLocked(seg)
	return seg, nil
}

// removeLocked unlinks a segment and returns its descriptor to the arena.
func (as *AddressSpace) removeLocked(seg *Segment) {
	if seg.prev != nil {
		seg.prev.next = seg.next
	} else {
		as.segments = seg.next
	}
	if seg.next != nil {
		seg.next.prev = seg.prev
	}
	descriptorArena.free(seg)
}

// linkLocked inserts seg into the list keeping it sorted by start address.
func (as *AddressSpace) linkLocked(seg *Segment) {
	if as.segments == nil || as.segments.Start > seg.Start {
		seg.prev, seg.next = nil, as.segments
		if as.segments != nil {
			as.segments.prev = seg
		}
		as.segments = seg
		return
	}

	after := as.segments
	for after.next != nil && after.next.Start < seg.Start {
		after = after.next
	}

	seg.prev, seg.next = after, after.next
	if after.next != nil {
		after.next.prev = seg
	}
	after.next = seg
}

// overlapsLocked reports whether [start, start+size) intersects an existing
// segment.
func (as *AddressSpace) overlapsLocked(start uintptr, size mem.Size) bool {
	end := start + uintptr(size)
	for seg := as.segments; seg != nil; seg = seg.next {
		if start < seg.End() && seg.Start < end {
			return true
		}
	}
	return false
}

// findGapLocked locates the lowest gap of at least size bytes inside the
// allocation window selected by the segment flags.
func (as *AddressSpace) findGapLocked(size mem.Size, segFlags SegmentFlag) (uintptr, *kernel.Error) {
	windowStart, windowEnd := userAllocBase, userAllocLimit
	if segFlags&SegKernel != 0 {
		windowStart, windowEnd = kernelAllocBase, kernelAllocLimit
	}

	candidate := windowStart
	for seg := as.segments; seg != nil; seg = seg.next {
		if seg.End() <= candidate {
			continue
		}
		if seg.Start >= windowEnd {
			break
		}

		if seg.Start >= candidate+uintptr(size) {
			return candidate, nil
		}
		candidate = seg.End()
	}

	if candidate+uintptr(size) <= windowEnd {
		return candidate, nil
	}

	return 0, errAddressSpaceExhausted
}

// InitAddressSpaces sets up the descriptor arena and wraps the boot page
// directory into the kernel address space. It must run after the frame
// allocator has been registered.
func InitAddressSpaces() *kernel.Error {
	if err := initDescriptorArena(); err != nil {
		return err
	}

	kernelAddressSpace = &AddressSpace{
		pdt: PageDirectoryTable{pdtFrame: pmm.Frame(activePDTFn() >> mem.PageShift)},
	}

	// The descriptor arena region itself is registered as a reserved
	// segment so address lookups resolve and nothing can be placed on
	// top of it.
	seg, err := descriptorArena.alloc()
	if err != nil {
		return err
	}
	seg.Start, seg.Size, seg.Flags, seg.drv = mem.VMMReservedBase, arenaSize, SegRead|SegWrite|SegKernel|SegFixed, ReservedSegmentDriver
	kernelAddressSpace.linkLocked(seg)

	currentAddressSpace = kernelAddressSpace
	return nil
}
