package pmm

import (
	"sync/atomic"
	"unsafe"
)

// PageFlag describes the attributes tracked for each physical frame.
type PageFlag uint8

const (
	// PageAvailable marks a frame that belongs to the free pool. A frame
	// is available exactly when its reference count is zero.
	PageAvailable PageFlag = 1 << iota

	// PageCoW marks a frame that is shared between address spaces and
	// must be duplicated before the next write to it.
	PageCoW

	// PageSlab marks a frame that backs a slab; its descriptor carries a
	// back-pointer to the owning object cache.
	PageSlab
)

// PageDesc is the per-frame bookkeeping record. One descriptor exists for
// every frame between zero and the highest usable frame reported by the
// bootloader; descriptors are created once at boot and never freed.
//
// The flags field is guarded by the lock of whichever allocator owns the
// frame. The reference count is manipulated atomically as the copy-on-write
// fault path adjusts it without holding the frame allocator lock.
type PageDesc struct {
	flags    PageFlag
	refCount int32

	// owner points to the slab cache this frame backs when PageSlab is
	// set. It is stored as an unsafe.Pointer as the slab package sits
	// above pmm in the dependency order.
	owner unsafe.Pointer
}

// HasFlags returns true if the descriptor has all the supplied flags set.
func (d *PageDesc) HasFlags(flags PageFlag) bool {
	return d.flags&flags == flags
}

// SetFlags sets the supplied flags on the descriptor.
func (d *PageDesc) SetFlags(flags PageFlag) {
	d.flags |= flags
}

// ClearFlags unsets the supplied flags on the descriptor.
func (d *PageDesc) ClearFlags(flags PageFlag) {
	d.flags &^= flags
}

// RefCount returns the number of live references to the frame.
func (d *PageDesc) RefCount() int32 {
	return atomic.LoadInt32(&d.refCount)
}

// SetSlabOwner attaches the owning slab cache to the descriptor and flags
// the frame as slab-backed. Passing nil detaches the owner and clears the
// flag.
func (d *PageDesc) SetSlabOwner(owner unsafe.Pointer) {
	d.owner = owner
	if owner == nil {
		d.ClearFlags(PageSlab)
		return
	}
	d.SetFlags(PageSlab)
}

// SlabOwner returns the slab cache back-pointer attached to the descriptor.
func (d *PageDesc) SlabOwner() unsafe.Pointer {
	return d.owner
}

var (
	pageDescTable []PageDesc

	// releaseFrameFn returns a frame whose reference count dropped to
	// zero back to the frame allocator's free pool. The allocator
	// registers it during Init; pmm cannot call the allocator package
	// directly without creating an import cycle.
	releaseFrameFn func(Frame)
)

// SetDescriptorTable installs the per-frame descriptor table. It is called
// once by the frame allocator after it has carved out and mapped the
// backing memory for the table.
func SetDescriptorTable(table []PageDesc) {
	pageDescTable = table
}

// SetReleaseFrameFn registers the callback invoked when a frame's reference
// count transitions to zero.
func SetReleaseFrameFn(fn func(Frame)) {
	releaseFrameFn = fn
}

// Descriptor returns the descriptor for the supplied frame or nil if the
// frame lies beyond the tracked physical range.
func Descriptor(frame Frame) *PageDesc {
	if int(frame) >= len(pageDescTable) {
		return nil
	}
	return &pageDescTable[frame]
}

// PageGet acquires a reference to the supplied frame.
func PageGet(frame Frame) {
	if desc := Descriptor(frame); desc != nil {
		atomic.AddInt32(&desc.refCount, 1)
	}
}

// PagePut drops a reference to the supplied frame. When the last reference
// is dropped the frame returns to the free pool.
func PagePut(frame Frame) {
	desc := Descriptor(frame)
	if desc == nil {
		return
	}

	if atomic.AddInt32(&desc.refCount, -1) == 0 {
		desc.ClearFlags(PageCoW | PageSlab)
		desc.owner = nil
		if releaseFrameFn != nil {
			releaseFrameFn(frame)
		}
	}
}

// MarkAllocated transitions a frame descriptor out of the free pool with a
// single live reference. It is called by the frame allocator with its lock
// held.
func MarkAllocated(frame Frame) {
	if desc := Descriptor(frame); desc != nil {
		desc.ClearFlags(PageAvailable)
		atomic.StoreInt32(&desc.refCount, 1)
	}
}

// MarkFree transitions a frame descriptor back into the free pool. It is
// called by the frame allocator with its lock held.
func MarkFree(frame Frame) {
	if desc := Descriptor(frame); desc != nil {
		desc.flags = PageAvailable
		desc.owner = nil
		atomic.StoreInt32(&desc.refCount, 0)
	}
}

// InitDescriptor primes the descriptor state for a frame. It is used by the
// frame allocator while building the descriptor table.
func InitDescriptor(frame Frame, available bool) {
	desc := Descriptor(frame)
	if desc == nil {
		return
	}

	if available {
		desc.flags = PageAvailable
		desc.refCount = 0
		return
	}

	// Frames outside the free pool (BIOS areas, kernel image, early
	// allocations) are permanently referenced so the refcount/available
	// invariant holds for every descriptor.
	desc.flags = 0
	desc.refCount = 1
}
