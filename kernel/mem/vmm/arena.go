package vmm

import (
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/sync"
)

// The segment descriptor arena hands out fixed-size slots from a reserved
// virtual region using a bitmap. Creating a segment must never re-enter the
// general allocator: the slab layer allocates its backing pages through the
// segment layer, so a segment descriptor obtained from the slab would
// recurse.
const (
	// arenaSlotSize is the size of one descriptor slot. A Segment must
	// fit in a slot.
	arenaSlotSize = 64

	// arenaSize bounds the arena backing region; it caps the number of
	// live segments across all address spaces.
	arenaSize = mem.Size(64 * mem.Kb)

	arenaSlotCount = int(arenaSize) / arenaSlotSize
)

var (
	errArenaExhausted = &kernel.Error{Module: "vmm", Message: "segment descriptor arena exhausted", Kind: kernel.ErrNoMem}
	errArenaBadSlot   = &kernel.Error{Module: "vmm", Message: "pointer does not reference an arena slot", Kind: kernel.ErrInval}
)

// segmentArena allocates segment descriptors out of a fixed virtual region
// with one bitmap bit per slot.
type segmentArena struct {
	lock sync.Spinlock

	base   uintptr
	bitmap [arenaSlotCount / 64]uint64
}

var descriptorArena segmentArena

// init attaches the arena to its backing region. The caller has already
// mapped size bytes starting at base.
func (a *segmentArena) init(base uintptr) {
	a.base = base
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
}

// alloc reserves a slot and returns it as a zeroed segment descriptor.
func (a *segmentArena) alloc() (*Segment, *kernel.Error) {
	flags := a.lock.AcquireIRQSave()
	defer a.lock.ReleaseIRQRestore(flags)

	for blockIndex, block := range a.bitmap {
		if block == ^uint64(0) {
			continue
		}

		for bitIndex := 0; bitIndex < 64; bitIndex++ {
			mask := uint64(1 << (63 - bitIndex))
			if block&mask != 0 {
				continue
			}

			a.bitmap[blockIndex] |= mask
			seg := (*Segment)(unsafe.Pointer(a.base + uintptr(blockIndex<<6+bitIndex)*arenaSlotSize))
			*seg = Segment{}
			return seg, nil
		}
	}

	return nil, errArenaExhausted
}

// free releases the slot that holds the supplied descriptor.
func (a *segmentArena) free(seg *Segment) *kernel.Error {
	addr := uintptr(unsafe.Pointer(seg))
	if addr < a.base || addr >= a.base+uintptr(arenaSize) || (addr-a.base)%arenaSlotSize != 0 {
		return errArenaBadSlot
	}

	slot := int(addr-a.base) / arenaSlotSize

	flags := a.lock.AcquireIRQSave()
	defer a.lock.ReleaseIRQRestore(flags)

	a.bitmap[slot>>6] &^= uint64(1 << (63 - (slot & 63)))
	return nil
}

// initDescriptorArena maps the reserved descriptor region and attaches the
// arena to it. It is called once during vmm initialization.
func initDescriptorArena() *kernel.Error {
	if frameAllocator == nil {
		return errNoFrameAllocator
	}

	for page, pageCount := PageFromAddress(mem.VMMReservedBase), arenaSize>>mem.PageShift; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frameAllocator()
		if err != nil {
			return err
		}

		if err = mapFn(page, frame, FlagRW); err != nil {
			return err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	descriptorArena.init(mem.VMMReservedBase)
	return nil
}
