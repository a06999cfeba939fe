package mem

// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
// size for this architecture is defined as (1 << PointerShift).
const PointerShift = 2

// Virtual address space layout. The i686 MMU only exposes a 32-bit virtual
// address range; this kernel splits it into a lower half shared with
// user-mode code and data and a higher half reserved for the kernel and
// identity/recursive mappings, following the classic 3GB/1GB split.
const (
	// NullPageAddr is never mapped; dereferencing a nil pointer always
	// faults.
	NullPageAddr = uintptr(0)

	// VMMReservedBase is the start of the region that holds the segment
	// layer's reserved-descriptor arena, used before the slab allocator is
	// available. It starts at 1MiB, directly above the BIOS/legacy region,
	// not below it. EarlyReserveRegion does not use this region; it hands
	// out addresses growing down from vmm.tempMappingAddr.
	VMMReservedBase = uintptr(0x00100000)

	// VMMReservedLimit bounds the reserved arena described above.
	VMMReservedLimit = uintptr(0x00400000)

	// UserSpaceLimit is the first address past the user-accessible half of
	// the address space; addresses at or above it are only ever mapped
	// with FlagUserAccessible cleared.
	UserSpaceLimit = uintptr(0xC0000000)

	// KernelSpaceLimit bounds the identity/higher-half mapped kernel image
	// and its heap.
	KernelSpaceLimit = uintptr(0xFFB00000)

	// RecursiveRegionBase marks the start of the top 4MiB of the address
	// space, reserved for the self-referential page directory mapping
	// (see vmm.pdtVirtualAddr). Nothing else may be mapped here. The
	// temporary-mapping page (see vmm.tempMappingAddr) sits in the last
	// page just below this region.
	RecursiveRegionBase = uintptr(0xFFC00000)
)
