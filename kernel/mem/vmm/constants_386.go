package vmm

// pageLevels indicates the number of page table levels supported by the
// i686 architecture when paging is enabled without PAE: a page directory
// and a page table.
const (
	pageLevels = 2

	// pageTableEntryCount is the number of entries in a page directory or
	// page table: 10 index bits per level.
	pageTableEntryCount = 1 << 10

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. Without PAE,
	// bits 12-31 contain the physical frame address.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page address used for temporary
	// physical page mappings (e.g. when mapping inactive PDT pages). This
	// address uses page directory index 1022 (the entry immediately below
	// the recursive slot) and page table index 1023.
	tempMappingAddr = uintptr(0xffbff000)
)

// pdtVirtualAddr is a special virtual address that exploits the recursive
// mapping installed in the last page directory entry to allow accessing the
// page directory itself using the system's MMU address translation
// mechanism. Setting both the page directory and page table index bits to
// 1023 makes the MMU resolve the address back onto the page directory.
const pdtVirtualAddr = uintptr(0xfffff000)

// pageLevelBits defines the number of virtual address bits that correspond
// to each page level. i686 paging without PAE uses 10 bits per level,
// giving 1024 entries per table.
var pageLevelBits = [pageLevels]uint8{
	10,
	10,
}

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address.
var pageLevelShifts = [pageLevels]uint8{
	22,
	12,
}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4MB pages instead of 4K pages (PSE).
	FlagHugePage

	// FlagGlobal, if set, prevents the TLB from flushing the cached memory
	// address for this page when swapping page tables by updating CR3.
	FlagGlobal
)

// FlagCopyOnWrite is used to implement copy-on-write functionality. This
// flag and FlagRW are mutually exclusive. It reuses one of the three
// OS-available bits in a non-PAE page table entry (bits 9-11).
const FlagCopyOnWrite PageTableEntryFlag = 1 << 9
