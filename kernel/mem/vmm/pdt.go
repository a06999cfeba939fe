package vmm

import (
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = activePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = switchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap
)

// kernelPDEIndex is the page directory index of the first kernel-half entry
// (the directory index of mem.UserSpaceLimit). Entries [kernelPDEIndex,
// recursive slot) must resolve to the same page tables in every address
// space so the kernel remains visible after a PDT switch.
const kernelPDEIndex = int(mem.UserSpaceLimit >> 22)

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Frame returns the physical frame that backs this page directory table.
func (pdt PageDirectoryTable) Frame() pmm.Frame {
	return pdt.pdtFrame
}

// Init sets up the page table directory starting at the supplied physical
// address. If the supplied frame does not match the currently active PDT, then
// Init assumes that this is a new page table directory that needs
// bootstapping. In such a case, a temporary mapping is established so that
// Init can:
//   - call mem.Memset to clear the frame contents
//   - setup a recursive mapping for the last table entry to the page itself
//   - copy the kernel-half directory entries from the active PDT so the new
//     address space shares the kernel mappings.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	// Check active PDT physical address. If it matches the input pdt then
	// nothing more needs to be done
	activePdtAddr := activePDTFn()
	if pdtFrame.Address() == activePdtAddr {
		return nil
	}

	// Create a temporary mapping for the pdt frame so we can work on it
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	// Clear the page contents and setup recursive mapping for the last PDT entry
	mem.Memset(pdtPage.Address(), 0, mem.PageSize)

	newTable := (*[pageTableEntryCount]pageTableEntry)(unsafe.Pointer(pdtPage.Address()))
	lastPdtEntry := &newTable[pageTableEntryCount-1]
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	// Copy the kernel-half entries from the active PDT. The recursive
	// mapping exposes the active directory at pdtVirtualAddr.
	activeTable := (*[pageTableEntryCount]pageTableEntry)(ptePtrFn(pdtVirtualAddr))
	for entryIndex := kernelPDEIndex; entryIndex < pageTableEntryCount-1; entryIndex++ {
		newTable[entryIndex] = activeTable[entryIndex]
	}

	// Remove temporary mapping
	unmapFn(pdtPage)

	return nil
}

// spliceTarget temporarily redirects the recursive slot of the active PDT to
// this table so the standard walk-based helpers can operate on an inactive
// directory. It returns the entry address to restore and the frame of the
// previously active PDT, or spliced=false when this PDT is already active.
//
// The active directory's last entry is patched through the identity mapping
// that the boot stub installs for the kernel-owned low physical window; PDT
// frames are always allocated from that window.
func (pdt PageDirectoryTable) spliceTarget() (lastPdtEntryAddr uintptr, activePdtFrame pmm.Frame, spliced bool) {
	activePdtFrame = pmm.Frame(activePDTFn() >> mem.PageShift)
	if activePdtFrame == pdt.pdtFrame {
		return 0, activePdtFrame, false
	}

	lastPdtEntryAddr = activePdtFrame.Address() + ((pageTableEntryCount - 1) << mem.PointerShift)
	lastPdtEntry := (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
	lastPdtEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(lastPdtEntryAddr)
	return lastPdtEntryAddr, activePdtFrame, true
}

// spliceRestore undoes a previous spliceTarget call.
func (pdt PageDirectoryTable) spliceRestore(lastPdtEntryAddr uintptr, activePdtFrame pmm.Frame) {
	lastPdtEntry := (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
	lastPdtEntry.SetFrame(activePdtFrame)
	flushTLBEntryFn(lastPdtEntryAddr)
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using this PDT. This method behaves in a similar fashion to the global Map()
// function with the difference that it also supports inactive page PDTs by
// temporarily pointing the recursive slot of the active PDT at this table
// (see spliceTarget) so that Map() can access the inactive PDT entries.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	spliceAddr, activeFrame, spliced := pdt.spliceTarget()

	err := mapFn(page, frame, flags)

	if spliced {
		pdt.spliceRestore(spliceAddr, activeFrame)
	}

	return err
}

// Unmap removes a mapping previously installed by a call to Map() on this PDT
// and returns the frame that backed it. This method behaves in a similar
// fashion to the global Unmap() function with the difference that it also
// supports inactive page PDTs.
func (pdt PageDirectoryTable) Unmap(page Page) (pmm.Frame, *kernel.Error) {
	spliceAddr, activeFrame, spliced := pdt.spliceTarget()

	frame, err := unmapFn(page)

	if spliced {
		pdt.spliceRestore(spliceAddr, activeFrame)
	}

	return frame, err
}

// Translate returns the physical address that the supplied virtual address
// maps to in this PDT, even when the PDT is not currently active.
func (pdt PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	spliceAddr, activeFrame, spliced := pdt.spliceTarget()

	physAddr, err := translateFn(virtAddr)

	if spliced {
		pdt.spliceRestore(spliceAddr, activeFrame)
	}

	return physAddr, err
}

// Activate enables this page directory table and flushes the TLB
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
