package vmm

import (
	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/cpu"
	"github.com/corvid-systems/corvid/kernel/debug"
	"github.com/corvid-systems/corvid/kernel/irq"
	"github.com/corvid-systems/corvid/kernel/kfmt"
	"github.com/corvid-systems/corvid/kernel/kfmt/early"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// earlyReserveRegionFn is used by tests and is automatically inlined
	// by the compiler.
	earlyReserveRegionFn = EarlyReserveRegion

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                   = kfmt.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	dumpInstructionContextFn  = debug.DumpInstructionContext
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// Page fault error code bits.
const (
	pfPresent = uint32(1 << 0)
	pfWrite   = uint32(1 << 1)
	pfUser    = uint32(1 << 2)
)

func pageFaultHandler(errorCode uint32, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = readCR2Fn()
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// A write to a present read-only page flagged CoW is recoverable: the
	// entry either points at the shared zero frame (lazy allocation) or
	// at a frame shared with another address space (fork).
	if errorCode&pfWrite != 0 && pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		if err := copyOnWrite(pageEntry, faultPage); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		}
		return
	}

	// Non-present faults are routed to the segment that owns the address;
	// its driver materializes the missing page.
	if pageEntry == nil {
		if as := CurrentAddressSpace(); as != nil {
			if err := as.handleFault(faultAddress, errorCode); err == nil {
				return
			}
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, nil)
}

// copyOnWrite installs a private writable copy of the frame behind pageEntry.
// A frame whose reference count has dropped back to one (the peer copied
// first) is upgraded in place instead of being copied.
func copyOnWrite(pageEntry *pageTableEntry, faultPage Page) *kernel.Error {
	origFrame := pageEntry.Frame()

	if origFrame != ReservedZeroedFrame {
		if desc := pmm.Descriptor(origFrame); desc != nil && desc.RefCount() == 1 {
			desc.ClearFlags(pmm.PageCoW)
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			flushTLBEntryFn(faultPage.Address())
			return nil
		}
	}

	if frameAllocator == nil {
		return errNoFrameAllocator
	}

	copyFrame, err := frameAllocator()
	if err != nil {
		return err
	}

	tmpPage, err := mapTemporaryFn(copyFrame)
	if err != nil {
		return err
	}

	// Copy page contents, then update the mapping to point to the new
	// frame with the CoW flag cleared and RW set.
	mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
	unmapFn(tmpPage)

	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(copyFrame)
	flushTLBEntryFn(faultPage.Address())

	if origFrame != ReservedZeroedFrame {
		pmm.PagePut(origFrame)
	}

	return nil
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint32, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	early.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		early.Printf("read from non-present page")
	case errorCode == 1:
		early.Printf("page protection violation (read)")
	case errorCode == 2:
		early.Printf("write to non-present page")
	case errorCode == 3:
		early.Printf("page protection violation (write)")
	case errorCode == 4:
		early.Printf("page-fault in user-mode")
	case errorCode == 8:
		early.Printf("page table has reserved bit set")
	case errorCode == 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()
	dumpInstructionContextFn(uintptr(frame.EIP))

	panicFn(err)
}

func generalProtectionFaultHandler(_ uint32, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	early.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panicFn(nil)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm system and installs paging-related exception
// handlers.
func Init() *kernel.Error {
	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
