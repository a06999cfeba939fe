package vmm

import (
	"testing"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
)

func TestNextAddrFn(t *testing.T) {
	// Dummy test to keep coverage happy
	if exp, got := uintptr(123), nextAddrFn(uintptr(123)); exp != got {
		t.Fatalf("expected nextAddrFn to return %v; got %v", exp, got)
	}
}

func TestMapTemporary(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
		frameAllocator = nil
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
	nextPhysPage := 0

	// the frame allocator returns pages from index 1; we keep index 0 for
	// the page directory
	SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
		nextPhysPage++
		pageAddr := unsafe.Pointer(&physPages[nextPhysPage][0])
		return pmm.Frame(uintptr(pageAddr) >> mem.PageShift), nil
	})

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		// The last 12 bits encode the page table offset in bytes
		// which we need to convert to an entry index
		pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
		return unsafe.Pointer(&physPages[pteCallCount-1][pteIndex])
	}

	nextAddrFn = func(entry uintptr) uintptr {
		return uintptr(unsafe.Pointer(&physPages[nextPhysPage][0]))
	}

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) {
		flushTLBEntryCallCount++
	}

	// The temporary mapping address breaks down to:
	// page directory index: 1022
	// page table index: 1023
	frame := pmm.Frame(123)
	levelIndices := []uint{1022, 1023}

	page, err := MapTemporary(frame)
	if err != nil {
		t.Fatal(err)
	}

	if got := page.Address(); got != tempMappingAddr {
		t.Fatalf("expected temp mapping virtual address to be %x; got %x", tempMappingAddr, got)
	}

	for level, physPage := range physPages {
		pte := physPage[levelIndices[level]]
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[pte at level %d] expected entry to have FlagPresent and FlagRW set", level)
		}

		switch {
		case level < pageLevels-1:
			if exp, got := pmm.Frame(uintptr(unsafe.Pointer(&physPages[level+1][0]))>>mem.PageShift), pte.Frame(); got != exp {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, exp, got)
			}
		default:
			// The last pte entry should point to frame
			if got := pte.Frame(); got != frame {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, frame, got)
			}
		}
	}

	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

func TestMapErrors(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
		frameAllocator = nil
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	// The temporary mapping address uses page directory index 1022
	pdIndex := 1022
	frame := pmm.Frame(123)

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][pdIndex].SetFlags(FlagPresent | FlagHugePage)

		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}

		if _, err := MapTemporary(frame); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("out of memory allocating page table", func(t *testing.T) {
		physPages[0][pdIndex] = 0

		expErr := &kernel.Error{Module: "test", Message: "out of memory"}
		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			return 0, expErr
		})

		if _, err := MapTemporary(frame); err != expErr {
			t.Fatalf("got unexpected error %v", err)
		}
	})

	t.Run("no frame allocator registered", func(t *testing.T) {
		physPages[0][pdIndex] = 0
		frameAllocator = nil

		if _, err := MapTemporary(frame); err != errNoFrameAllocator {
			t.Fatalf("expected to get errNoFrameAllocator; got %v", err)
		}
	})

	t.Run("existing mappings are not overwritten", func(t *testing.T) {
		flushTLBEntryFn = func(uintptr) {}

		for level := 0; level < pageLevels; level++ {
			physPages[level][pdIndex].SetFlags(FlagPresent)
		}

		pteCallCount := 0
		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			level := pteCallCount
			pteCallCount++
			return unsafe.Pointer(&physPages[level][pdIndex])
		}

		page := PageFromAddress(uintptr(pdIndex) << pageLevelShifts[0])
		if err := Map(page, frame, FlagRW); err != ErrMappingExists {
			t.Fatalf("expected to get ErrMappingExists; got %v", err)
		}
	})

	t.Run("null page is never mapped", func(t *testing.T) {
		if err := Map(PageFromAddress(mem.NullPageAddr), frame, FlagRW); err != ErrNullPageMapping {
			t.Fatalf("expected to get ErrNullPageMapping; got %v", err)
		}
	})
}

func TestUnmap(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, flushTLBEntryFn)

	var (
		physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry
		frame     = pmm.Frame(123)
	)

	// Emulate a mapping for the second page of the address space across
	// all page levels. (The first page is the null page which can never
	// be mapped.)
	physPages[0][0].SetFlags(FlagPresent | FlagRW)
	physPages[0][0].SetFrame(pmm.Frame(uintptr(unsafe.Pointer(&physPages[1][0])) >> mem.PageShift))
	physPages[1][1].SetFlags(FlagPresent | FlagRW)
	physPages[1][1].SetFrame(frame)

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		level := pteCallCount
		pteCallCount++
		pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
		return unsafe.Pointer(&physPages[level][pteIndex])
	}

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) {
		flushTLBEntryCallCount++
	}

	unmappedFrame, err := Unmap(PageFromAddress(uintptr(mem.PageSize)))
	if err != nil {
		t.Fatal(err)
	}

	if unmappedFrame != frame {
		t.Fatalf("expected Unmap to return frame %d; got %d", frame, unmappedFrame)
	}

	if pte := physPages[1][1]; pte.HasFlags(FlagPresent) {
		t.Error("expected unmapped entry not to have FlagPresent set")
	}

	if pte := physPages[0][0]; !pte.HasFlags(FlagPresent) {
		t.Error("expected page directory entry to retain FlagPresent")
	}

	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

func TestUnmapErrors(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr)) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn)

	var physPages [pageLevels][mem.PageSize >> mem.PointerShift]pageTableEntry

	t.Run("encounter huge page", func(t *testing.T) {
		physPages[0][0].SetFlags(FlagPresent | FlagHugePage)

		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			pteIndex := (entry & uintptr(mem.PageSize-1)) >> mem.PointerShift
			return unsafe.Pointer(&physPages[0][pteIndex])
		}

		if _, err := Unmap(PageFromAddress(0)); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("virtual address not mapped", func(t *testing.T) {
		physPages[0][0].ClearFlags(FlagPresent)

		if _, err := Unmap(PageFromAddress(0)); err != ErrInvalidMapping {
			t.Fatalf("expected to get ErrInvalidMapping; got %v", err)
		}
	})
}
