package vmm

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/cpu"
	"github.com/corvid-systems/corvid/kernel/driver/video/console"
	"github.com/corvid-systems/corvid/kernel/hal"
	"github.com/corvid-systems/corvid/kernel/irq"
	"github.com/corvid-systems/corvid/kernel/kfmt"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
)

// alignedBuf returns a page-aligned buffer of one page.
func alignedBuf() []byte {
	buf := make([]byte, 2*mem.PageSize)
	offset := uintptr(unsafe.Pointer(&buf[0])) & uintptr(mem.PageSize-1)
	if offset != 0 {
		buf = buf[uintptr(mem.PageSize)-offset:]
	}
	return buf[:mem.PageSize]
}

func TestRecoverablePageFault(t *testing.T) {
	var (
		frame       irq.Frame
		regs        irq.Regs
		panicCalled bool
		pageEntry   pageTableEntry
		origPage    = alignedBuf()
		clonedPage  = alignedBuf()
		err         = &kernel.Error{Module: "test", Message: "something went wrong"}
	)

	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
		panicFn = kfmt.Panic
		readCR2Fn = cpu.ReadCR2
		frameAllocator = nil
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		flushTLBEntryFn = flushTLBEntry
		dumpInstructionContextFn = func(uintptr) {}
	}(ptePtrFn)

	specs := []struct {
		pteFlags   PageTableEntryFlag
		allocError *kernel.Error
		mapError   *kernel.Error
		expPanic   bool
	}{
		// Page is present but CoW flag not set
		{FlagPresent, nil, nil, true},
		// Page is present with CoW flag set but allocating a page copy fails
		{FlagPresent | FlagCopyOnWrite, err, nil, true},
		// Page is present with CoW flag set but mapping the page copy fails
		{FlagPresent | FlagCopyOnWrite, nil, err, true},
		// Page is present with CoW flag set
		{FlagPresent | FlagCopyOnWrite, nil, nil, false},
	}

	mockTTY()

	panicFn = func(_ interface{}) {
		panicCalled = true
	}
	dumpInstructionContextFn = func(uintptr) {}

	ptePtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(&pageEntry) }
	readCR2Fn = func() uintptr { return uintptr(unsafe.Pointer(&origPage[0])) }
	unmapFn = func(_ Page) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, nil }
	flushTLBEntryFn = func(_ uintptr) {}

	for specIndex, spec := range specs {
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), spec.mapError }
		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			addr := uintptr(unsafe.Pointer(&clonedPage[0]))
			return pmm.Frame(addr >> mem.PageShift), spec.allocError
		})

		for i := 0; i < len(origPage); i++ {
			origPage[i] = byte(i % 256)
			clonedPage[i] = 0
		}

		panicCalled = false
		pageEntry = 0
		pageEntry.SetFlags(spec.pteFlags)
		// Point the entry at a frame other than the zeroed frame so the
		// handler takes the copy path.
		pageEntry.SetFrame(pmm.Frame(42))

		pageFaultHandler(3, &frame, &regs)

		if spec.expPanic != panicCalled {
			t.Errorf("[spec %d] expected panic %t; got %t", specIndex, spec.expPanic, panicCalled)
		}

		if !spec.expPanic {
			for i := 0; i < len(origPage); i++ {
				if origPage[i] != clonedPage[i] {
					t.Errorf("[spec %d] expected clone page to be a copy of the original page; mismatch at index %d", specIndex, i)
					break
				}
			}

			if pageEntry.HasFlags(FlagCopyOnWrite) || !pageEntry.HasFlags(FlagRW) {
				t.Errorf("[spec %d] expected the CoW flag to be swapped for RW", specIndex)
			}
		}
	}
}

func TestLazyFaultDispatch(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
		panicFn = kfmt.Panic
		readCR2Fn = cpu.ReadCR2
		dumpInstructionContextFn = func(uintptr) {}
		currentAddressSpace = nil
	}(ptePtrFn)

	mockTTY()

	var pageEntry pageTableEntry

	panicCalled := false
	panicFn = func(_ interface{}) { panicCalled = true }
	dumpInstructionContextFn = func(uintptr) {}
	ptePtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(&pageEntry) }
	readCR2Fn = func() uintptr { return userAllocBase + 0x1234 }

	// A fault on a non-present page with no current address space is
	// fatal.
	currentAddressSpace = nil
	pageFaultHandler(0, &irq.Frame{}, &irq.Regs{})
	if !panicCalled {
		t.Fatal("expected a fault without a current address space to panic")
	}

	// With a current address space the fault is routed to the segment
	// driver which recovers it.
	faultCalled := false
	recoveringDriver := &SegmentDriver{
		Name: "test",
		Fault: func(as *AddressSpace, seg *Segment, faultAddr uintptr, errorCode uint32) *kernel.Error {
			faultCalled = true
			return nil
		},
	}

	as := &AddressSpace{}
	seg := &Segment{Start: userAllocBase, Size: mem.PageSize * 16, Flags: SegRead | SegWrite, drv: recoveringDriver}
	as.linkLocked(seg)

	currentAddressSpace = as
	panicCalled = false
	pageFaultHandler(0, &irq.Frame{}, &irq.Regs{})

	if !faultCalled {
		t.Fatal("expected the fault to be routed to the segment driver")
	}
	if panicCalled {
		t.Fatal("expected the fault to be recovered")
	}
}

func TestNonRecoverablePageFault(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
		dumpInstructionContextFn = func(uintptr) {}
	}()

	specs := []struct {
		errCode   uint32
		expReason string
	}{
		{0, "read from non-present page"},
		{1, "page protection violation (read)"},
		{2, "write to non-present page"},
		{3, "page protection violation (write)"},
		{4, "page-fault in user-mode"},
		{8, "page table has reserved bit set"},
		{16, "instruction fetch"},
		{0xf00, "unknown"},
	}

	var (
		regs  irq.Regs
		frame irq.Frame
	)

	panicCalled := false
	panicFn = func(_ interface{}) {
		panicCalled = true
	}
	dumpInstructionContextFn = func(uintptr) {}

	for specIndex, spec := range specs {
		fb := mockTTY()
		panicCalled = false

		nonRecoverablePageFault(0xbadf00d, spec.errCode, &frame, &regs, nil)
		if got := readTTY(fb); !strings.Contains(got, spec.expReason) {
			t.Errorf("[spec %d] expected reason %q; got output:\n%q", specIndex, spec.expReason, got)
			continue
		}

		if !panicCalled {
			t.Errorf("[spec %d] expected kernel panic", specIndex)
		}
	}
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
		readCR2Fn = cpu.ReadCR2
	}()

	var (
		regs  irq.Regs
		frame irq.Frame
		fb    = mockTTY()
	)

	readCR2Fn = func() uintptr {
		return 0xbadf00d
	}

	panicCalled := false
	panicFn = func(_ interface{}) {
		panicCalled = true
	}

	generalProtectionFaultHandler(0, &frame, &regs)

	exp := "\nGeneral protection fault while accessing address: 0xbadf00d\nRegisters:\nEAX = 00000000 EBX = 00000000\nECX = 00000000 EDX = 00000000\nESI = 00000000 EDI = 00000000\nEBP = 00000000\nEIP = 00000000 CS  = 00000000\nESP = 00000000 SS  = 00000000\nEFL = 00000000"
	if got := readTTY(fb); got != exp {
		t.Errorf("expected output:\n%q\ngot:\n%q", exp, got)
	}

	if !panicCalled {
		t.Error("expected a kernel panic")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		frameAllocator = nil
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		handleExceptionWithCodeFn = irq.HandleExceptionWithCode
		protectReservedZeroedPage = false
	}()

	// reserve space for an allocated page
	reservedPage := alignedBuf()

	t.Run("success", func(t *testing.T) {
		// fill page with junk
		for i := 0; i < len(reservedPage); i++ {
			reservedPage[i] = byte(i % 256)
		}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			addr := uintptr(unsafe.Pointer(&reservedPage[0]))
			return pmm.Frame(addr >> mem.PageShift), nil
		})
		unmapFn = func(p Page) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, nil }
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), nil }
		handleExceptionWithCodeFn = func(_ irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {}

		if err := Init(); err != nil {
			t.Fatal(err)
		}

		// reserved page should be zeroed
		for i := 0; i < len(reservedPage); i++ {
			if reservedPage[i] != 0 {
				t.Errorf("expected reserved page to be zeroed; got byte %d at index %d", reservedPage[i], i)
				break
			}
		}
	})

	t.Run("blank page allocation error", func(t *testing.T) {
		protectReservedZeroedPage = false
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr })
		unmapFn = func(p Page) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, nil }
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), nil }
		handleExceptionWithCodeFn = func(_ irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {}

		if err := Init(); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})

	t.Run("blank page mapping error", func(t *testing.T) {
		protectReservedZeroedPage = false
		expErr := &kernel.Error{Module: "test", Message: "map failed"}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			addr := uintptr(unsafe.Pointer(&reservedPage[0]))
			return pmm.Frame(addr >> mem.PageShift), nil
		})
		unmapFn = func(p Page) (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, nil }
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), expErr }
		handleExceptionWithCodeFn = func(_ irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {}

		if err := Init(); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})
}

func readTTY(fb []byte) string {
	var buf bytes.Buffer
	for i := 0; i < len(fb); i += 2 {
		ch := fb[i]
		if ch == 0 {
			if i+2 < len(fb) && fb[i+2] != 0 {
				buf.WriteByte('\n')
			}
			continue
		}

		buf.WriteByte(ch)
	}

	return buf.String()
}

func mockTTY() []byte {
	// Mock a tty to handle both the early.Printf and kfmt.Printf output
	// emitted by the fault handlers.
	mockConsoleFb := make([]byte, 160*25)
	mockConsole := &console.Ega{}
	mockConsole.Init(80, 25, uintptr(unsafe.Pointer(&mockConsoleFb[0])))
	hal.ActiveTerminal.AttachTo(mockConsole)
	kfmt.SetOutputSink(hal.ActiveTerminal)

	return mockConsoleFb
}
