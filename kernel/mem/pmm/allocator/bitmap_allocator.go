package allocator

import (
	"reflect"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/hal/multiboot"
	"github.com/corvid-systems/corvid/kernel/kfmt/early"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
	"github.com/corvid-systems/corvid/kernel/sync"
)

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages.
	FrameAllocator BitmapAllocator

	// The following functions are used by tests to mock calls to the vmm package
	// and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errBitmapAllocOutOfMemory  = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Kind: kernel.ErrNoMem}
	errBitmapAllocInvalidSize  = &kernel.Error{Module: "bitmap_alloc", Message: "allocation size must be a non-zero multiple of the page size", Kind: kernel.ErrInval}
	errBitmapAllocInvalidFrame = &kernel.Error{Module: "bitmap_alloc", Message: "frame does not belong to any available memory pool", Kind: kernel.ErrInval}
)

// AllocFlag controls the scan window used when reserving a run of frames.
type AllocFlag uint8

// AllocKernel constrains an allocation to the kernel-owned low physical
// window so the run can be used for structures that legacy devices address
// with bounded physical bits (e.g. ISA DMA buffers).
const AllocKernel AllocFlag = 1 << 0

// kernelWindowEndFrame bounds the physical range used for AllocKernel
// requests to the first 16MiB.
const kernelWindowEndFrame = pmm.Frame(0x1000000 >> mem.PageShift)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	// lock guards the pool bitmaps and counters. Frames are also released
	// from interrupt-driven paths (a CoW fault dropping the last
	// reference) so the IRQ-saving acquire variant is used throughout.
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader

	descTableHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the early bootmem
// allocator and flags any allocated pages as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	if err := alloc.setupDescriptorTable(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupPoolBitmaps uses the early allocator and vmm region reservation helper
// to initialize the list of available pools and their free bitmap slices.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		requiredBitmapBytes mem.Size
	)

	// Detect available memory regions and calculate their pool bitmap
	// requirements.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame, regionEndFrame, usable := clampRegion(region.PhysAddress, region.Length)
		if !usable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// To represent the free page bitmap we need pageCount bits. Since our
		// slice uses uint64 for storing the bitmap we need to round up the
		// required bits so they are a multiple of 64 bits
		requiredBitmapBytes += mem.Size(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	// Reserve enough pages to hold the allocator state
	pageSizeMinus1 := mem.Size(mem.PageSize - 1)
	requiredBytes := (mem.Size(uintptr(alloc.poolsHdr.Len)*sizeofPool) + requiredBitmapBytes + pageSizeMinus1) & ^pageSizeMinus1

	alloc.poolsHdr.Data, err = reserveAndMapRegion(requiredBytes)
	if err != nil {
		return err
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Run a second pass to initialize the free bitmap slices for all pools
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame, regionEndFrame, usable := clampRegion(region.PhysAddress, region.Length)
		if !usable {
			return true
		}

		bitmapBytes := uintptr(((uint32(regionEndFrame-regionStartFrame+1) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// setupDescriptorTable carves out, maps and primes the per-frame descriptor
// table covering every frame up to the highest pool frame, then hands it to
// the pmm package.
func (alloc *BitmapAllocator) setupDescriptorTable() *kernel.Error {
	if len(alloc.pools) == 0 {
		return nil
	}

	var (
		err       *kernel.Error
		maxFrame  = alloc.pools[len(alloc.pools)-1].endFrame
		descCount = uintptr(maxFrame) + 1
		sizeofPD  = unsafe.Sizeof(pmm.PageDesc{})
	)

	pageSizeMinus1 := mem.Size(mem.PageSize - 1)
	requiredBytes := (mem.Size(descCount*sizeofPD) + pageSizeMinus1) & ^pageSizeMinus1

	alloc.descTableHdr.Len = int(descCount)
	alloc.descTableHdr.Cap = alloc.descTableHdr.Len
	alloc.descTableHdr.Data, err = reserveAndMapRegion(requiredBytes)
	if err != nil {
		return err
	}

	pmm.SetDescriptorTable(*(*[]pmm.PageDesc)(unsafe.Pointer(&alloc.descTableHdr)))

	// Frames outside the pools (BIOS areas, MMIO holes) are permanently
	// unavailable; pool frames start out free.
	var frame pmm.Frame
	for _, pool := range alloc.pools {
		for ; frame < pool.startFrame; frame++ {
			pmm.InitDescriptor(frame, false)
		}
		for ; frame <= pool.endFrame; frame++ {
			pmm.InitDescriptor(frame, true)
		}
	}

	return nil
}

// reserveAndMapRegion reserves a page-aligned virtual region of the given
// size, backs it with early-allocated frames and zeroes its contents.
func reserveAndMapRegion(size mem.Size) (uintptr, *kernel.Error) {
	regionAddr, err := reserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	requiredPages := size >> mem.PageShift
	for page, index := vmm.PageFromAddress(regionAddr), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return 0, err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return 0, err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	return regionAddr, nil
}

// markFrame updates the reservation flag for the bitmap entry that corresponds
// to the supplied frame, together with the frame's descriptor.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
		pmm.MarkFree(frame)
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
		pmm.MarkAllocated(frame)
	}
}

// frameIsFree returns true if the bitmap entry for the supplied frame is not
// flagged as reserved.
func (alloc *BitmapAllocator) frameIsFree(poolIndex int, frame pmm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask == 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// reserveKernelFrames marks as reserved the bitmap entries for the frames
// occupied by the kernel image.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	// Flag frames used by kernel image as reserved. Since the kernel must
	// occupy a contiguous memory block we assume that all its frames will
	// fall into one of the available memory pools
	poolIndex := alloc.poolForFrame(earlyAllocator.kernelStartFrame)
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames marks as reserved the bitmap entries for the frames
// already allocated by the early allocator.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	// We now need to decomission the early allocator by flagging all frames
	// allocated by it as reserved. The allocator itself does not track
	// individual frames but only a counter of allocated frames. To get
	// the list of frames we reset its internal state and "replay" the
	// allocation requests to get the correct frames.
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		alloc.markFrame(
			alloc.poolForFrame(frame),
			frame,
			markReserved,
		)
	}
}

func (alloc *BitmapAllocator) printStats() {
	early.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame reserves and returns the first available frame. The scan
// prefers the lowest-numbered free frame so physical memory fills from the
// bottom up.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	flags := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(flags)

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		fullBlock := uint64(^uint64(0))
		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == fullBlock {
				continue
			}

			// Scan the block top to bottom; bit 63 maps to the lowest
			// relative frame in the block.
			for bitIndex := 0; bitIndex < 64; bitIndex++ {
				mask := uint64(1 << (63 - bitIndex))
				if block&mask != 0 {
					continue
				}

				frame := alloc.pools[poolIndex].startFrame + pmm.Frame(blockIndex<<6+bitIndex)
				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// AllocPages reserves a physically contiguous, page-aligned run of frames
// that spans size bytes and returns its first frame. size must be a non-zero
// multiple of the page size. Passing AllocKernel constrains the run to the
// kernel-owned low physical window. The scan is first-fit with the lowest
// eligible frame number winning ties.
func (alloc *BitmapAllocator) AllocPages(size mem.Size, allocFlags AllocFlag) (pmm.Frame, *kernel.Error) {
	if size == 0 || size&(mem.PageSize-1) != 0 {
		return pmm.InvalidFrame, errBitmapAllocInvalidSize
	}

	var (
		pageCount  = pmm.Frame(size >> mem.PageShift)
		frameLimit = pmm.InvalidFrame
	)
	if allocFlags&AllocKernel != 0 {
		frameLimit = kernelWindowEndFrame
	}

	flags := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(flags)

	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < uint32(pageCount) || pool.startFrame >= frameLimit {
			continue
		}

		poolEnd := pool.endFrame
		if poolEnd >= frameLimit {
			poolEnd = frameLimit - 1
		}

		var runLen pmm.Frame
		for frame := pool.startFrame; frame <= poolEnd; frame++ {
			if !alloc.frameIsFree(poolIndex, frame) {
				runLen = 0
				continue
			}

			if runLen++; runLen == pageCount {
				runStart := frame - pageCount + 1
				for markFrame := runStart; markFrame <= frame; markFrame++ {
					alloc.markFrame(poolIndex, markFrame, markReserved)
				}
				return runStart, nil
			}
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreePages releases a run of frames previously returned by AllocPages by
// dropping one reference from each frame in the run. Frames whose reference
// count reaches zero return to the free pool.
func (alloc *BitmapAllocator) FreePages(startFrame pmm.Frame, size mem.Size) *kernel.Error {
	if size == 0 || size&(mem.PageSize-1) != 0 {
		return errBitmapAllocInvalidSize
	}

	if alloc.poolForFrame(startFrame) == -1 {
		return errBitmapAllocInvalidFrame
	}

	for pageCount := size >> mem.PageShift; pageCount > 0; pageCount, startFrame = pageCount-1, startFrame+1 {
		pmm.PagePut(startFrame)
	}

	return nil
}

// releaseFrame returns a single frame to the free pool. It is registered as
// the pmm release callback and runs whenever a frame's reference count
// drops to zero.
func (alloc *BitmapAllocator) releaseFrame(frame pmm.Frame) {
	flags := alloc.lock.AcquireIRQSave()
	defer alloc.lock.ReleaseIRQRestore(flags)

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		early.Printf("[bitmap_alloc] attempt to release frame %d outside any pool\n", uint64(frame))
		return
	}

	if alloc.frameIsFree(poolIndex, frame) {
		early.Printf("[bitmap_alloc] attempt to release frame %d which is already free\n", uint64(frame))
		return
	}

	alloc.markFrame(poolIndex, frame, markFree)
}

// earlyAllocFrame is a helper that delegates a frame allocation request to the
// early allocator instance. This function is passed as an argument to
// vmm.SetFrameAllocator instead of earlyAllocator.AllocFrame. The latter
// confuses the compiler's escape analysis into thinking that
// earlyAllocator.Frame escapes to heap.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// bitmapAllocFrame delegates single-frame allocation requests to the bitmap
// allocator instance once it has been initialized.
func bitmapAllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// AllocFrame reserves the first available frame using the active frame
// allocator instance.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// AllocPages reserves a physically contiguous run of frames spanning size
// bytes using the active frame allocator instance.
func AllocPages(size mem.Size, flags AllocFlag) (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocPages(size, flags)
}

// FreePages releases a run of frames previously reserved via AllocPages.
func FreePages(startFrame pmm.Frame, size mem.Size) *kernel.Error {
	return FrameAllocator.FreePages(startFrame, size)
}

// Init sets up the kernel physical memory allocation sub-system.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame)
	if err := FrameAllocator.init(); err != nil {
		return err
	}

	pmm.SetReleaseFrameFn(FrameAllocator.releaseFrame)
	vmm.SetFrameAllocator(bitmapAllocFrame)
	return nil
}
