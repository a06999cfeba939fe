// Package slab implements an object cache allocator in the style of the
// SunOS slab allocator. Objects of a fixed size are handed out in constant
// time from per-cache slabs; freed objects keep their constructed state so
// the constructor runs at most once per object for the lifetime of its slab.
package slab

import (
	"sync/atomic"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/pmm"
	"github.com/corvid-systems/corvid/kernel/mem/pmm/allocator"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
	"github.com/corvid-systems/corvid/kernel/sync"
)

const (
	// largeObjectThreshold is the object size at or above which a cache
	// stores its bufctls externally. Inline bufctls for large objects
	// would waste most of each slab page.
	largeObjectThreshold = mem.PageSize / 8

	// largeSlabObjects is the target number of objects per slab for
	// large caches.
	largeSlabObjects = 4
)

var (
	errCacheInvalidSize  = &kernel.Error{Module: "slab", Message: "object size must be greater than zero", Kind: kernel.ErrInval}
	errCacheInvalidAlign = &kernel.Error{Module: "slab", Message: "alignment must be a power of two", Kind: kernel.ErrInval}

	// ErrNotCacheObject is returned when freeing a pointer that was not
	// handed out by the cache.
	ErrNotCacheObject = &kernel.Error{Module: "slab", Message: "pointer does not reference an object of this cache", Kind: kernel.ErrInval}

	// slabPageAllocFn and slabPageFreeFn are mocked by tests; the default
	// implementations carve slab backing out of physically contiguous
	// frame runs mapped into the kernel address space.
	slabPageAllocFn = slabPageAlloc
	slabPageFreeFn  = slabPageFree
)

// CtorFn initializes a freshly created object.
type CtorFn func(unsafe.Pointer)

// DtorFn tears down an object before its slab is reclaimed.
type DtorFn func(unsafe.Pointer)

// bufctl tracks one object slot. For small caches the bufctl lives inside
// the slot itself and only the next link is used; for large caches bufctls
// come from a dedicated cache and also record the object address and the
// owning slab.
type bufctl struct {
	next    *bufctl
	objAddr uintptr
	owner   *slabHeader
}

// slabHeader describes one slab: a run of pages carved into object slots.
// For small caches the header sits at the end of the slab page; for large
// caches it is allocated from a dedicated cache.
type slabHeader struct {
	cache *Cache

	// virtBase is the virtual address of the slab backing; base points
	// to the first object slot (virtBase plus the cache coloring offset
	// chosen for this slab).
	virtBase uintptr
	base     uintptr

	// physBase records the physical address of the slab backing so it
	// can be returned to the frame allocator.
	physBase uintptr

	// refCount is the number of objects handed out from this slab.
	refCount uint32

	freeList *bufctl

	prev, next *slabHeader
}

// Cache is a named allocator for objects of one size. The three slab lists
// partition the cache's slabs by occupancy: full slabs have no free slots,
// partial slabs have both, free slabs have all slots available.
type Cache struct {
	lock sync.Spinlock

	name string

	objSize     mem.Size
	objRealSize mem.Size
	align       mem.Size

	ctor CtorFn
	dtor DtorFn

	// large is set when bufctls are stored externally and located via
	// the bufctl hash table.
	large bool

	// slabBytes is the backing size of each slab in this cache.
	slabBytes mem.Size

	objsPerSlab uint32

	// colorNext cycles through the unused space at the head of each new
	// slab so object starts spread across cache lines.
	colorNext  mem.Size
	colorRange mem.Size

	full, partial, free *slabHeader

	// next links the cache into the global cache registry.
	next *Cache
}

// bufctlSize is the per-slot overhead for inline bufctls.
var bufctlSize = mem.Size(unsafe.Sizeof(bufctl{}))

// initCache computes the slab geometry for a cache. It is shared by New and
// the bootstrap path that primes the statically allocated caches.
func initCache(c *Cache, name string, objSize, align mem.Size, ctor CtorFn, dtor DtorFn) *kernel.Error {
	if objSize == 0 {
		return errCacheInvalidSize
	}
	if align == 0 {
		align = mem.Size(unsafe.Alignof(uintptr(0)))
	}
	if align&(align-1) != 0 {
		return errCacheInvalidAlign
	}

	c.name = name
	c.objSize = objSize
	c.align = align
	c.ctor = ctor
	c.dtor = dtor
	c.large = objSize >= largeObjectThreshold

	if c.large {
		c.objRealSize = (objSize + (align - 1)) & ^(align - 1)
		c.slabBytes = (c.objRealSize*largeSlabObjects + (mem.PageSize - 1)) & ^(mem.PageSize - 1)
		c.objsPerSlab = uint32(c.slabBytes / c.objRealSize)
		c.colorRange = c.slabBytes % c.objRealSize
	} else {
		c.objRealSize = (objSize + bufctlSize + (align - 1)) & ^(align - 1)
		c.slabBytes = mem.PageSize

		usable := c.slabBytes - mem.Size(unsafe.Sizeof(slabHeader{}))
		c.objsPerSlab = uint32(usable / c.objRealSize)
		c.colorRange = usable % c.objRealSize
	}

	if c.objsPerSlab == 0 {
		return errCacheInvalidSize
	}

	return nil
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// ObjSize returns the object size the cache was created with.
func (c *Cache) ObjSize() mem.Size {
	return c.objSize
}

// Alloc returns an initialized object from the cache.
func (c *Cache) Alloc() (unsafe.Pointer, *kernel.Error) {
	flags := c.lock.AcquireIRQSave()

	s := c.pickSlabLocked()
	for s == nil {
		// Growing the cache allocates backing pages through the frame
		// allocator and the kernel address space. Those locks order
		// above the cache lock, so the lock is dropped for the
		// duration of the grow and the lists are re-checked once it is
		// re-acquired.
		color := c.nextColorLocked()
		c.lock.ReleaseIRQRestore(flags)

		grown, err := c.grow(color)
		if err != nil {
			return nil, err
		}

		flags = c.lock.AcquireIRQSave()
		listInsert(&c.free, grown)
		s = c.pickSlabLocked()
	}

	b := s.freeList
	s.freeList = b.next
	b.next = nil
	atomic.AddUint32(&s.refCount, 1)

	if s.freeList == nil {
		listRemove(&c.partial, s)
		listInsert(&c.full, s)
	}

	var objAddr uintptr
	if c.large {
		objAddr = b.objAddr
		bufctlHashInsert(b)
	} else {
		objAddr = uintptr(unsafe.Pointer(b)) - uintptr(c.objSize)
	}

	c.lock.ReleaseIRQRestore(flags)
	return unsafe.Pointer(objAddr), nil
}

// pickSlabLocked returns a slab with at least one free slot, promoting it
// from the free to the partial list as needed. The caller holds the cache
// lock.
func (c *Cache) pickSlabLocked() *slabHeader {
	if s := c.partial; s != nil {
		return s
	}

	s := c.free
	if s != nil {
		listRemove(&c.free, s)
		listInsert(&c.partial, s)
	}
	return s
}

// nextColorLocked hands out the coloring offset for the next slab. The
// caller holds the cache lock.
func (c *Cache) nextColorLocked() mem.Size {
	color := c.colorNext

	c.colorNext += c.align
	if c.colorNext > c.colorRange {
		c.colorNext = 0
	}
	return color
}

// Free returns an object to its slab. Pointers that were not handed out by
// this cache are rejected with ErrNotCacheObject.
func (c *Cache) Free(obj unsafe.Pointer) *kernel.Error {
	flags := c.lock.AcquireIRQSave()
	defer c.lock.ReleaseIRQRestore(flags)

	var (
		s *slabHeader
		b *bufctl
	)

	if c.large {
		if b = bufctlHashRemove(uintptr(obj)); b == nil || b.owner == nil || b.owner.cache != c {
			return ErrNotCacheObject
		}
		s = b.owner
	} else {
		// The slab header of a small cache sits at the end of the page
		// that contains the object.
		pageAddr := uintptr(obj) & ^uintptr(mem.PageSize-1)
		s = (*slabHeader)(unsafe.Pointer(pageAddr + uintptr(mem.PageSize) - unsafe.Sizeof(slabHeader{})))
		if s.cache != c {
			return ErrNotCacheObject
		}

		offset := uintptr(obj) - s.base
		if uintptr(obj) < s.base || offset%uintptr(c.objRealSize) != 0 {
			return ErrNotCacheObject
		}

		b = (*bufctl)(unsafe.Pointer(uintptr(obj) + uintptr(c.objSize)))
	}

	wasFull := s.freeList == nil
	b.next = s.freeList
	s.freeList = b
	atomic.AddUint32(&s.refCount, ^uint32(0))
	nowEmpty := atomic.LoadUint32(&s.refCount) == 0

	switch {
	case wasFull && nowEmpty:
		listRemove(&c.full, s)
		listInsert(&c.free, s)
	case wasFull:
		listRemove(&c.full, s)
		listInsert(&c.partial, s)
	case nowEmpty:
		listRemove(&c.partial, s)
		listInsert(&c.free, s)
	}

	return nil
}

// grow creates a new slab with the supplied coloring offset and returns it;
// the caller links it into the cache lists. grow runs without the cache
// lock held: the backing allocation takes the frame allocator and address
// space locks, and the bootstrap caches take their own locks for large
// cache metadata. Every cache field it touches is immutable after
// initCache.
func (c *Cache) grow(color mem.Size) (*slabHeader, *kernel.Error) {
	virtAddr, physAddr, err := slabPageAllocFn(c, c.slabBytes)
	if err != nil {
		return nil, err
	}

	var s *slabHeader
	if c.large {
		hdrObj, err := slabHeaderCache.Alloc()
		if err != nil {
			return nil, err
		}
		s = (*slabHeader)(hdrObj)
		*s = slabHeader{}
	} else {
		s = (*slabHeader)(unsafe.Pointer(virtAddr + uintptr(c.slabBytes) - unsafe.Sizeof(slabHeader{})))
	}

	s.cache = c
	s.virtBase = virtAddr
	s.base = virtAddr + uintptr(color)
	s.physBase = physAddr

	for i := uint32(0); i < c.objsPerSlab; i++ {
		objAddr := s.base + uintptr(i)*uintptr(c.objRealSize)

		var b *bufctl
		if c.large {
			bObj, err := bufctlCache.Alloc()
			if err != nil {
				return nil, err
			}
			b = (*bufctl)(bObj)
			b.objAddr = objAddr
			b.owner = s
		} else {
			b = (*bufctl)(unsafe.Pointer(objAddr + uintptr(c.objSize)))
			b.owner = s
		}

		b.next = s.freeList
		s.freeList = b

		if c.ctor != nil {
			c.ctor(unsafe.Pointer(objAddr))
		}
	}

	return s, nil
}

// listInsert pushes s at the head of the list.
func listInsert(head **slabHeader, s *slabHeader) {
	s.prev = nil
	s.next = *head
	if *head != nil {
		(*head).prev = s
	}
	*head = s
}

// listRemove unlinks s from the list.
func listRemove(head **slabHeader, s *slabHeader) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		*head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

// listLen returns the number of slabs in a list.
func listLen(head *slabHeader) int {
	var count int
	for s := head; s != nil; s = s.next {
		count++
	}
	return count
}

// slabPageAlloc reserves a physically contiguous frame run for a new slab,
// maps it into the kernel address space and tags the frame descriptors with
// the owning cache.
func slabPageAlloc(c *Cache, size mem.Size) (uintptr, uintptr, *kernel.Error) {
	startFrame, err := pmmAllocPagesFn(size, 0)
	if err != nil {
		return 0, 0, err
	}

	virtAddr, err := vmm.KernelAddressSpace().AllocAt(startFrame.Address(), size, vmm.SegRead|vmm.SegWrite|vmm.SegKernel)
	if err != nil {
		pmmFreePagesFn(startFrame, size)
		return 0, 0, err
	}

	for frame, pageCount := startFrame, size>>mem.PageShift; pageCount > 0; pageCount, frame = pageCount-1, frame+1 {
		if desc := pmm.Descriptor(frame); desc != nil {
			desc.SetSlabOwner(unsafe.Pointer(c))
		}
	}

	return virtAddr, startFrame.Address(), nil
}

// slabPageFree releases a slab backing previously obtained via slabPageAlloc.
func slabPageFree(c *Cache, virtAddr, physAddr uintptr, size mem.Size) *kernel.Error {
	startFrame := pmm.FrameFromAddress(physAddr)
	for frame, pageCount := startFrame, size>>mem.PageShift; pageCount > 0; pageCount, frame = pageCount-1, frame+1 {
		if desc := pmm.Descriptor(frame); desc != nil {
			desc.SetSlabOwner(nil)
		}
	}

	if err := vmm.KernelAddressSpace().Free(virtAddr); err != nil {
		return err
	}
	return pmmFreePagesFn(startFrame, size)
}

var (
	// pmmAllocPagesFn and pmmFreePagesFn are mocked by tests and are
	// automatically inlined by the compiler.
	pmmAllocPagesFn = allocator.AllocPages
	pmmFreePagesFn  = allocator.FreePages
)

// Reclaim releases the backing of every fully free slab in the cache and
// returns the number of slabs reclaimed. Retaining free slabs is the normal
// mode of operation; Reclaim exists for memory pressure paths.
//
// The free list is detached under the cache lock but the teardown runs
// without it: releasing slab backing takes the address space and frame
// allocator locks, which order above the cache lock.
func (c *Cache) Reclaim() (int, *kernel.Error) {
	flags := c.lock.AcquireIRQSave()
	head := c.free
	c.free = nil
	c.lock.ReleaseIRQRestore(flags)

	var reclaimed int
	for s := head; s != nil; {
		next := s.next
		s.prev, s.next = nil, nil

		for i := uint32(0); i < c.objsPerSlab; i++ {
			objAddr := s.base + uintptr(i)*uintptr(c.objRealSize)
			if c.dtor != nil {
				c.dtor(unsafe.Pointer(objAddr))
			}
		}

		if c.large {
			for b := s.freeList; b != nil; {
				nextB := b.next
				bufctlCache.Free(unsafe.Pointer(b))
				b = nextB
			}
		}

		virtBase, physBase := s.virtBase, s.physBase
		if c.large {
			slabHeaderCache.Free(unsafe.Pointer(s))
		}

		if err := slabPageFreeFn(c, virtBase, physBase, c.slabBytes); err != nil {
			return reclaimed, err
		}
		reclaimed++
		s = next
	}

	return reclaimed, nil
}
