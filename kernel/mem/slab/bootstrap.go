package slab

import (
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/kfmt/early"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/sync"
)

// The allocator needs three caches before it can serve its first New call:
// one for cache descriptors, one for slab headers (large caches store them
// out of band) and one for external bufctls. These are statically embedded
// so bootstrapping them never touches the general allocator.
var (
	cacheCache      Cache
	slabHeaderCache Cache
	bufctlCache     Cache

	// cacheRegistry links every live cache for the stats dump.
	cacheRegistry     *Cache
	cacheRegistryLock sync.Spinlock

	errCacheName = &kernel.Error{Module: "slab", Message: "cache name must not be empty", Kind: kernel.ErrInval}
)

// Init primes the statically embedded bootstrap caches. It must be called
// once after the address space layer is functional and before any cache is
// created.
func Init() *kernel.Error {
	if err := initCache(&cacheCache, "kmem.cache", mem.Size(unsafe.Sizeof(Cache{})), 0, nil, nil); err != nil {
		return err
	}
	if err := initCache(&slabHeaderCache, "kmem.slab", mem.Size(unsafe.Sizeof(slabHeader{})), 0, nil, nil); err != nil {
		return err
	}
	if err := initCache(&bufctlCache, "kmem.bufctl", mem.Size(unsafe.Sizeof(bufctl{})), 0, nil, nil); err != nil {
		return err
	}

	registerCache(&cacheCache)
	registerCache(&slabHeaderCache)
	registerCache(&bufctlCache)
	return nil
}

// New creates an object cache. align selects the minimum alignment for
// object starts (zero selects the pointer alignment); ctor and dtor are
// optional and run once per object when its slab is created and reclaimed.
func New(name string, objSize, align mem.Size, ctor CtorFn, dtor DtorFn) (*Cache, *kernel.Error) {
	if name == "" {
		return nil, errCacheName
	}

	obj, err := cacheCache.Alloc()
	if err != nil {
		return nil, err
	}

	c := (*Cache)(obj)
	*c = Cache{}
	if err = initCache(c, name, objSize, align, ctor, dtor); err != nil {
		cacheCache.Free(obj)
		return nil, err
	}

	registerCache(c)
	return c, nil
}

// Destroy reclaims every free slab of the cache and returns its descriptor
// to the cache cache. The caller must have freed all objects first.
func Destroy(c *Cache) *kernel.Error {
	if _, err := c.Reclaim(); err != nil {
		return err
	}

	unregisterCache(c)
	return cacheCache.Free(unsafe.Pointer(c))
}

func registerCache(c *Cache) {
	flags := cacheRegistryLock.AcquireIRQSave()
	c.next = cacheRegistry
	cacheRegistry = c
	cacheRegistryLock.ReleaseIRQRestore(flags)
}

func unregisterCache(c *Cache) {
	flags := cacheRegistryLock.AcquireIRQSave()
	defer cacheRegistryLock.ReleaseIRQRestore(flags)

	var prev *Cache
	for cur := cacheRegistry; cur != nil; prev, cur = cur, cur.next {
		if cur != c {
			continue
		}

		if prev != nil {
			prev.next = cur.next
		} else {
			cacheRegistry = cur.next
		}
		return
	}
}

// PrintStats dumps a per-cache summary of the slab lists.
func PrintStats() {
	flags := cacheRegistryLock.AcquireIRQSave()
	defer cacheRegistryLock.ReleaseIRQRestore(flags)

	early.Printf("[slab] cache stats:\n")
	for c := cacheRegistry; c != nil; c = c.next {
		early.Printf("\t%s: obj size %d, %d/obj per slab, slabs full: %d partial: %d free: %d\n",
			c.name,
			uint64(c.objSize),
			uint64(c.objsPerSlab),
			uint64(listLen(c.full)),
			uint64(listLen(c.partial)),
			uint64(listLen(c.free)),
		)
	}
}
