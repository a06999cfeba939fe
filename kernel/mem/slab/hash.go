package slab

import (
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/sync"
)

// bufctlHashBuckets is the size of the object-address to bufctl hash table
// used by large caches. The table size is a fixed boot-time parameter; the
// chains grow as needed since bufctls carry their own link.
const bufctlHashBuckets = 1024

var (
	bufctlHashLock sync.Spinlock
	bufctlHash     [bufctlHashBuckets]*bufctl
)

// bufctlHashBucket maps an object address to its hash chain. Large-cache
// objects are at least largeObjectThreshold apart so the low offset bits
// are folded into the page number for spread.
func bufctlHashBucket(objAddr uintptr) int {
	return int(((objAddr >> 9) ^ (objAddr >> mem.PageShift)) & (bufctlHashBuckets - 1))
}

// bufctlHashInsert registers an allocated large-cache object. An entry
// exists in the table exactly while the object is handed out.
func bufctlHashInsert(b *bufctl) {
	flags := bufctlHashLock.AcquireIRQSave()
	defer bufctlHashLock.ReleaseIRQRestore(flags)

	bucket := bufctlHashBucket(b.objAddr)
	b.next = bufctlHash[bucket]
	bufctlHash[bucket] = b
}

// bufctlHashRemove unregisters and returns the bufctl for the supplied
// object address, or nil if the address does not map to an allocated
// large-cache object.
func bufctlHashRemove(objAddr uintptr) *bufctl {
	flags := bufctlHashLock.AcquireIRQSave()
	defer bufctlHashLock.ReleaseIRQRestore(flags)

	bucket := bufctlHashBucket(objAddr)
	var prev *bufctl
	for b := bufctlHash[bucket]; b != nil; prev, b = b, b.next {
		if b.objAddr != objAddr {
			continue
		}

		if prev != nil {
			prev.next = b.next
		} else {
			bufctlHash[bucket] = b.next
		}
		b.next = nil
		return b
	}

	return nil
}
