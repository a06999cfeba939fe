package mem

import (
	"testing"
	"unsafe"
)

func TestMemcopy(t *testing.T) {
	src := make([]byte, 256)
	dst := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}

	Memcopy(
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(unsafe.Pointer(&dst[0])),
		Size(len(src)),
	)

	for i := range dst {
		if dst[i] != byte(i) {
			t.Fatalf("expected dst[%d] to be %d; got %d", i, byte(i), dst[i])
		}
	}

	// A zero-size copy is a no-op.
	Memcopy(0, 0, 0)
}
