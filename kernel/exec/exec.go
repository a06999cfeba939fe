// Package exec loads user programs into an address space. The kernel does
// not parse ELF itself: the image builder validates the init binary at
// build time and embeds a compact pre-parsed program header blob next to it
// in the root filesystem image. The loader consumes that blob and copies
// the mapped file ranges into place.
package exec

import (
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/mem"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
	"github.com/corvid-systems/corvid/kernel/vfs"
)

// headerMagic identifies a program header blob produced by the image
// builder.
const headerMagic = uint32(0x43504831) // "CPH1"

// Segment flag bits in the header blob, matching ELF p_flags.
const (
	segFlagExec  = 1 << 0
	segFlagWrite = 1 << 1
	segFlagRead  = 1 << 2
)

var (
	// ErrBadImage is returned for truncated or mis-tagged header blobs.
	ErrBadImage = &kernel.Error{Module: "exec", Message: "malformed program header blob", Kind: kernel.ErrNotSupported}

	errShortRead = &kernel.Error{Module: "exec", Message: "short read while loading segment", Kind: kernel.ErrIO}
)

// Segment describes one loadable program segment.
type Segment struct {
	VirtAddr   uintptr
	FileOffset int64
	FileSize   mem.Size
	MemSize    mem.Size
	Flags      vmm.SegmentFlag
}

// Image is the pre-parsed program layout of an executable.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

// ParseHeaderBlob decodes the little-endian program header blob: a magic
// word, the entry point, a segment count and five words per segment
// (vaddr, offset, filesz, memsz, flags).
func ParseHeaderBlob(blob []byte) (*Image, *kernel.Error) {
	const (
		headerWords  = 3
		segmentWords = 5
		wordSize     = 4
	)

	if len(blob) < headerWords*wordSize {
		return nil, ErrBadImage
	}

	word := func(index int) uint32 {
		off := index * wordSize
		return uint32(blob[off]) | uint32(blob[off+1])<<8 | uint32(blob[off+2])<<16 | uint32(blob[off+3])<<24
	}

	if word(0) != headerMagic {
		return nil, ErrBadImage
	}

	entry := uintptr(word(1))
	count := int(word(2))
	if len(blob) < (headerWords+count*segmentWords)*wordSize {
		return nil, ErrBadImage
	}

	img := &Image{Entry: entry, Segments: make([]Segment, count)}
	for i := 0; i < count; i++ {
		base := headerWords + i*segmentWords
		seg := &img.Segments[i]
		seg.VirtAddr = uintptr(word(base))
		seg.FileOffset = int64(word(base + 1))
		seg.FileSize = mem.Size(word(base + 2))
		seg.MemSize = mem.Size(word(base + 3))
		seg.Flags = segmentFlags(word(base + 4))

		if seg.FileSize > seg.MemSize || seg.MemSize == 0 {
			return nil, ErrBadImage
		}
	}

	return img, nil
}

// segmentFlags converts ELF-style p_flags into segment protection flags.
func segmentFlags(pFlags uint32) vmm.SegmentFlag {
	var flags vmm.SegmentFlag
	if pFlags&segFlagRead != 0 {
		flags |= vmm.SegRead
	}
	if pFlags&segFlagWrite != 0 {
		flags |= vmm.SegWrite
	}
	if pFlags&segFlagExec != 0 {
		flags |= vmm.SegExec
	}
	return flags
}

// Load maps every segment of the image into the address space and copies
// the file-backed ranges into place. The target address space must be
// active since the copies go through the freshly installed mappings. The
// data end marker is advanced past the highest writable segment so the
// process heap starts right after it.
func Load(as *vmm.AddressSpace, img *Image, f *vfs.File) *kernel.Error {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	var dataEnd uintptr

	for i := range img.Segments {
		seg := &img.Segments[i]

		segStart := seg.VirtAddr & ^pageSizeMinus1
		segSpan := mem.Size(seg.VirtAddr-segStart) + seg.MemSize

		// Segments are loaded writable so the copy below can go
		// through the mapping. They stay writable once the copy
		// completes; text segments are not write-protected.
		if _, err := as.AllocFixed(segStart, segSpan, seg.Flags|vmm.SegWrite|vmm.SegClear); err != nil {
			return err
		}

		if seg.FileSize > 0 {
			if _, err := f.Seek(seg.FileOffset, vfs.SeekSet); err != nil {
				return err
			}

			dst := unsafe.Slice((*byte)(unsafe.Pointer(seg.VirtAddr)), seg.FileSize)
			for copied := 0; copied < len(dst); {
				n, err := f.Read(dst[copied:])
				if err != nil {
					return err
				}
				if n == 0 {
					return errShortRead
				}
				copied += n
			}
		}

		if end := seg.VirtAddr + uintptr(seg.MemSize); seg.Flags&vmm.SegWrite != 0 && end > dataEnd {
			dataEnd = end
		}
	}

	if dataEnd != 0 {
		dataEnd = (dataEnd + pageSizeMinus1) & ^pageSizeMinus1
		as.SetDataEnd(dataEnd)

		// The heap segment starts at the data end and grows with brk.
		if _, err := as.AllocFixed(dataEnd, mem.PageSize, vmm.SegRead|vmm.SegWrite|vmm.SegClear); err != nil {
			return err
		}
	}

	return nil
}
