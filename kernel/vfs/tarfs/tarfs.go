// Package tarfs implements the read-only root filesystem: a TAR image
// loaded by the bootloader as a Multiboot module, exposed through the vfs
// vnode interface without copying the file contents.
package tarfs

import (
	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/vfs"
)

const blockSize = 512

var errCorruptImage = &kernel.Error{Module: "tarfs", Message: "corrupt tar image", Kind: kernel.ErrIO}

// dirPriv is the filesystem-private state of a directory vnode.
type dirPriv struct {
	children map[string]*vfs.Vnode
}

// filePriv is the filesystem-private state of a regular file vnode. The
// data slice aliases the TAR image.
type filePriv struct {
	data []byte
}

var vnodeOps = &vfs.VnodeOps{
	Lookup: lookup,
	Open:   open,
}

var fileOps = &vfs.FileOps{
	Read:  read,
	Write: write,
	Seek:  seek,
	Size:  size,
	Close: closeFile,
}

func lookup(v *vfs.Vnode, name string) (*vfs.Vnode, *kernel.Error) {
	priv := v.Priv.(*dirPriv)
	child, ok := priv.children[name]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return child, nil
}

func open(v *vfs.Vnode) (*vfs.File, *kernel.Error) {
	if v.Dir {
		return nil, vfs.ErrIsDirectory
	}
	return &vfs.File{Vnode: v, Ops: fileOps}, nil
}

func read(f *vfs.File, p []byte) (int, *kernel.Error) {
	data := f.Vnode.Priv.(*filePriv).data
	if f.Pos >= int64(len(data)) {
		return 0, nil
	}

	n := copy(p, data[f.Pos:])
	f.Pos += int64(n)
	return n, nil
}

func write(_ *vfs.File, _ []byte) (int, *kernel.Error) {
	return 0, vfs.ErrReadOnly
}

func seek(f *vfs.File, offset int64, whence int) (int64, *kernel.Error) {
	var next int64
	switch whence {
	case vfs.SeekSet:
		next = offset
	case vfs.SeekCur:
		next = f.Pos + offset
	case vfs.SeekEnd:
		next = f.Vnode.Size + offset
	default:
		return f.Pos, vfs.ErrInvalidSeek
	}

	if next < 0 {
		return f.Pos, vfs.ErrInvalidSeek
	}
	f.Pos = next
	return next, nil
}

func size(f *vfs.File) int64 {
	return f.Vnode.Size
}

func closeFile(_ *vfs.File) *kernel.Error {
	return nil
}

// Mount parses a TAR image and returns the root vnode of the resulting
// read-only tree. File contents alias the image memory.
func Mount(image []byte) (*vfs.Vnode, *kernel.Error) {
	root := newDir("", 0755, 0, 0)

	for offset := 0; offset+blockSize <= len(image); {
		header := image[offset : offset+blockSize]
		if isZeroBlock(header) {
			break
		}

		name := parseString(header[0:100])
		if prefix := parseString(header[345:500]); prefix != "" {
			name = prefix + "/" + name
		}

		fileSize, ok := parseOctal(header[124:136])
		if !ok {
			return nil, errCorruptImage
		}
		mode, _ := parseOctal(header[100:108])
		uid, _ := parseOctal(header[108:116])
		gid, _ := parseOctal(header[116:124])
		typeFlag := header[156]

		offset += blockSize
		dataEnd := offset + int(fileSize)
		if dataEnd > len(image) {
			return nil, errCorruptImage
		}

		switch typeFlag {
		case '5':
			mkdirAll(root, name, uint32(mode), uint32(uid), uint32(gid))
		case '0', 0:
			dir, base := splitPath(root, name)
			if base != "" {
				addFile(dir, base, image[offset:dataEnd], uint32(mode), uint32(uid), uint32(gid))
			}
		}

		// Advance past the data blocks, padded to the block size.
		offset = dataEnd + (blockSize-int(fileSize)%blockSize)%blockSize
	}

	return root, nil
}

func newDir(name string, mode, uid, gid uint32) *vfs.Vnode {
	return &vfs.Vnode{
		Name: name,
		Dir:  true,
		Mode: mode,
		UID:  uid,
		GID:  gid,
		Ops:  vnodeOps,
		Priv: &dirPriv{children: make(map[string]*vfs.Vnode)},
	}
}

func addFile(dir *vfs.Vnode, name string, data []byte, mode, uid, gid uint32) {
	priv := dir.Priv.(*dirPriv)
	priv.children[name] = &vfs.Vnode{
		Name: name,
		Mode: mode,
		UID:  uid,
		GID:  gid,
		Size: int64(len(data)),
		Ops:  vnodeOps,
		Priv: &filePriv{data: data},
	}
}

// splitPath walks (creating as needed) the directory components of a path
// and returns the parent directory together with the final component.
func splitPath(root *vfs.Vnode, path string) (*vfs.Vnode, string) {
	dir := root
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] != '/' {
			continue
		}
		if i > start {
			dir = childDir(dir, path[start:i])
		}
		start = i + 1
	}
	return dir, path[start:]
}

func mkdirAll(root *vfs.Vnode, path string, mode, uid, gid uint32) {
	dir, base := splitPath(root, path)
	if base != "" {
		dir = childDir(dir, base)
	}
	if dir != root {
		dir.Mode, dir.UID, dir.GID = mode, uid, gid
	}
}

// childDir returns the named subdirectory, creating it when absent.
func childDir(dir *vfs.Vnode, name string) *vfs.Vnode {
	priv := dir.Priv.(*dirPriv)
	if child, ok := priv.children[name]; ok {
		return child
	}
	child := newDir(name, 0755, 0, 0)
	priv.children[name] = child
	return child
}

func isZeroBlock(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

// parseString extracts a NUL-terminated string field.
func parseString(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// parseOctal decodes an octal numeric field, tolerating leading spaces and
// NUL/space termination.
func parseOctal(field []byte) (int64, bool) {
	var (
		val     int64
		seenAny bool
	)
	for _, b := range field {
		switch {
		case b == ' ' && !seenAny:
			continue
		case b >= '0' && b <= '7':
			val = val<<3 + int64(b-'0')
			seenAny = true
		case b == 0 || b == ' ':
			return val, seenAny
		default:
			return 0, false
		}
	}
	return val, seenAny
}
