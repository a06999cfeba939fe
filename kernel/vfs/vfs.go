// Package vfs defines the kernel's virtual filesystem layer: vnodes and
// files as capability records with explicit operation tables, the
// per-process open-file table and the mounted root tree.
package vfs

import (
	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/sync"
)

// Errors shared by filesystem implementations.
var (
	ErrNotDirectory = &kernel.Error{Module: "vfs", Message: "not a directory", Kind: kernel.ErrNotDirectory}
	ErrIsDirectory  = &kernel.Error{Module: "vfs", Message: "is a directory", Kind: kernel.ErrIsDirectory}
	ErrNotFound     = &kernel.Error{Module: "vfs", Message: "no such file or directory", Kind: kernel.ErrNoEnt}
	ErrReadOnly     = &kernel.Error{Module: "vfs", Message: "read-only file system", Kind: kernel.ErrReadOnlyFS}
	ErrBadFD        = &kernel.Error{Module: "vfs", Message: "bad file descriptor", Kind: kernel.ErrBadFD}
	ErrNotSupported = &kernel.Error{Module: "vfs", Message: "operation not supported", Kind: kernel.ErrNotSupported}
	ErrNameTooLong  = &kernel.Error{Module: "vfs", Message: "path component too long", Kind: kernel.ErrNameTooLong}
	ErrNoRoot       = &kernel.Error{Module: "vfs", Message: "no root file system mounted", Kind: kernel.ErrNoDev}
	ErrInvalidSeek  = &kernel.Error{Module: "vfs", Message: "invalid seek", Kind: kernel.ErrInval}
)

// Seek whence values, matching the POSIX constants.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// VnodeOps is the operation table a filesystem supplies for its vnodes.
// Unset operations report ErrNotSupported through the dispatch helpers.
type VnodeOps struct {
	Lookup  func(v *Vnode, name string) (*Vnode, *kernel.Error)
	Open    func(v *Vnode) (*File, *kernel.Error)
	Create  func(v *Vnode, name string, mode uint32) (*Vnode, *kernel.Error)
	Remove  func(v *Vnode, name string) *kernel.Error
	Release func(v *Vnode)
}

// Vnode names one node of a mounted filesystem.
type Vnode struct {
	Name string
	Dir  bool

	Mode     uint32
	UID, GID uint32
	Size     int64

	Ops *VnodeOps

	// Priv carries filesystem-private state.
	Priv interface{}
}

// Lookup resolves a child name in a directory vnode.
func (v *Vnode) Lookup(name string) (*Vnode, *kernel.Error) {
	if !v.Dir {
		return nil, ErrNotDirectory
	}
	if v.Ops == nil || v.Ops.Lookup == nil {
		return nil, ErrNotSupported
	}
	return v.Ops.Lookup(v, name)
}

// Open produces an open file for the vnode.
func (v *Vnode) Open() (*File, *kernel.Error) {
	if v.Ops == nil || v.Ops.Open == nil {
		return nil, ErrNotSupported
	}
	return v.Ops.Open(v)
}

// Create makes a new child in a directory vnode.
func (v *Vnode) Create(name string, mode uint32) (*Vnode, *kernel.Error) {
	if !v.Dir {
		return nil, ErrNotDirectory
	}
	if v.Ops == nil || v.Ops.Create == nil {
		return nil, ErrNotSupported
	}
	return v.Ops.Create(v, name, mode)
}

// Remove deletes a child from a directory vnode.
func (v *Vnode) Remove(name string) *kernel.Error {
	if !v.Dir {
		return ErrNotDirectory
	}
	if v.Ops == nil || v.Ops.Remove == nil {
		return ErrNotSupported
	}
	return v.Ops.Remove(v, name)
}

// FileOps is the operation table backing an open file.
type FileOps struct {
	Read  func(f *File, p []byte) (int, *kernel.Error)
	Write func(f *File, p []byte) (int, *kernel.Error)
	Seek  func(f *File, offset int64, whence int) (int64, *kernel.Error)
	Size  func(f *File) int64
	Close func(f *File) *kernel.Error
}

// File is an open file: a vnode plus a position and the operation table of
// its filesystem.
type File struct {
	Vnode *Vnode
	Ops   *FileOps
	Pos   int64

	// Priv carries filesystem-private state.
	Priv interface{}
}

// Read reads from the file at the current position.
func (f *File) Read(p []byte) (int, *kernel.Error) {
	if f.Ops == nil || f.Ops.Read == nil {
		return 0, ErrNotSupported
	}
	return f.Ops.Read(f, p)
}

// Write writes to the file at the current position.
func (f *File) Write(p []byte) (int, *kernel.Error) {
	if f.Ops == nil || f.Ops.Write == nil {
		return 0, ErrNotSupported
	}
	return f.Ops.Write(f, p)
}

// Seek repositions the file offset.
func (f *File) Seek(offset int64, whence int) (int64, *kernel.Error) {
	if f.Ops == nil || f.Ops.Seek == nil {
		return 0, ErrNotSupported
	}
	return f.Ops.Seek(f, offset, whence)
}

// Size returns the file size in bytes.
func (f *File) Size() int64 {
	if f.Ops == nil || f.Ops.Size == nil {
		return 0
	}
	return f.Ops.Size(f)
}

// Close releases the open file.
func (f *File) Close() *kernel.Error {
	if f.Ops == nil || f.Ops.Close == nil {
		return nil
	}
	return f.Ops.Close(f)
}

// maxOpenFiles bounds the per-process open-file table.
const maxOpenFiles = 32

// FileTable is the per-process mapping from file descriptors to open files.
type FileTable struct {
	lock  sync.Spinlock
	files [maxOpenFiles]*File
}

// NewFileTable returns an empty file table.
func NewFileTable() *FileTable {
	return &FileTable{}
}

// Insert places an open file into the lowest free descriptor slot.
func (ft *FileTable) Insert(f *File) (int, *kernel.Error) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	for fd := range ft.files {
		if ft.files[fd] == nil {
			ft.files[fd] = f
			return fd, nil
		}
	}
	return -1, &kernel.Error{Module: "vfs", Message: "too many open files", Kind: kernel.ErrBusy}
}

// Get returns the open file behind a descriptor.
func (ft *FileTable) Get(fd int) (*File, *kernel.Error) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	if fd < 0 || fd >= maxOpenFiles || ft.files[fd] == nil {
		return nil, ErrBadFD
	}
	return ft.files[fd], nil
}

// Remove detaches and returns the open file behind a descriptor.
func (ft *FileTable) Remove(fd int) (*File, *kernel.Error) {
	ft.lock.Acquire()
	defer ft.lock.Release()

	if fd < 0 || fd >= maxOpenFiles || ft.files[fd] == nil {
		return nil, ErrBadFD
	}
	f := ft.files[fd]
	ft.files[fd] = nil
	return f, nil
}

// Clone returns a table sharing the same open files (fork semantics).
func (ft *FileTable) Clone() *FileTable {
	ft.lock.Acquire()
	defer ft.lock.Release()

	clone := &FileTable{}
	clone.files = ft.files
	return clone
}

// CloseAll closes every open file in the table.
func (ft *FileTable) CloseAll() {
	ft.lock.Acquire()
	defer ft.lock.Release()

	for fd, f := range ft.files {
		if f != nil {
			f.Close()
			ft.files[fd] = nil
		}
	}
}
