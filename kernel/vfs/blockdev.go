package vfs

import (
	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/device"
)

// blockFilePriv is the private state of a file backed by a block device.
type blockFilePriv struct {
	dev *device.BlockDevice
}

var blockFileOps = &FileOps{
	Read:  blockFileRead,
	Write: blockFileWrite,
	Seek:  blockFileSeek,
	Size:  blockFileSize,
	Close: blockFileClose,
}

// DeviceFile exposes a block device as a byte-addressable file so
// filesystem code can consume it through the regular file interface.
func DeviceFile(dev *device.BlockDevice) *File {
	return &File{
		Ops:  blockFileOps,
		Priv: &blockFilePriv{dev: dev},
	}
}

func blockFileRead(f *File, p []byte) (int, *kernel.Error) {
	return blockFileTransfer(f, p, device.BlockRead)
}

func blockFileWrite(f *File, p []byte) (int, *kernel.Error) {
	return blockFileTransfer(f, p, device.BlockWrite)
}

// blockFileTransfer implements byte-granular access on top of the device's
// block granularity: partial first/last blocks bounce through a scratch
// block buffer.
func blockFileTransfer(f *File, p []byte, op device.BlockOp) (int, *kernel.Error) {
	var (
		dev       = f.Priv.(*blockFilePriv).dev
		blockSize = int64(dev.BlockSize())
		devBytes  = int64(dev.Blocks()) * blockSize
		total     int
	)

	if f.Pos >= devBytes {
		return 0, nil
	}
	if max := devBytes - f.Pos; int64(len(p)) > max {
		p = p[:max]
	}

	scratch := make([]byte, blockSize)

	for len(p) > 0 {
		var (
			block  = uint64(f.Pos / blockSize)
			offset = int(f.Pos % blockSize)
			span   = int(blockSize) - offset
		)
		if span > len(p) {
			span = len(p)
		}

		if offset == 0 && span == int(blockSize) {
			// Whole-block transfer straight through the caller buffer.
			req := device.BlockRequest{Op: op, Block: block, Count: 1, Buffer: p[:blockSize]}
			if err := dev.Submit(&req); err != nil {
				return total, err
			}
		} else {
			// Partial block: bounce through the scratch buffer.
			req := device.BlockRequest{Op: device.BlockRead, Block: block, Count: 1, Buffer: scratch}
			if err := dev.Submit(&req); err != nil {
				return total, err
			}

			if op == device.BlockRead {
				copy(p[:span], scratch[offset:offset+span])
			} else {
				copy(scratch[offset:offset+span], p[:span])
				req.Op = device.BlockWrite
				if err := dev.Submit(&req); err != nil {
					return total, err
				}
			}
		}

		f.Pos += int64(span)
		total += span
		p = p[span:]
	}

	return total, nil
}

func blockFileSeek(f *File, offset int64, whence int) (int64, *kernel.Error) {
	dev := f.Priv.(*blockFilePriv).dev

	var next int64
	switch whence {
	case SeekSet:
		next = offset
	case SeekCur:
		next = f.Pos + offset
	case SeekEnd:
		next = int64(dev.Blocks())*int64(dev.BlockSize()) + offset
	default:
		return f.Pos, ErrInvalidSeek
	}

	if next < 0 {
		return f.Pos, ErrInvalidSeek
	}
	f.Pos = next
	return next, nil
}

func blockFileSize(f *File) int64 {
	dev := f.Priv.(*blockFilePriv).dev
	return int64(dev.Blocks()) * int64(dev.BlockSize())
}

func blockFileClose(_ *File) *kernel.Error {
	return nil
}
