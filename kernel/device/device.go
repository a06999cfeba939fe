// Package device defines the contracts between the kernel core and its
// device drivers. Devices are capability records: an opaque handle paired
// with a table of typed operations for its class.
package device

import "github.com/corvid-systems/corvid/kernel"

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver.
	DriverInit() *kernel.Error
}

// BlockOp selects the direction of a block device request.
type BlockOp uint8

const (
	// BlockRead transfers blocks from the device into the buffer.
	BlockRead BlockOp = iota

	// BlockWrite transfers blocks from the buffer onto the device.
	BlockWrite
)

// BlockRequest describes one block device transfer: the operation, the
// index of the first block, the number of blocks and the buffer the data
// moves through. The buffer must span Count * BlockSize() bytes.
type BlockRequest struct {
	Op     BlockOp
	Block  uint64
	Count  uint32
	Buffer []byte
}

// BlockDevice is the operation table a block device driver supplies to the
// filesystem layer.
type BlockDevice struct {
	// BlockSize returns the transfer unit in bytes.
	BlockSize func() uint32

	// Blocks returns the device capacity in blocks.
	Blocks func() uint64

	// Submit executes a transfer request, blocking the calling thread
	// until it completes.
	Submit func(req *BlockRequest) *kernel.Error
}
