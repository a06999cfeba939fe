package hal

import (
	"github.com/corvid-systems/corvid/kernel/device"
	"github.com/corvid-systems/corvid/kernel/driver/tty"
	"github.com/corvid-systems/corvid/kernel/driver/video/console"
	"github.com/corvid-systems/corvid/kernel/hal/multiboot"
)

var (
	egaConsole = &console.Ega{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}

	// registeredDrivers uses a fixed-size array as driver registration
	// happens before the Go allocator is available.
	registeredDrivers    [16]device.Driver
	numRegisteredDrivers int
)

// RegisterDriver adds a driver to the registry so the boot flow can probe
// and report it. Registrations beyond the registry capacity are dropped.
func RegisterDriver(drv device.Driver) {
	if numRegisteredDrivers == len(registeredDrivers) {
		return
	}
	registeredDrivers[numRegisteredDrivers] = drv
	numRegisteredDrivers++
}

// Drivers returns the registered drivers in registration order.
func Drivers() []device.Driver {
	return registeredDrivers[:numRegisteredDrivers]
}

// InitTerminal provides a basic terminal to allow the kernel to emit some output
// till everything is properly setup.
func InitTerminal() {
	fbInfo := multiboot.GetFramebufferInfo()

	egaConsole.Init(uint16(fbInfo.Width), uint16(fbInfo.Height), uintptr(fbInfo.PhysAddr))
	ActiveTerminal.AttachTo(egaConsole)
	RegisterDriver(egaConsole)
}
