// Package early provides the formatted-output entrypoint used from the
// moment the terminal is attached until the steady-state log sink is
// registered. Output bypasses the kfmt ring buffer and goes straight to
// hal.ActiveTerminal so boot progress stays visible even if the kernel dies
// before kfmt.SetOutputSink runs.
package early

import (
	"github.com/corvid-systems/corvid/kernel/hal"
	"github.com/corvid-systems/corvid/kernel/kfmt"
)

// Printf formats its arguments with the kfmt formatter and writes the
// result directly to the active terminal. It supports the same verb subset
// as kfmt.Printf and performs no memory allocation, which makes it safe to
// call before the Go runtime allocator has been bootstrapped.
func Printf(format string, args ...interface{}) {
	kfmt.Fprintf(hal.ActiveTerminal, format, args...)
}
