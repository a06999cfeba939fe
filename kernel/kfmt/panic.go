package kfmt

import (
	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// errRuntimePanic carries the message of panics that do not originate
	// from a kernel error (runtime throws, plain Go errors).
	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic renders a fatal error report to the console and halts the CPU.
// Kernel errors print with their module tag and errno (via the %v verb);
// plain strings and Go errors are wrapped into a runtime error first.
// Calls to Panic never return. Panic also works as a redirection target for
// calls to panic() (resolved via runtime.gopanic).
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch cause := e.(type) {
	case *kernel.Error:
		err = cause
	case string:
		errRuntimePanic.Message = cause
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = cause.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("unrecoverable error: %v\n", err)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
