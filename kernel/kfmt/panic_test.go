package kfmt

import (
	"bytes"
	"testing"

	"github.com/corvid-systems/corvid/kernel"
	kernelerrors "github.com/corvid-systems/corvid/kernel/errors"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = func() {}
		SetOutputSink(nil)
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	banner := "\n-----------------------------------\n"
	footer := "*** kernel panic: system halted ***" + banner

	specs := []struct {
		name string
		in   interface{}
		exp  string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			banner + "unrecoverable error: [test] panic test\n" + footer,
		},
		{
			"with *kernel.Error carrying an error kind",
			&kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.ErrNoMem},
			banner + "unrecoverable error: [pmm] out of memory (errno -12)\n" + footer,
		},
		{
			"with error",
			kernelerrors.KernelError("go error"),
			banner + "unrecoverable error: [rt] go error\n" + footer,
		},
		{
			"with string",
			"string error",
			banner + "unrecoverable error: [rt] string error\n" + footer,
		},
		{
			"without error",
			nil,
			banner + footer,
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var buf bytes.Buffer
			SetOutputSink(&buf)
			cpuHaltCalled = false

			Panic(spec.in)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected output:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected the CPU to be halted")
			}
		})
	}
}
