// Package kmain drives the kernel initialization sequence from the point
// the rt0 assembly hands over control: bring up the memory managers, the
// scheduler and the device layer, mount the root filesystem and spawn the
// init process.
package kmain

import (
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/boot"
	"github.com/corvid-systems/corvid/kernel/exec"
	"github.com/corvid-systems/corvid/kernel/goruntime"
	"github.com/corvid-systems/corvid/kernel/hal"
	"github.com/corvid-systems/corvid/kernel/hal/multiboot"
	"github.com/corvid-systems/corvid/kernel/irq"
	"github.com/corvid-systems/corvid/kernel/kfmt"
	"github.com/corvid-systems/corvid/kernel/kfmt/early"
	"github.com/corvid-systems/corvid/kernel/mem/pmm/allocator"
	"github.com/corvid-systems/corvid/kernel/mem/slab"
	"github.com/corvid-systems/corvid/kernel/mem/vmm"
	"github.com/corvid-systems/corvid/kernel/sched"
	"github.com/corvid-systems/corvid/kernel/vfs"
	"github.com/corvid-systems/corvid/kernel/vfs/tarfs"
)

const initPath = "/sbin/init"

var (
	errNoRootModule  = &kernel.Error{Module: "kmain", Message: "bootloader did not supply a root filesystem module", Kind: kernel.ErrNoDev}
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is invoked by the rt0 assembly code after it has set up the GDT and
// a minimal g0 struct that allows Go code to run on the boot stack. It
// receives the address of the multiboot info payload together with the
// physical extent of the loaded kernel image.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	kfmt.SetOutputSink(hal.ActiveTerminal)
	early.Printf("corvid: starting, cmdline: %s\n", multiboot.CommandLine())

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.InitAddressSpaces(); err != nil {
		kfmt.Panic(err)
	} else if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = slab.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = sched.InitThreadCache(); err != nil {
		kfmt.Panic(err)
	}

	irq.Init()
	probeDrivers()

	bootProc := sched.InitKernelProcess()
	sched.Start(bootProc)
	sched.InitTimer()

	// Milestone records go to the terminal behind a subsystem tag; the
	// host-side boot profiler parses them out of a serial capture.
	sched.SetMilestoneSink(&kfmt.PrefixWriter{
		Prefix: []byte("[boot] "),
		Sink:   hal.ActiveTerminal,
	})
	sched.Milestone("core-up")

	if _, quiet := boot.CmdLineValue(multiboot.CommandLine(), "quiet"); !quiet {
		slab.PrintStats()
	}

	if err = mountRootFS(); err != nil {
		kfmt.Panic(err)
	}
	sched.Milestone("rootfs-mounted")

	if _, err = sched.Spawn(bootProc, spawnInit, sched.ThreadKernel); err != nil {
		kfmt.Panic(err)
	}

	// The boot flow is done; its thread exits and the scheduler takes
	// over the CPU.
	sched.Kill(sched.CurrentThread())
	kfmt.Panic(errKmainReturned)
}

// probeDrivers initializes every registered driver and reports the outcome.
func probeDrivers() {
	for _, drv := range hal.Drivers() {
		major, minor, patch := drv.DriverVersion()
		if err := drv.DriverInit(); err != nil {
			early.Printf("[hal] %s(%d.%d.%d): init failed: %s\n", drv.DriverName(), major, minor, patch, err.Message)
			continue
		}
		early.Printf("[hal] %s(%d.%d.%d): initialized\n", drv.DriverName(), major, minor, patch)
	}
}

// mountRootFS locates the TAR module loaded by the bootloader and mounts it
// as the root filesystem. The module memory is covered by the kernel's low
// physical window mapping so its contents can be aliased directly.
func mountRootFS() *kernel.Error {
	var image []byte
	multiboot.VisitModules(func(modStart, modEnd uintptr, name string) bool {
		if !hasSuffix(name, ".tar") {
			return true
		}
		image = unsafe.Slice((*byte)(unsafe.Pointer(modStart)), modEnd-modStart)
		return false
	})

	if image == nil {
		return errNoRootModule
	}

	root, err := tarfs.Mount(image)
	if err != nil {
		return err
	}

	vfs.SetRoot(root)
	return nil
}

// spawnInit loads the init binary from the root filesystem into a fresh
// process and hands it a thread that drops into user mode.
func spawnInit() {
	img, f, err := loadInitImage()
	if err != nil {
		kfmt.Panic(err)
	}

	proc, err := sched.NewProcess("init", sched.Credentials{})
	if err != nil {
		kfmt.Panic(err)
	}

	entry := func() {
		// The scheduler activated the process address space when it
		// dispatched this thread; the loader copies the segments
		// through the fresh mappings.
		if err := exec.Load(proc.AddressSpace(), img, f); err != nil {
			kfmt.Panic(err)
		}
		f.Close()
		sched.Milestone("init-loaded")

		t := sched.CurrentThread()
		if err := t.JumpToUser(img.Entry, []string{"init"}, nil); err != nil {
			kfmt.Panic(err)
		}
	}

	if _, err = sched.Spawn(proc, entry, 0); err != nil {
		kfmt.Panic(err)
	}
}

// loadInitImage opens the init binary and its pre-parsed program header
// blob produced by the image builder.
func loadInitImage() (*exec.Image, *vfs.File, *kernel.Error) {
	hdr, err := vfs.Open(initPath + ".phdr")
	if err != nil {
		return nil, nil, err
	}
	defer hdr.Close()

	blob := make([]byte, hdr.Size())
	for read := 0; read < len(blob); {
		n, err := hdr.Read(blob[read:])
		if err != nil {
			return nil, nil, err
		}
		if n == 0 {
			break
		}
		read += n
	}

	img, err := exec.ParseHeaderBlob(blob)
	if err != nil {
		return nil, nil, err
	}

	f, err := vfs.Open(initPath)
	if err != nil {
		return nil, nil, err
	}

	return img, f, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
