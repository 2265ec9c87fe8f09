package kmain

import (
	"mpkernel/device/acpi"
	"mpkernel/device/lapic"
	_ "mpkernel/device/serial"
	"mpkernel/device/timer/hpet"
	"mpkernel/device/timer/pit"
	"mpkernel/kernel"
	"mpkernel/kernel/hal"
	"mpkernel/kernel/hal/multiboot"
	"mpkernel/kernel/kfmt"
	"mpkernel/kernel/mm"
	"mpkernel/kernel/mm/pmm"
	"mpkernel/kernel/mm/vmm"
	"mpkernel/kernel/smp"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoSleeper     = &kernel.Error{Module: "kmain", Message: "no timer available for bring-up delays"}

	// frameAllocator is the system-wide physical frame allocator.
	frameAllocator pmm.BitmapAllocator

	// the following functions are mocked by tests.
	activeEnumeratorFn  = acpi.ActiveEnumerator
	acpiInitErrorFn     = acpi.InitError
	bootControllerFn    = lapic.BootController
	activeSpaceFn       = vmm.Active
	sleeperFn           = activeSleeper
	teardownLowerHalfFn = vmm.TeardownLowerHalf
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	// The multiboot payload is reached through the boot identity map so
	// everything needed from it is read before initMemory removes it.
	cfg := parseBootConfig(multiboot.GetBootCmdLine())
	if err := initMemory(&frameAllocator, multiboot.VisitMemRegions, kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	hal.DetectHardware()

	if err := startProcessors(cfg, &frameAllocator); err != nil {
		kfmt.Panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// initMemory sets up the frame allocator, keeping the fixed bring-up pages and
// the kernel image out of it, and then removes the lower-half identity map of
// the active address space. Afterwards physical memory is only reachable
// through the direct map.
func initMemory(alloc *pmm.BitmapAllocator, visitFn pmm.MemoryMapFn, kernelStart, kernelEnd uintptr) *kernel.Error {
	reserved := append(smp.ReservedRegions(), mm.Region{Base: kernelStart, Size: kernelEnd - kernelStart})
	if err := alloc.Init(visitFn, reserved...); err != nil {
		return err
	}

	teardownLowerHalfFn()
	return nil
}

// startProcessors brings the secondary processors online. The ACPI tables and
// the boot processor's local APIC are required even when SMP is disabled on
// the command line.
func startProcessors(cfg bootConfig, alloc mm.FrameAllocator) *kernel.Error {
	enumerator := activeEnumeratorFn()
	if enumerator == nil {
		return acpiInitErrorFn()
	}

	bsp, err := bootControllerFn()
	if err != nil {
		return err
	}

	if !cfg.smp {
		kfmt.Printf("[kmain] SMP disabled on the command line\n")
		return nil
	}

	sleeper := sleeperFn()
	if sleeper == nil {
		return errNoSleeper
	}

	ctrl := smp.NewController(smp.Config{
		Allocator:         alloc,
		KernelSpace:       activeSpaceFn(),
		Enumerator:        enumerator,
		Sleeper:           sleeper,
		BSP:               bsp,
		LocalControllerFn: newLocalController,
		MaxSecondaries:    cfg.maxSecondaries,
		SyncMTRR:          cfg.syncMTRR,
	})

	return ctrl.Start()
}

func newLocalController() (smp.LocalController, *kernel.Error) {
	ctrl, err := lapic.NewLocal()
	if err != nil {
		return nil, err
	}

	return ctrl, nil
}

// activeSleeper prefers the HPET and falls back to the PIT.
func activeSleeper() smp.Sleeper {
	if timer := hpet.ActiveTimer(); timer != nil {
		return timer
	}

	if timer := pit.ActiveTimer(); timer != nil {
		return timer
	}

	return nil
}
