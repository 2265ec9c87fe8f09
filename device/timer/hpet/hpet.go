// Package hpet provides a busy-wait sleep on top of the main counter of the
// High Precision Event Timer.
package hpet

import (
	"io"
	"mpkernel/device"
	"mpkernel/device/acpi"
	"mpkernel/device/acpi/table"
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/kfmt"
	"mpkernel/kernel/mm"
	"sync/atomic"
	"unsafe"
)

const (
	regCapabilities uintptr = 0x00
	regConfig       uintptr = 0x10
	regMainCounter  uintptr = 0xf0

	configEnable uint64 = 1

	// The counter period is reported in femtoseconds and may not exceed
	// 100ns.
	maxPeriod uint64 = 0x05f5e100

	femtosPerMs uint64 = 1000000000000

	tableSignature = "HPET"
)

var (
	errBadRevision = &kernel.Error{Module: "hpet", Message: "self test failed: revision ID is zero"}
	errBadPeriod   = &kernel.Error{Module: "hpet", Message: "self test failed: counter period out of range"}

	pauseFn            = cpu.Pause
	activeEnumeratorFn = acpi.ActiveEnumerator

	activeTimer *Timer
)

// Timer is an initialized HPET block.
type Timer struct {
	// base is the physical address of the register block.
	base uintptr

	// period is the duration of a counter tick in femtoseconds.
	period uint64
}

// ActiveTimer returns the HPET initialized during hardware detection or nil
// if no HPET is present.
func ActiveTimer() *Timer {
	return activeTimer
}

func (t *Timer) reg(offset uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(mm.PhysToVirt(t.base + offset)))
}

func (t *Timer) read(offset uintptr) uint64 {
	return atomic.LoadUint64(t.reg(offset))
}

func (t *Timer) write(offset uintptr, val uint64) {
	atomic.StoreUint64(t.reg(offset), val)
}

// Counter returns the current value of the main counter.
func (t *Timer) Counter() uint64 {
	return t.read(regMainCounter)
}

// Period returns the tick period in femtoseconds.
func (t *Timer) Period() uint64 {
	return t.period
}

// MSleep busy-waits until the main counter advances by ms milliseconds.
func (t *Timer) MSleep(ms uint64) {
	deadline := t.Counter() + ms*(femtosPerMs/t.period)
	for t.Counter() < deadline {
		pauseFn()
	}
}

// DriverInit validates the capabilities register, resets the main counter
// and starts it.
func (t *Timer) DriverInit(w io.Writer) *kernel.Error {
	caps := t.read(regCapabilities)

	revision := caps & 0xff
	if revision == 0 {
		return errBadRevision
	}

	period := caps >> 32
	if period == 0 || period > maxPeriod {
		return errBadPeriod
	}

	t.period = period
	t.write(regMainCounter, 0)
	t.write(regConfig, configEnable)
	activeTimer = t

	kfmt.Fprintf(w, "rev %d, %d timers, period %dfs\n", revision, (caps>>8)&0x1f+1, period)
	return nil
}

// DriverName returns the name of this driver.
func (*Timer) DriverName() string {
	return "HPET"
}

// DriverVersion returns the version of this driver.
func (*Timer) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func probeForHPET() device.Driver {
	enumerator := activeEnumeratorFn()
	if enumerator == nil {
		return nil
	}

	header := enumerator.LookupTable(tableSignature)
	if header == nil {
		return nil
	}

	hpetTable := (*table.HPET)(unsafe.Pointer(header))
	if hpetTable.AddressSpace != table.AddressSpaceSysMemory {
		return nil
	}

	return &Timer{base: hpetTable.BaseAddress()}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForHPET,
	})
}
