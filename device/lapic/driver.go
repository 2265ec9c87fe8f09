package lapic

import (
	"io"
	"mpkernel/device"
	"mpkernel/device/acpi"
	"mpkernel/device/acpi/table"
	"mpkernel/device/timer/pit"
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/kfmt"
	"unsafe"
)

const madtSignature = "APIC"

var (
	errNoBootController = &kernel.Error{Module: "lapic", Message: "boot processor local APIC not initialized"}
	errMissingMADT      = &kernel.Error{Module: "lapic", Message: "ACPI MADT table not present"}

	activeEnumeratorFn = acpi.ActiveEnumerator
	referenceFn        = func() ReferenceCounter {
		if timer := pit.ActiveTimer(); timer != nil {
			return timer
		}
		return nil
	}

	bootController *Controller

	// bootErr records why bootController is nil.
	bootErr = errNoBootController
)

// BootController returns the controller of the boot processor. If the driver
// was not initialized it returns the reason instead.
func BootController() (*Controller, *kernel.Error) {
	if bootController == nil {
		return nil, bootErr
	}

	return bootController, nil
}

// NewLocal enables and calibrates the local APIC of the calling processor. It
// is used by processors started after the boot processor and shares its
// register page address.
func NewLocal() (*Controller, *kernel.Error) {
	if bootController == nil {
		return nil, errNoBootController
	}

	ctrl := New(bootController.base)
	if err := ctrl.initLocal(); err != nil {
		return nil, err
	}

	return ctrl, nil
}

func (c *Controller) initLocal() *kernel.Error {
	if err := c.Enable(); err != nil {
		return err
	}

	ref := referenceFn()
	if ref == nil {
		return nil
	}

	_, err := c.CalibrateTimer(ref)
	return err
}

// DriverInit enables the boot processor's local APIC and calibrates its
// timer against the PIT.
func (c *Controller) DriverInit(w io.Writer) *kernel.Error {
	if err := c.initLocal(); err != nil {
		bootErr = err
		return err
	}

	bootController, bootErr = c, nil
	kfmt.Fprintf(w, "APIC ID %d, %s mode, timer %d Hz, base 0x%x\n", c.ReadID(), c.mode.String(), c.timerFreq, c.base)
	return nil
}

// DriverName returns the name of this driver.
func (*Controller) DriverName() string {
	return "LAPIC"
}

// DriverVersion returns the version of this driver.
func (*Controller) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func probeForLocalAPIC() device.Driver {
	if !hasFeatureFn(cpu.FeatureAPIC) {
		bootErr = errNoLocalAPIC
		return nil
	}

	enumerator := activeEnumeratorFn()
	if enumerator == nil {
		return nil
	}

	header := enumerator.LookupTable(madtSignature)
	if header == nil {
		bootErr = errMissingMADT
		return nil
	}

	madt := (*table.MADT)(unsafe.Pointer(header))
	return New(uintptr(madt.LocalControllerAddress))
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForLocalAPIC,
	})
}
