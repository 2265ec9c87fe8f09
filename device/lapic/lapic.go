// Package lapic drives the local APIC of the running processor in either
// xAPIC (memory mapped) or x2APIC (MSR) mode.
package lapic

import (
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/kfmt"
	"mpkernel/kernel/sync"
)

// Register offsets within the xAPIC page. In x2APIC mode each register is
// reached through MSR x2apicMSRBase + offset>>4.
const (
	regID           uint32 = 0x020
	regEOI          uint32 = 0x0b0
	regSVR          uint32 = 0x0f0
	regICRLo        uint32 = 0x300
	regICRHi        uint32 = 0x310
	regLVTTimer     uint32 = 0x320
	regTimerInitial uint32 = 0x380
	regTimerCurrent uint32 = 0x390
	regTimerDivide  uint32 = 0x3e0
	regSelfIPI      uint32 = 0x3f0

	msrAPICBase    uint32 = 0x1b
	x2apicMSRBase  uint32 = 0x800
	apicBaseEnable uint64 = 1 << 11
	apicBaseX2APIC uint64 = 1 << 10

	svrSoftwareEnable uint64 = 1 << 8
	svrSpuriousVector uint64 = 0xff

	icrDeliveryStatus uint64 = 1 << 12
	icrLogicalDest    uint64 = 1 << 11
	icrLevelAssert    uint64 = 1 << 14

	// Number of delivery-status polls before an xAPIC IPI is reported
	// as not accepted.
	maxIPISpins = 1 << 20
)

// Mode describes how the controller registers are accessed.
type Mode uint8

// The supported controller modes.
const (
	ModeDisabled Mode = iota
	ModeXAPIC
	ModeX2APIC
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case ModeXAPIC:
		return "xAPIC"
	case ModeX2APIC:
		return "x2APIC"
	default:
		return "disabled"
	}
}

// DeliveryMode selects how an IPI is delivered to its destination.
type DeliveryMode uint8

// The supported delivery modes.
const (
	DeliveryFixed          DeliveryMode = 0
	DeliveryLowestPriority DeliveryMode = 1
	DeliverySMI            DeliveryMode = 2
	DeliveryNMI            DeliveryMode = 4
	DeliveryInit           DeliveryMode = 5
	DeliveryStartup        DeliveryMode = 6
)

// Shorthand selects a group of destinations without naming an APIC ID.
type Shorthand uint8

// The supported destination shorthands.
const (
	ShorthandNone Shorthand = iota
	ShorthandSelf
	ShorthandAllIncludingSelf
	ShorthandAllExcludingSelf
)

// IPI describes an inter-processor interrupt.
type IPI struct {
	// Dest is the APIC ID of the target. It is truncated to 8 bits in
	// xAPIC mode and ignored when a shorthand is used.
	Dest uint32

	Vector      uint8
	Delivery    DeliveryMode
	Shorthand   Shorthand
	LogicalDest bool
}

func (ipi *IPI) command() uint64 {
	icr := uint64(ipi.Vector) |
		uint64(ipi.Delivery&0x7)<<8 |
		icrLevelAssert |
		uint64(ipi.Shorthand&0x3)<<18

	if ipi.LogicalDest {
		icr |= icrLogicalDest
	}

	return icr
}

var (
	errNoLocalAPIC    = &kernel.Error{Module: "lapic", Message: "processor lacks an on-chip local APIC"}
	errNotEnabled     = &kernel.Error{Module: "lapic", Message: "local APIC not enabled"}
	errIPINotAccepted = &kernel.Error{Module: "lapic", Message: "IPI was not accepted by the local APIC"}

	readMSRFn    = cpu.ReadMSR
	writeMSRFn   = cpu.WriteMSR
	hasFeatureFn = cpu.HasFeature
	pauseFn      = cpu.Pause
)

// Controller is the local APIC of a single processor. A Controller must only
// be used by the processor that enabled it.
type Controller struct {
	// base is the physical address of the xAPIC register page.
	base uintptr

	mode Mode
	regs accessor

	// timerFreq is the calibrated timer input frequency in Hz after the
	// divide-by-4 configuration.
	timerFreq uint64
}

// New returns a controller for the xAPIC register page at the given physical
// address. The controller must be enabled before use.
func New(base uintptr) *Controller {
	return &Controller{base: base}
}

// Enable hardware-enables the local APIC, switching to x2APIC mode when the
// processor supports it, and then software-enables it via the spurious
// vector register.
func (c *Controller) Enable() *kernel.Error {
	if !hasFeatureFn(cpu.FeatureAPIC) {
		return errNoLocalAPIC
	}

	apicBase := readMSRFn(msrAPICBase) | apicBaseEnable
	if hasFeatureFn(cpu.FeatureX2APIC) {
		apicBase |= apicBaseX2APIC
		c.mode, c.regs = ModeX2APIC, msrAccessor{}
	} else {
		c.mode, c.regs = ModeXAPIC, &mmioAccessor{base: c.base}
	}
	writeMSRFn(msrAPICBase, apicBase)

	svr := c.regs.read(regSVR)
	c.regs.write(regSVR, svr|svrSoftwareEnable|svrSpuriousVector)

	kfmt.Printf("[lapic] enabled in %s mode\n", c.mode.String())
	return nil
}

// Mode returns the register access mode selected by Enable.
func (c *Controller) Mode() Mode {
	return c.mode
}

// ReadID returns the APIC ID of the processor that owns this controller.
func (c *Controller) ReadID() uint32 {
	if c.mode == ModeX2APIC {
		return uint32(c.regs.read(regID))
	}

	return uint32(c.regs.read(regID)>>24) & 0xff
}

// SendIPI issues an inter-processor interrupt. In xAPIC mode the call waits
// for the controller to accept the command and fails with errIPINotAccepted
// if it does not do so within a bounded number of polls.
func (c *Controller) SendIPI(ipi IPI) *kernel.Error {
	if c.regs == nil {
		return errNotEnabled
	}

	if c.mode == ModeX2APIC {
		if ipi.Shorthand == ShorthandSelf {
			c.regs.write(regSelfIPI, uint64(ipi.Vector))
			return nil
		}

		c.regs.write(regICRLo, uint64(ipi.Dest)<<32|ipi.command())
		return nil
	}

	c.regs.write(regICRHi, uint64(ipi.Dest&0xff)<<24)
	c.regs.write(regICRLo, ipi.command())

	for spins := 0; spins < maxIPISpins; spins++ {
		if c.regs.read(regICRLo)&icrDeliveryStatus == 0 {
			return nil
		}
		pauseFn()
	}

	return errIPINotAccepted
}

// EOI signals the end of the interrupt currently being serviced.
func (c *Controller) EOI() {
	c.regs.write(regEOI, 0)
}

// calibrationLock serializes calibrations since they share the reference
// counter.
var calibrationLock sync.Spinlock
