// Package pit drives channel 0 of the i8254 programmable interval timer. The
// PIT runs at a fixed frequency and serves as the reference clock for
// calibrating other timers and for coarse busy sleeps during boot.
package pit

import (
	"io"
	"mpkernel/device"
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/kfmt"
)

const (
	// Dividend is the input frequency of the PIT in Hz.
	Dividend uint64 = 1193182

	cmdPort      uint16 = 0x43
	channel0Port uint16 = 0x40

	// Channel 0, lo/hi byte access, rate generator.
	cmdSetCount uint8 = 0x34

	// Channel 0 counter latch.
	cmdLatch uint8 = 0x00

	// The rate generator reloads from this value when the count hits zero.
	reloadCount uint16 = 0xffff

	ticksPerMs = Dividend / 1000
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
	pauseFn         = cpu.Pause

	activeTimer *Timer
)

// Timer provides access to PIT channel 0.
type Timer struct{}

// ActiveTimer returns the PIT initialized during hardware detection or nil if
// the driver has not been initialized yet.
func ActiveTimer() *Timer {
	return activeTimer
}

// SetCount loads count into channel 0. The channel counts down and reloads
// from count when it reaches zero.
func (*Timer) SetCount(count uint16) {
	portWriteByteFn(cmdPort, cmdSetCount)
	portWriteByteFn(channel0Port, uint8(count))
	portWriteByteFn(channel0Port, uint8(count>>8))
}

// Count latches and returns the current value of the channel 0 counter.
func (*Timer) Count() uint16 {
	portWriteByteFn(cmdPort, cmdLatch)
	lo := portReadByteFn(channel0Port)
	hi := portReadByteFn(channel0Port)
	return uint16(hi)<<8 | uint16(lo)
}

// Frequency returns the rate at which the counter decrements.
func (*Timer) Frequency() uint64 {
	return Dividend
}

// MSleep busy-waits for at least ms milliseconds. It assumes the counter
// was loaded with the full reload value by DriverInit.
func (t *Timer) MSleep(ms uint64) {
	var (
		target  = ms * ticksPerMs
		elapsed uint64
		prev    = t.Count()
	)

	for elapsed < target {
		pauseFn()
		cur := t.Count()

		// The counter decrements; the uint16 subtraction covers reloads.
		elapsed += uint64(prev - cur)
		prev = cur
	}
}

// DriverInit initializes this driver.
func (t *Timer) DriverInit(w io.Writer) *kernel.Error {
	t.SetCount(reloadCount)
	activeTimer = t

	kfmt.Fprintf(w, "channel 0 running at %d Hz\n", Dividend)
	return nil
}

// DriverName returns the name of this driver.
func (*Timer) DriverName() string {
	return "i8254"
}

// DriverVersion returns the version of this driver.
func (*Timer) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func probeForPIT() device.Driver {
	return &Timer{}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForPIT,
	})
}
