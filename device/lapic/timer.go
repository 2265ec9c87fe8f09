package lapic

import "mpkernel/kernel"

const (
	// TimerVector is the interrupt vector raised by the local timer.
	TimerVector uint8 = 0x81

	lvtVectorMask uint64 = 0xff
	lvtMasked     uint64 = 1 << 16
	lvtModeShift         = 17
	lvtModeMask   uint64 = 0x3 << lvtModeShift

	timerModeOneShot  uint64 = 0
	timerModePeriodic uint64 = 1

	// Divide configuration bits 0, 1 and 3; 0b0001 selects divide-by-4.
	divideMask uint64 = 0xb
	divideBy4  uint64 = 0x1

	calibrationSamples uint64 = 0xffff
	referenceReload    uint16 = 0xffff

	usecPerSec uint64 = 1000000
)

var (
	errCalibrationFailed = &kernel.Error{Module: "lapic", Message: "reference counter did not advance during timer calibration"}
	errNotCalibrated     = &kernel.Error{Module: "lapic", Message: "local APIC timer not calibrated"}
)

// ReferenceCounter is a down-counter of known frequency used to calibrate the
// local timer.
type ReferenceCounter interface {
	// SetCount loads the counter.
	SetCount(uint16)

	// Count returns the current counter value.
	Count() uint16

	// Frequency returns the rate at which the counter decrements in Hz.
	Frequency() uint64
}

// CalibrateTimer measures the local timer frequency against ref and returns
// it. The timer is left masked.
func (c *Controller) CalibrateTimer(ref ReferenceCounter) (uint64, *kernel.Error) {
	if c.regs == nil {
		return 0, errNotEnabled
	}

	calibrationLock.Acquire()
	defer calibrationLock.Release()

	c.regs.write(regTimerDivide, c.regs.read(regTimerDivide)&^divideMask|divideBy4)
	c.StopTimer()

	ref.SetCount(referenceReload)
	begin := ref.Count()

	c.regs.write(regTimerInitial, calibrationSamples)
	for c.regs.read(regTimerCurrent) != 0 {
		pauseFn()
	}

	c.StopTimer()
	elapsed := begin - ref.Count()
	if elapsed == 0 {
		return 0, errCalibrationFailed
	}

	c.timerFreq = calibrationSamples * ref.Frequency() / uint64(elapsed)
	return c.timerFreq, nil
}

// TimerFrequency returns the calibrated timer frequency or 0 if the timer has
// not been calibrated.
func (c *Controller) TimerFrequency() uint64 {
	return c.timerFreq
}

// OneShot arms the timer to raise TimerVector once after usec microseconds.
func (c *Controller) OneShot(usec uint64) *kernel.Error {
	return c.armTimer(timerModeOneShot, usec)
}

// Periodic arms the timer to raise TimerVector every usec microseconds.
func (c *Controller) Periodic(usec uint64) *kernel.Error {
	return c.armTimer(timerModePeriodic, usec)
}

// StopTimer masks the timer interrupt.
func (c *Controller) StopTimer() {
	lvt := c.regs.read(regLVTTimer)
	c.regs.write(regLVTTimer, lvt&^lvtVectorMask|lvtMasked)
}

func (c *Controller) armTimer(mode, usec uint64) *kernel.Error {
	if c.timerFreq == 0 {
		return errNotCalibrated
	}

	ticks := c.timerFreq * usec / usecPerSec
	switch {
	case ticks == 0:
		ticks = 1
	case ticks > 0xffffffff:
		ticks = 0xffffffff
	}

	lvt := c.regs.read(regLVTTimer) &^ (lvtVectorMask | lvtModeMask | lvtMasked)
	lvt |= mode<<lvtModeShift | uint64(TimerVector)
	c.regs.write(regLVTTimer, lvt)
	c.regs.write(regTimerInitial, ticks)
	return nil
}
