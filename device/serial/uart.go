// Package serial drives the first 16550-compatible UART and attaches it as
// the kernel's log sink.
package serial

import (
	"io"
	"mpkernel/device"
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/kfmt"
)

const (
	// COM1 is the I/O base of the first serial port.
	COM1 uint16 = 0x3f8

	regData     uint16 = 0
	regIntrEn   uint16 = 1
	regFIFOCtrl uint16 = 2
	regLineCtrl uint16 = 3
	regModemCtl uint16 = 4
	regLineStat uint16 = 5
	regScratch  uint16 = 7

	lineCtrlDLAB uint8 = 0x80
	lineCtrl8N1  uint8 = 0x03

	// Enable and clear both FIFOs, 14 byte trigger level.
	fifoEnable uint8 = 0xc7

	// DTR, RTS and OUT2.
	modemReady uint8 = 0x0b

	lineStatTxEmpty uint8 = 1 << 5

	// Divisor 1 selects 115200 baud.
	baudDivisor uint16 = 1

	scratchPattern uint8 = 0xa5

	// Bytes are dropped if the transmitter stays busy for this many polls.
	maxTxSpins = 1 << 16
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
	setOutputSinkFn = kfmt.SetOutputSink
)

// Port is a 16550 UART addressed through port I/O.
type Port struct {
	base uint16
}

func (p *Port) out(reg uint16, val uint8) { portWriteByteFn(p.base+reg, val) }
func (p *Port) in(reg uint16) uint8 { return portReadByteFn(p.base + reg) }

// WriteByte transmits b, waiting for the holding register to drain first.
func (p *Port) WriteByte(b byte) error {
	for spins := 0; p.in(regLineStat)&lineStatTxEmpty == 0; spins++ {
		if spins == maxTxSpins {
			return nil
		}
	}
	p.out(regData, b)
	return nil
}

// Write implements io.Writer. Line feeds are sent as CR LF.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			p.WriteByte('\r')
		}
		p.WriteByte(b)
	}
	return len(data), nil
}

// DriverName returns the name of this driver.
func (*Port) DriverName() string {
	return "uart16550"
}

// DriverVersion returns the version of this driver.
func (*Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit programs the port for 115200 8N1 and redirects kfmt output to it.
// Output buffered before this point is flushed to the port.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.out(regIntrEn, 0)
	p.out(regLineCtrl, lineCtrlDLAB)
	p.out(regData, uint8(baudDivisor))
	p.out(regIntrEn, uint8(baudDivisor>>8))
	p.out(regLineCtrl, lineCtrl8N1)
	p.out(regFIFOCtrl, fifoEnable)
	p.out(regModemCtl, modemReady)

	setOutputSinkFn(p)
	kfmt.Fprintf(w, "port 0x%x, 115200 baud\n", p.base)
	return nil
}

// probeForUART checks that COM1 decodes its scratch register.
func probeForUART() device.Driver {
	p := &Port{base: COM1}
	p.out(regScratch, scratchPattern)
	if p.in(regScratch) != scratchPattern {
		return nil
	}
	return p
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForUART,
	})
}
