package serial

import (
	"bytes"
	"io"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/kfmt"
	"testing"
)

type fakeUART struct {
	regs    map[uint16]uint8
	writes  []uint16
	tx      []byte
	busyFor int
}

func (f *fakeUART) install(t *testing.T) {
	t.Cleanup(func() {
		portWriteByteFn = cpu.PortWriteByte
		portReadByteFn = cpu.PortReadByte
	})

	f.regs = make(map[uint16]uint8)
	portWriteByteFn = func(port uint16, val uint8) {
		f.writes = append(f.writes, port)
		if port == COM1+regData && f.regs[COM1+regLineCtrl]&lineCtrlDLAB == 0 {
			f.tx = append(f.tx, val)
			return
		}
		f.regs[port] = val
	}
	portReadByteFn = func(port uint16) uint8 {
		if port == COM1+regLineStat {
			if f.busyFor > 0 {
				f.busyFor--
				return 0
			}
			return lineStatTxEmpty
		}
		return f.regs[port]
	}
}

func TestProbe(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		var f fakeUART
		f.install(t)

		if drv := probeForUART(); drv == nil {
			t.Fatal("expected probe to detect the port")
		}
	})

	t.Run("absent", func(t *testing.T) {
		var f fakeUART
		f.install(t)
		portReadByteFn = func(uint16) uint8 { return 0xff }

		if drv := probeForUART(); drv != nil {
			t.Fatal("expected probe to return nil for a floating bus")
		}
	})
}

func TestWrite(t *testing.T) {
	var f fakeUART
	f.install(t)
	f.busyFor = 3

	p := &Port{base: COM1}
	n, err := p.Write([]byte("a\nb"))
	if err != nil || n != 3 {
		t.Fatalf("expected (3, nil); got (%d, %v)", n, err)
	}

	if exp := "a\r\nb"; string(f.tx) != exp {
		t.Fatalf("expected transmitted bytes %q; got %q", exp, f.tx)
	}
}

func TestWriteByteDropsOnStuckTransmitter(t *testing.T) {
	var f fakeUART
	f.install(t)
	f.busyFor = maxTxSpins + 10

	p := &Port{base: COM1}
	p.WriteByte('x')

	if len(f.tx) != 0 {
		t.Fatalf("expected byte to be dropped; got %q", f.tx)
	}
}

func TestDriverInit(t *testing.T) {
	defer func() { setOutputSinkFn = kfmt.SetOutputSink }()

	var f fakeUART
	f.install(t)

	var sink io.Writer
	setOutputSinkFn = func(w io.Writer) { sink = w }

	var (
		p   = &Port{base: COM1}
		buf bytes.Buffer
	)
	if err := p.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	if sink != p {
		t.Fatal("expected the port to become the output sink")
	}

	if got := f.regs[COM1+regLineCtrl]; got != lineCtrl8N1 {
		t.Fatalf("expected line control 0x%x; got 0x%x", lineCtrl8N1, got)
	}

	if got := f.regs[COM1+regFIFOCtrl]; got != fifoEnable {
		t.Fatalf("expected FIFO control 0x%x; got 0x%x", fifoEnable, got)
	}

	if exp := "port 0x3f8, 115200 baud\n"; buf.String() != exp {
		t.Fatalf("expected output %q; got %q", exp, buf.String())
	}

	if p.DriverName() != "uart16550" {
		t.Fatalf("unexpected driver name %q", p.DriverName())
	}
}
