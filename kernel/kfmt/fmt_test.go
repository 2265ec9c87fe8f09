package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("no args") },
			"no args",
		},
		{
			func() { printfn("%t / %t", true, false) },
			"true / false",
		},
		{
			func() { printfn("%8t", false) },
			"false",
		},
		{
			func() { printfn("[%s] up", "smp") },
			"[smp] up",
		},
		{
			func() { printfn("%s", []byte("bytes")) },
			"bytes",
		},
		{
			func() { printfn("'%6s'", "lapic") },
			"' lapic'",
		},
		{
			func() { printfn("'%2s'", "x2apic") },
			"'x2apic'",
		},
		{
			func() { printfn("%d frames", uint32(512)) },
			"512 frames",
		},
		{
			func() { printfn("%o", uint16(0755)) },
			"755",
		},
		{
			func() { printfn("0x%x", uintptr(0x8000)) },
			"0x8000",
		},
		{
			func() { printfn("0x%16x", uint64(0xfee00000)) },
			"0x00000000fee00000",
		},
		{
			func() { printfn("'%5d'", uint(42)) },
			"'   42'",
		},
		{
			func() { printfn("%d", int8(-10)) },
			"-10",
		},
		{
			func() { printfn("%x", int32(-0xbad)) },
			"-bad",
		},
		{
			func() { printfn("'%6x'", int(-0xbad)) },
			"'-00bad'",
		},
		{
			func() { printfn("'%8d'", int64(-1234)) },
			"'   -1234'",
		},
		{
			func() { printfn("'%3d'", int64(-1234)) },
			"'-1234'",
		},
		{
			func() { printfn("%d", int64(-9223372036854775808)) },
			"-9223372036854775808",
		},
		{
			func() { printfn("%d", 0) },
			"0",
		},
		{
			func() { printfn("'%64x'", uint8(1)) },
			"'" + strings.Repeat("0", maxBufSize-2) + "1'",
		},
		{
			func() { printfn("100%%") },
			"100%",
		},
		{
			func() { printfn("%d %d", 1) },
			"1 (MISSING)",
		},
		{
			func() { printfn("%d", 1, 2) },
			"1%!(EXTRA)",
		},
		{
			func() { printfn("%d", "not a number") },
			"%!(WRONGTYPE)",
		},
		{
			func() { printfn("%s", 12) },
			"%!(WRONGTYPE)",
		},
		{
			func() { printfn("%t", 1) },
			"%!(WRONGTYPE)",
		},
		{
			func() { printfn("trailing %") },
			"trailing %!(NOVERB)",
		},
		{
			func() { printfn("%q") },
			"%!(NOVERB)",
		},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	outputSink = nil
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0

	Printf("[pmm] %d frames free\n", 42)

	if GetOutputSink() != &earlyPrintBuffer {
		t.Fatal("expected GetOutputSink to return the early print buffer while no sink is attached")
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "[pmm] 42 frames free\n", buf.String(); got != exp {
		t.Fatalf("expected early output %q to be flushed to the sink; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	Fprintf(&buf, "cpu %d apic 0x%x", 1, uint32(0x2))

	if exp, got := "cpu 1 apic 0x2", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}
