package smp

import (
	"runtime"
	"testing"
	"unsafe"
)

func TestDescriptorLayout(t *testing.T) {
	var d Descriptor

	specs := []struct {
		field string
		got   uintptr
		exp   uintptr
	}{
		{"AddressSpace", unsafe.Offsetof(d.AddressSpace), 0x00},
		{"StackTop", unsafe.Offsetof(d.StackTop), 0x08},
		{"Entry", unsafe.Offsetof(d.Entry), 0x10},
		{"Ready", unsafe.Offsetof(d.Ready), 0x18},
	}

	for _, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("expected %s at offset 0x%x; got 0x%x", spec.field, spec.exp, spec.got)
		}
	}

	// The trampoline dereferences these offsets from DescriptorAddr.
	for i, off := range []int{27, 87, 95, 103} {
		exp := uint16(DescriptorAddr) + uint16(8*i)
		got := uint16(trampoline[off]) | uint16(trampoline[off+1])<<8
		if got != exp {
			t.Errorf("expected trampoline operand at %d to reference 0x%x; got 0x%x", off, exp, got)
		}
	}
}

func TestDescriptorHandshake(t *testing.T) {
	defer func(origPause func()) { pauseFn = origPause }(pauseFn)
	pauseFn = runtime.Gosched

	var d Descriptor
	d.Ready = 1
	d.Publish(0x7000, 0xffff800000010000, 0x1234)

	if d.IsReady() {
		t.Fatal("expected Publish to clear the ready flag")
	}

	root, stackTop, entry := d.Snapshot()
	if root != 0x7000 || stackTop != 0xffff800000010000 || entry != 0x1234 {
		t.Fatalf("unexpected snapshot 0x%x 0x%x 0x%x", root, stackTop, entry)
	}

	go d.SignalReady()
	d.WaitReady()

	if d.IsReady() {
		t.Fatal("expected WaitReady to clear the ready flag")
	}
}
