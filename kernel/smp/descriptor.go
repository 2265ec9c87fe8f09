package smp

import (
	"mpkernel/kernel/mm"
	"sync/atomic"
	"unsafe"
)

// Descriptor is the rendezvous cell shared between the boot processor and a
// starting processor. The trampoline reads it by fixed offset so its layout
// must not change. Only one handshake is in flight at any time.
type Descriptor struct {
	// AddressSpace is the physical address of the bootstrap PML4.
	AddressSpace uint64

	// StackTop is the initial stack pointer of the starting processor.
	StackTop uint64

	// Entry is the address of the long-mode entry routine.
	Entry uint64

	// Ready is set to 1 by the trampoline once the fields above were
	// consumed.
	Ready uint64
}

// descriptorAt returns the descriptor stored at DescriptorAddr.
func descriptorAt() *Descriptor {
	return (*Descriptor)(unsafe.Pointer(mm.PhysToVirt(DescriptorAddr)))
}

// Publish stores the fields read by the trampoline and clears the ready
// flag. The release store of Ready orders the other fields before it.
func (d *Descriptor) Publish(addressSpace, stackTop, entry uintptr) {
	atomic.StoreUint64(&d.AddressSpace, uint64(addressSpace))
	atomic.StoreUint64(&d.StackTop, uint64(stackTop))
	atomic.StoreUint64(&d.Entry, uint64(entry))
	atomic.StoreUint64(&d.Ready, 0)
}

// IsReady reports whether the starting processor consumed the descriptor.
func (d *Descriptor) IsReady() bool {
	return atomic.LoadUint64(&d.Ready) != 0
}

// SignalReady sets the ready flag. The trampoline does this itself; the
// method exists for code that emulates the trampoline.
func (d *Descriptor) SignalReady() {
	atomic.StoreUint64(&d.Ready, 1)
}

// WaitReady spins until the ready flag is set and then clears it so the
// descriptor can be reused.
func (d *Descriptor) WaitReady() {
	for !d.IsReady() {
		pauseFn()
	}
	atomic.StoreUint64(&d.Ready, 0)
}

// Snapshot returns the published fields.
func (d *Descriptor) Snapshot() (addressSpace, stackTop, entry uintptr) {
	return uintptr(atomic.LoadUint64(&d.AddressSpace)),
		uintptr(atomic.LoadUint64(&d.StackTop)),
		uintptr(atomic.LoadUint64(&d.Entry))
}
