// Package vmm manages amd64 four-level address spaces. Paging structures are
// reached through the physical memory direct map so inactive address spaces
// can be edited without switching to them.
package vmm

import (
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
)

// AddressSpace is a handle to a set of paging structures. The handle is the
// physical frame holding the top-level (PML4) table; the zero value is the
// null handle.
type AddressSpace struct {
	root mm.Frame
}

// AddressSpaceFromFrame wraps the top-level table stored in frame.
func AddressSpaceFromFrame(frame mm.Frame) AddressSpace {
	return AddressSpace{root: frame}
}

// Root returns the physical frame of the top-level table.
func (as AddressSpace) Root() mm.Frame {
	return as.root
}

// Valid returns false for the null handle.
func (as AddressSpace) Valid() bool {
	return as.root != 0 && as.root.Valid()
}

// Active returns the address space currently installed on the local
// processor.
func Active() AddressSpace {
	return AddressSpace{root: mm.FrameFromAddress(activePDTFn())}
}

// Activate installs as on the local processor, flushing all non-global TLB
// entries.
func (as AddressSpace) Activate() {
	switchPDTFn(as.root.Address())
}

// FlushTLB drops every non-global translation cached by the local processor
// by reloading the active root table.
func FlushTLB() {
	switchPDTFn(activePDTFn())
}

// Fork creates a new address space that shares the kernel half of parent.
// Entries 256-511 of the new top-level table are copied from parent and
// entries 0-255 are cleared so the lower half starts out empty.
func Fork(alloc mm.FrameAllocator, parent AddressSpace) (AddressSpace, *kernel.Error) {
	if !parent.Valid() {
		return AddressSpace{}, mm.ErrInvalidArgument
	}

	frame, err := alloc.AllocFrames(1)
	if err != nil {
		return AddressSpace{}, err
	}

	src, dst := tableAt(parent.root), tableAt(frame)
	for i := 0; i < kernelHalfStart; i++ {
		dst[i] = 0
	}
	copy(dst[kernelHalfStart:], src[kernelHalfStart:])

	return AddressSpace{root: frame}, nil
}

// TeardownLowerHalf removes every lower-half mapping from the active address
// space and flushes the local TLB. Intermediate tables referenced by the
// removed entries are not reclaimed.
func TeardownLowerHalf() {
	active := Active()
	table := tableAt(active.root)
	for i := 0; i < kernelHalfStart; i++ {
		table[i] = 0
	}
	active.Activate()
}
