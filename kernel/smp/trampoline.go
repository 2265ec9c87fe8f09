package smp

import (
	"mpkernel/kernel"
	"mpkernel/kernel/mm"
	"unsafe"
)

const (
	// TrampolineAddr is the physical address of the startup page. A
	// STARTUP IPI starts the target at the page number in real mode.
	TrampolineAddr uintptr = 0x8000

	// DescriptorAddr is the physical address of the bring-up descriptor.
	DescriptorAddr uintptr = 0x9000

	startupVector = uint8(TrampolineAddr >> mm.PageShift)

	// The trampoline loads CR3 with a 32-bit move.
	maxBootstrapRoot uintptr = 1 << 32
)

// trampoline switches a processor from real mode to long mode. It runs at
// TrampolineAddr with the bootstrap address space read from the descriptor,
// loads the stack pointer and entry point from the descriptor, sets the
// ready flag and jumps to the entry point.
//
//	0x00  cli; cld; zero ds/es/ss; mask both PICs
//	0x10  cr4 = PAE|PGE; cr3 = descriptor.AddressSpace
//	0x20  EFER |= LME|NXE; cr0 |= PE|PG
//	0x3c  lgdt [gdtr]; jmp far 0x08:0x49
//	0x49  ds/es/ss = 0x10; rsp = descriptor.StackTop; rax = descriptor.Entry
//	0x63  descriptor.Ready = 1; jmp rax
//	0x78  gdt: null, 64-bit code, data
//	0x90  gdtr
var trampoline = [...]byte{
	0xfa, 0xfc, 0x31, 0xc0, 0x8e, 0xd8, 0x8e, 0xc0, 0x8e, 0xd0, 0xb0, 0xff, 0xe6, 0xa1, 0xe6, 0x21,
	0x66, 0xb8, 0xa0, 0x00, 0x00, 0x00, 0x0f, 0x22, 0xe0, 0x66, 0xa1, 0x00, 0x90, 0x0f, 0x22, 0xd8,
	0x66, 0xb9, 0x80, 0x00, 0x00, 0xc0, 0x0f, 0x32, 0x66, 0x0d, 0x00, 0x09, 0x00, 0x00, 0x0f, 0x30,
	0x0f, 0x20, 0xc0, 0x66, 0x0d, 0x01, 0x00, 0x00, 0x80, 0x0f, 0x22, 0xc0, 0x0f, 0x01, 0x16, 0x90,
	0x80, 0x66, 0xea, 0x49, 0x80, 0x00, 0x00, 0x08, 0x00, 0x66, 0xb8, 0x10, 0x00, 0x8e, 0xd8, 0x8e,
	0xc0, 0x8e, 0xd0, 0x48, 0x8b, 0x24, 0x25, 0x08, 0x90, 0x00, 0x00, 0x48, 0x8b, 0x04, 0x25, 0x10,
	0x90, 0x00, 0x00, 0x48, 0xc7, 0x04, 0x25, 0x18, 0x90, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xff,
	0xe0, 0xf4, 0xf4, 0xf4, 0xf4, 0xf4, 0xf4, 0xf4, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0x00, 0x00, 0x00, 0x9a, 0xaf, 0x00, 0xff, 0xff, 0x00, 0x00, 0x00, 0x92, 0xcf, 0x00,
	0x17, 0x00, 0x78, 0x80, 0x00, 0x00,
}

// installTrampoline copies the startup code to TrampolineAddr and pads the
// rest of the page with HLT.
func installTrampoline() {
	dst := mm.PhysToVirt(TrampolineAddr)
	kernel.Memset(dst, 0xf4, mm.PageSize)
	kernel.Memcopy(uintptr(unsafe.Pointer(&trampoline[0])), dst, uintptr(len(trampoline)))
}

// ReservedRegions returns the fixed physical regions used during bring-up.
// They must never be handed out by the frame allocator.
func ReservedRegions() []mm.Region {
	return []mm.Region{
		{Base: TrampolineAddr, Size: mm.PageSize},
		{Base: DescriptorAddr, Size: mm.PageSize},
	}
}
