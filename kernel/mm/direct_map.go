package mm

// directMapBase is the virtual address at which physical address zero is
// mapped. Every physical page is reachable at directMapBase + physAddr.
var directMapBase = DefaultDirectMapBase

// SetDirectMapBase changes the offset of the physical memory direct map and
// returns the previous value.
func SetDirectMapBase(base uintptr) uintptr {
	prev := directMapBase
	directMapBase = base
	return prev
}

// DirectMapBase returns the current direct map offset.
func DirectMapBase() uintptr {
	return directMapBase
}

// PhysToVirt returns the direct-mapped virtual address for physAddr.
func PhysToVirt(physAddr uintptr) uintptr {
	return directMapBase + physAddr
}

// VirtToPhys is the inverse of PhysToVirt. It is only meaningful for
// addresses inside the direct map.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - directMapBase
}
