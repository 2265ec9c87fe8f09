package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// DefaultDirectMapBase is the virtual address where the boot loader
	// maps all of physical memory. It is the first address of the upper
	// half of the canonical address space.
	DefaultDirectMapBase = uintptr(0xffff800000000000)
)
