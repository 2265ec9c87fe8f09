package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in a table at any level.
	entriesPerTable = 512

	// kernelHalfStart is the index of the first top-level entry that
	// belongs to the kernel (upper) half of the address space.
	kernelHalfStart = entriesPerTable / 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

// pageLevel identifies a level of the paging hierarchy, from the root table
// (levelPML4) down to the 4 KiB leaf table (levelPT).
type pageLevel uint8

const (
	levelPML4 pageLevel = iota
	levelPDPT
	levelPD
	levelPT
)

// pageLevelShifts defines the shift required to access each page table component
// of a virtual address.
var pageLevelShifts = [pageLevels]uint8{
	39,
	30,
	21,
	12,
}

// index returns the entry index that virtAddr selects in a table at level l.
func (l pageLevel) index(virtAddr uintptr) uintptr {
	return (virtAddr >> pageLevelShifts[l]) & (entriesPerTable - 1)
}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a PD entry as a 2 MiB leaf or a PDPT entry as a
	// 1 GiB leaf.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)
