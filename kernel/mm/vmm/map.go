package vmm

import (
	"mpkernel/kernel"
	"mpkernel/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errHugePageInPath = &kernel.Error{Module: "vmm", Message: "address is covered by a larger page mapping"}
)

// Prot describes the access permissions of a mapping.
type Prot uint8

const (
	// ProtRead allows reads. Present mappings are always readable.
	ProtRead Prot = 1 << iota

	// ProtWrite allows writes.
	ProtWrite

	// ProtExec allows instruction fetches.
	ProtExec

	// ProtUser allows user-mode access.
	ProtUser
)

// entryFlags translates p into leaf entry flags. Leaves are always marked
// present and non-executable mappings always carry the no-execute bit.
func (p Prot) entryFlags() PageTableEntryFlag {
	flags := FlagPresent
	if p&ProtWrite != 0 {
		flags |= FlagRW
	}
	if p&ProtUser != 0 {
		flags |= FlagUserAccessible
	}
	if p&ProtExec == 0 {
		flags |= FlagNoExecute
	}
	return flags
}

// PageSize selects the granularity of a mapping.
type PageSize uintptr

const (
	// PageSize4K maps a single 4 KiB page through a PT entry.
	PageSize4K PageSize = 1 << 12

	// PageSize2M maps a 2 MiB page through a PD entry.
	PageSize2M PageSize = 1 << 21

	// PageSize1G maps a 1 GiB page through a PDPT entry.
	PageSize1G PageSize = 1 << 30
)

// leafLevel returns the level whose entries map pages of size s.
func (s PageSize) leafLevel() (pageLevel, bool) {
	switch s {
	case PageSize4K:
		return levelPT, true
	case PageSize2M:
		return levelPD, true
	case PageSize1G:
		return levelPDPT, true
	default:
		return 0, false
	}
}

// walk descends from the root table to leaf and returns the entry for
// virtAddr at that level. Missing intermediate tables are allocated and
// zeroed when alloc is non-nil; otherwise ErrInvalidMapping is returned.
// Tables allocated before a failing allocation are left in place.
func (as AddressSpace) walk(virtAddr uintptr, leaf pageLevel, alloc mm.FrameAllocator, user bool) (*pageTableEntry, *kernel.Error) {
	table := tableAt(as.root)

	for level := levelPML4; level < leaf; level++ {
		pte := &table[level.index(virtAddr)]

		switch {
		case !pte.HasFlags(FlagPresent):
			if alloc == nil {
				return nil, ErrInvalidMapping
			}

			frame, err := alloc.AllocFrames(1)
			if err != nil {
				return nil, err
			}
			kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW)
		case pte.HasFlags(FlagHugePage):
			return nil, errHugePageInPath
		}

		// Intermediate entries stay permissive; the leaf decides the
		// effective access rights.
		if user {
			pte.SetFlags(FlagUserAccessible)
		}

		table = tableAt(pte.Frame())
	}

	return &table[leaf.index(virtAddr)], nil
}

// Map establishes a translation from virtAddr to physAddr in as, allocating
// any missing intermediate tables from alloc. Both addresses are rounded down
// to a size boundary. The translation cached by the local processor for
// virtAddr is invalidated; other processors are not notified.
func (as AddressSpace) Map(alloc mm.FrameAllocator, physAddr, virtAddr uintptr, prot Prot, size PageSize) *kernel.Error {
	leaf, ok := size.leafLevel()
	if !ok || !as.Valid() {
		return mm.ErrInvalidArgument
	}

	physAddr &^= uintptr(size) - 1
	virtAddr &^= uintptr(size) - 1

	pte, err := as.walk(virtAddr, leaf, alloc, prot&ProtUser != 0)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(mm.FrameFromAddress(physAddr))
	pte.SetFlags(prot.entryFlags())
	if leaf != levelPT {
		pte.SetFlags(FlagHugePage)
	}

	flushTLBEntryFn(virtAddr)
	return nil
}

// Unmap removes the translation for virtAddr and invalidates the local TLB
// entry. Intermediate tables are never reclaimed, even when they become
// empty.
func (as AddressSpace) Unmap(virtAddr uintptr, size PageSize) *kernel.Error {
	leaf, ok := size.leafLevel()
	if !ok || !as.Valid() {
		return mm.ErrInvalidArgument
	}

	virtAddr &^= uintptr(size) - 1

	pte, err := as.walk(virtAddr, leaf, nil, false)
	if err != nil {
		return err
	}

	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	*pte = 0
	flushTLBEntryFn(virtAddr)
	return nil
}

// Translate returns the physical address that virtAddr maps to in as or
// ErrInvalidMapping if no translation exists.
func (as AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !as.Valid() {
		return 0, mm.ErrInvalidArgument
	}

	table := tableAt(as.root)
	for level := levelPML4; ; level++ {
		pte := table[level.index(virtAddr)]
		if !pte.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}

		if level == levelPT || pte.HasFlags(FlagHugePage) {
			offsetMask := uintptr(1)<<pageLevelShifts[level] - 1
			return (uintptr(pte) & ptePhysPageMask &^ offsetMask) | (virtAddr & offsetMask), nil
		}

		table = tableAt(pte.Frame())
	}
}

// PageRun describes Count pages of the same size mapping a physically
// contiguous range starting at PhysAddr to a virtually contiguous range
// starting at VirtAddr.
type PageRun struct {
	PhysAddr uintptr
	VirtAddr uintptr
	Count    uintptr
	Size     PageSize
}

// MapRegion maps every page of run with prot. If a page cannot be mapped, the
// pages of run that were already mapped are unmapped again and the error is
// returned. Intermediate tables allocated along the way are kept.
func (as AddressSpace) MapRegion(alloc mm.FrameAllocator, run PageRun, prot Prot) *kernel.Error {
	if _, ok := run.Size.leafLevel(); !ok || !as.Valid() {
		return mm.ErrInvalidArgument
	}

	step := uintptr(run.Size)
	physAddr, virtAddr := run.PhysAddr&^(step-1), run.VirtAddr&^(step-1)
	for i := uintptr(0); i < run.Count; i++ {
		if err := as.Map(alloc, physAddr+i*step, virtAddr+i*step, prot, run.Size); err != nil {
			as.UnmapRegion(virtAddr, i, run.Size)
			return err
		}
	}

	return nil
}

// UnmapRegion removes count consecutive translations of the given size
// starting at virtAddr. It stops at the first page that cannot be unmapped.
func (as AddressSpace) UnmapRegion(virtAddr, count uintptr, size PageSize) *kernel.Error {
	step := uintptr(size)
	virtAddr &^= step - 1
	for i := uintptr(0); i < count; i++ {
		if err := as.Unmap(virtAddr+i*step, size); err != nil {
			return err
		}
	}

	return nil
}
