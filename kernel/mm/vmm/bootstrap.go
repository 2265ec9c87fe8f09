package vmm

import (
	"mpkernel/kernel"
	"mpkernel/kernel/mm"
)

// lowIdentityPages is the number of 4 KiB pages identity-mapped by a
// BootstrapSpace (the first MiB of physical memory).
const lowIdentityPages = 256

// BootstrapSpace is a transitional address space used by secondary processors
// while they switch to long mode. It shares every top-level entry of the
// kernel address space except entry 0, which is replaced by a private
// PDPT -> PD -> PT chain that identity-maps the first MiB so the trampoline
// keeps executing once paging is enabled. Each level is held explicitly so
// the space can be released once no processor uses it.
type BootstrapSpace struct {
	PML4, PDPT, PD, PT mm.Frame
}

// NewBootstrapSpace builds a bootstrap space from kernelSpace. The four
// tables are allocated individually; if any allocation fails the tables
// already obtained are returned to alloc.
func NewBootstrapSpace(alloc mm.FrameAllocator, kernelSpace AddressSpace) (*BootstrapSpace, *kernel.Error) {
	if !kernelSpace.Valid() {
		return nil, mm.ErrInvalidArgument
	}

	var (
		frames [pageLevels]mm.Frame
		err    *kernel.Error
	)

	for i := range frames {
		if frames[i], err = alloc.AllocFrames(1); err != nil {
			for j := 0; j < i; j++ {
				alloc.FreeFrames(frames[j], 1)
			}
			return nil, err
		}
		kernel.Memset(mm.PhysToVirt(frames[i].Address()), 0, mm.PageSize)
	}

	bs := &BootstrapSpace{PML4: frames[0], PDPT: frames[1], PD: frames[2], PT: frames[3]}

	pml4 := tableAt(bs.PML4)
	*pml4 = *tableAt(kernelSpace.root)
	link(&pml4[0], bs.PDPT)
	link(&tableAt(bs.PDPT)[0], bs.PD)
	link(&tableAt(bs.PD)[0], bs.PT)

	pt := tableAt(bs.PT)
	for i := 0; i < lowIdentityPages; i++ {
		link(&pt[i], mm.Frame(i))
	}

	return bs, nil
}

func link(pte *pageTableEntry, frame mm.Frame) {
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagRW)
}

// AddressSpace returns the handle of the bootstrap top-level table.
func (bs *BootstrapSpace) AddressSpace() AddressSpace {
	return AddressSpace{root: bs.PML4}
}

// Release returns all four tables to alloc. The caller must ensure that no
// processor still runs on the bootstrap space.
func (bs *BootstrapSpace) Release(alloc mm.FrameAllocator) {
	for _, frame := range []mm.Frame{bs.PT, bs.PD, bs.PDPT, bs.PML4} {
		alloc.FreeFrames(frame, 1)
	}
	*bs = BootstrapSpace{}
}
