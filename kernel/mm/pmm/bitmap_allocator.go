// Package pmm implements the physical frame allocator.
package pmm

import (
	"mpkernel/kernel"
	"mpkernel/kernel/hal/multiboot"
	"mpkernel/kernel/kfmt"
	"mpkernel/kernel/mm"
	"mpkernel/kernel/sync"
	"unsafe"
)

var (
	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "memory map does not contain any usable region"}
	errNoBitmapHole   = &kernel.Error{Module: "pmm", Message: "no usable region is large enough to hold the frame bitmap"}
)

// MemoryMapFn enumerates the regions of the system memory map.
type MemoryMapFn func(visitor multiboot.MemRegionVisitor)

// BitmapAllocator tracks the state of every physical frame below the highest
// usable address with one bit per frame; a set bit means the frame is in use
// or unusable. The bitmap lives in physical memory, in the first stretch of a
// usable region that can hold it without touching a reserved region, and is
// accessed through the direct map.
type BitmapAllocator struct {
	lock sync.Spinlock

	bitmap []uint8

	// cursor is the frame index where the next scan starts.
	cursor uintptr

	// frameCount is the number of frames tracked by the bitmap.
	frameCount uintptr

	// Byte totals gathered from the memory map.
	totalBytes    uint64
	usableBytes   uint64
	reservedBytes uint64
	highestUsable uint64

	usableFrames uintptr
	freeFrames   uintptr
}

// Init builds the frame bitmap from the memory map enumerated by visitFn.
// Frames overlapping any of the reserved regions are never handed out.
func (alloc *BitmapAllocator) Init(visitFn MemoryMapFn, reserved ...mm.Region) *kernel.Error {
	alloc.lock.AcquireWith(sync.LockToggleInterrupts)
	defer alloc.lock.ReleaseWith(sync.LockToggleInterrupts)

	alloc.cursor, alloc.usableFrames, alloc.freeFrames = 0, 0, 0
	alloc.totalBytes, alloc.usableBytes, alloc.reservedBytes, alloc.highestUsable = 0, 0, 0, 0
	alloc.probe(visitFn)
	if alloc.highestUsable == 0 {
		return errNoUsableMemory
	}

	alloc.frameCount = uintptr(alloc.highestUsable >> mm.PageShift)
	bitmapBytes := (alloc.frameCount + 7) >> 3
	bitmapRegion := mm.Region{Size: (bitmapBytes + mm.PageSize - 1) &^ (mm.PageSize - 1)}

	var found bool
	visitFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start, end := usableFrames(region)
		if base, ok := findHole(start, end, bitmapRegion.Size>>mm.PageShift, reserved); ok {
			bitmapRegion.Base = base.Address()
			found = true
			return false
		}
		return true
	})

	if !found {
		return errNoBitmapHole
	}

	alloc.bitmap = unsafe.Slice((*uint8)(unsafe.Pointer(mm.PhysToVirt(bitmapRegion.Base))), bitmapBytes)

	// Start with every frame marked unavailable and then release the pages
	// that are fully contained in usable regions.
	kernel.Memset(mm.PhysToVirt(bitmapRegion.Base), 0xff, bitmapBytes)
	visitFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start, end := usableFrames(region)
		for frame := start; frame < end; frame++ {
			alloc.clearBit(uintptr(frame))
		}
		return true
	})

	alloc.markRegion(bitmapRegion)
	for _, region := range reserved {
		alloc.markRegion(region)
	}

	for index := uintptr(0); index < alloc.frameCount; index++ {
		if !alloc.testBit(index) {
			alloc.freeFrames++
		}
	}
	alloc.usableFrames = alloc.freeFrames

	alloc.printStats(bitmapRegion)
	return nil
}

// probe walks the memory map once and records byte totals and the highest
// usable address.
func (alloc *BitmapAllocator) probe(visitFn MemoryMapFn) {
	kfmt.Printf("[pmm] system memory map:\n")
	visitFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		alloc.totalBytes += region.Length
		if region.Type != multiboot.MemAvailable {
			alloc.reservedBytes += region.Length
			return true
		}

		alloc.usableBytes += region.Length
		if top := region.PhysAddress + region.Length; top > alloc.highestUsable {
			alloc.highestUsable = top
		}
		return true
	})
}

// usableFrames returns the half-open range of frames that lie completely
// inside region.
func usableFrames(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame) {
	pageMask := uint64(mm.PageSize - 1)
	start := mm.Frame(((region.PhysAddress + pageMask) &^ pageMask) >> mm.PageShift)
	end := mm.Frame(((region.PhysAddress + region.Length) &^ pageMask) >> mm.PageShift)
	return start, end
}

// findHole returns the first run of count frames in [start, end) that does not
// overlap any of the reserved regions.
func findHole(start, end mm.Frame, count uintptr, reserved []mm.Region) (mm.Frame, bool) {
	candidate := start
nextCandidate:
	for candidate+mm.Frame(count) <= end {
		for _, region := range reserved {
			first, frames := region.Frames()
			if frames != 0 && first < candidate+mm.Frame(count) && candidate < first+mm.Frame(frames) {
				candidate = first + mm.Frame(frames)
				continue nextCandidate
			}
		}
		return candidate, true
	}

	return mm.InvalidFrame, false
}

func (alloc *BitmapAllocator) markRegion(region mm.Region) {
	first, count := region.Frames()
	for index := uintptr(first); index < uintptr(first)+count && index < alloc.frameCount; index++ {
		alloc.setBit(index)
	}
}

func (alloc *BitmapAllocator) testBit(index uintptr) bool {
	return alloc.bitmap[index>>3]&(1<<(index&7)) != 0
}

func (alloc *BitmapAllocator) setBit(index uintptr) {
	alloc.bitmap[index>>3] |= 1 << (index & 7)
}

func (alloc *BitmapAllocator) clearBit(index uintptr) {
	alloc.bitmap[index>>3] &^= 1 << (index & 7)
}

// AllocFrames reserves count physically contiguous frames and returns the
// first one. The scan starts at the cursor left behind by the previous
// successful allocation and is retried once from frame 0 before giving up.
func (alloc *BitmapAllocator) AllocFrames(count uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, mm.ErrInvalidArgument
	}

	alloc.lock.AcquireWith(sync.LockToggleInterrupts)
	defer alloc.lock.ReleaseWith(sync.LockToggleInterrupts)

	index, ok := alloc.scan(count)
	if !ok {
		alloc.cursor = 0
		if index, ok = alloc.scan(count); !ok {
			return mm.InvalidFrame, mm.ErrOutOfMemory
		}
	}

	for i := index; i < index+count; i++ {
		alloc.setBit(i)
	}
	alloc.cursor = index + count
	alloc.freeFrames -= count

	return mm.Frame(index), nil
}

// scan looks for count consecutive clear bits between the cursor and the end
// of the bitmap.
func (alloc *BitmapAllocator) scan(count uintptr) (uintptr, bool) {
	var runStart, runLen uintptr

	for index := alloc.cursor; index < alloc.frameCount; index++ {
		if alloc.testBit(index) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}

		if runLen++; runLen == count {
			return runStart, true
		}
	}

	return 0, false
}

// FreeFrames returns a run of frames obtained from AllocFrames. The run is not
// validated; releasing frames that were never allocated corrupts the
// accounting.
func (alloc *BitmapAllocator) FreeFrames(base mm.Frame, count uintptr) {
	alloc.lock.AcquireWith(sync.LockToggleInterrupts)
	for index := uintptr(base); index < uintptr(base)+count; index++ {
		alloc.clearBit(index)
	}
	alloc.freeFrames += count
	alloc.lock.ReleaseWith(sync.LockToggleInterrupts)
}

// TotalFrames returns the number of frames tracked by the bitmap.
func (alloc *BitmapAllocator) TotalFrames() uintptr { return alloc.frameCount }

// UsableFrames returns the number of frames that were free after Init.
func (alloc *BitmapAllocator) UsableFrames() uintptr { return alloc.usableFrames }

// FreeFrameCount returns the number of frames currently available.
func (alloc *BitmapAllocator) FreeFrameCount() uintptr {
	alloc.lock.AcquireWith(sync.LockToggleInterrupts)
	defer alloc.lock.ReleaseWith(sync.LockToggleInterrupts)
	return alloc.freeFrames
}

// AllocatedFrameCount returns the number of usable frames currently handed
// out.
func (alloc *BitmapAllocator) AllocatedFrameCount() uintptr {
	return alloc.usableFrames - alloc.FreeFrameCount()
}

// HighestUsableAddress returns the end of the highest usable memory region.
func (alloc *BitmapAllocator) HighestUsableAddress() uint64 { return alloc.highestUsable }

func (alloc *BitmapAllocator) printStats(bitmapRegion mm.Region) {
	kfmt.Printf("[pmm] frame bitmap at 0x%x, %d bytes\n", bitmapRegion.Base, bitmapRegion.Size)
	printSize("memory installed", alloc.totalBytes)
	printSize("memory usable", alloc.usableBytes)
	printSize("memory reserved", alloc.reservedBytes)
	kfmt.Printf("[pmm] usable top: 0x%x, %d frames free\n", alloc.highestUsable, alloc.freeFrames)
}

func printSize(label string, bytes uint64) {
	const (
		mib = 1 << 20
		gib = 1 << 30
	)

	if bytes >= gib {
		kfmt.Printf("[pmm] %s: %d GiB\n", label, bytes/gib)
	} else {
		kfmt.Printf("[pmm] %s: %d MiB\n", label, bytes/mib)
	}
}
