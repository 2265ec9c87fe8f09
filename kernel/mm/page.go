package mm

import (
	"math"
	"mpkernel/kernel"
)

var (
	// ErrOutOfMemory is returned when no run of free frames large enough
	// to satisfy a request exists.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// ErrInvalidArgument is returned for null handles, zero-sized
	// requests and unsupported page sizes.
	ErrInvalidArgument = &kernel.Error{Module: "mm", Message: "invalid argument"}
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator hands out runs of physically contiguous frames.
type FrameAllocator interface {
	// AllocFrames reserves count contiguous frames and returns the first
	// one.
	AllocFrames(count uintptr) (Frame, *kernel.Error)

	// FreeFrames releases a run previously returned by AllocFrames.
	FreeFrames(base Frame, count uintptr)
}

// Region describes a physical address range.
type Region struct {
	Base uintptr
	Size uintptr
}

// Frames returns the first frame touched by the region and the number of
// frames needed to cover it.
func (r Region) Frames() (Frame, uintptr) {
	if r.Size == 0 {
		return FrameFromAddress(r.Base), 0
	}
	first := FrameFromAddress(r.Base)
	last := FrameFromAddress(r.Base + r.Size - 1)
	return first, uintptr(last-first) + 1
}
