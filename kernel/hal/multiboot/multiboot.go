// Package multiboot parses the multiboot2 information block handed over by
// the boot loader. Only the memory map and the kernel command line are used.
package multiboot

import (
	"strings"
	"unsafe"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader precedes every tag. Tags start at 8-byte aligned offsets and size
// covers the header but not the trailing padding.
type tagHeader struct {
	tagType tagType
	size    uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += unsafe.Sizeof(mmapHeader{})

	for ; curPtr < endPtr; curPtr += uintptr(hdr.entrySize) {
		entry := (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Pairs without a value ("nosmp") map to themselves. This function
// must only be invoked once the Go allocator is usable.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	curPtr, size := findTagByType(tagBootCmdLine)
	if size > 1 {
		// The command line is a NULL-terminated string.
		cmdLine := unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), size-1)
		for _, pair := range strings.Fields(string(cmdLine)) {
			if key, value, found := strings.Cut(pair, "="); found {
				cmdLineKV[key] = value
			} else {
				cmdLineKV[key] = key
			}
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the first tag of the
// specified type. It returns a pointer to the tag contents and the content
// length excluding the tag header, or (0, 0) if the tag is not present.
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	hdrSize := uint32(unsafe.Sizeof(tagHeader{}))
	curPtr := infoData + 8
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagMbSectionEnd {
			return 0, 0
		}

		if hdr.tagType == tagType {
			return curPtr + uintptr(hdrSize), hdr.size - hdrSize
		}

		curPtr += uintptr((hdr.size + 7) &^ 7)
	}
}
