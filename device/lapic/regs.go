package lapic

import (
	"mpkernel/kernel/mm"
	"sync/atomic"
	"unsafe"
)

// accessor reads and writes local APIC registers by their xAPIC offset.
type accessor interface {
	read(reg uint32) uint64
	write(reg uint32, val uint64)
}

// mmioAccessor accesses the 32-bit registers of the xAPIC page through the
// physical memory direct map.
type mmioAccessor struct {
	base uintptr
}

func (a *mmioAccessor) reg(reg uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(mm.PhysToVirt(a.base + uintptr(reg))))
}

func (a *mmioAccessor) read(reg uint32) uint64 {
	return uint64(atomic.LoadUint32(a.reg(reg)))
}

func (a *mmioAccessor) write(reg uint32, val uint64) {
	atomic.StoreUint32(a.reg(reg), uint32(val))
}

// msrAccessor accesses x2APIC registers through their MSR aliases.
type msrAccessor struct{}

func (msrAccessor) read(reg uint32) uint64 {
	return readMSRFn(x2apicMSRBase + reg>>4)
}

func (msrAccessor) write(reg uint32, val uint64) {
	writeMSRFn(x2apicMSRBase+reg>>4, val)
}
