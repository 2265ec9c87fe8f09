package acpi

import (
	"io"
	"mpkernel/device"
	"mpkernel/device/acpi/table"
	"mpkernel/kernel"
	"mpkernel/kernel/kfmt"
	"mpkernel/kernel/mm"
	"unsafe"
)

const (
	acpiRev1 uint8 = 0

	madtSignature = "APIC"
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}
	errMissingMADT           = &kernel.Error{Module: "acpi", Message: "MADT table not present"}
	errBadRootTable          = &kernel.Error{Module: "acpi", Message: "bad checksum for root system descriptor table"}

	// RDSP must be located in the physical memory region 0xe0000 to 0xfffff
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

	// activeDriver points to the driver instance whose DriverInit call
	// succeeded.
	activeDriver *acpiDriver

	// initErr records why no driver is active.
	initErr = errMissingRSDP
)

// MADTVisitor is invoked for each MADT record of the requested type. Returning
// false stops the enumeration.
type MADTVisitor func(*table.MADTEntry) bool

// Enumerator provides access to the ACPI tables discovered while probing for
// hardware.
type Enumerator interface {
	table.Resolver

	// VisitMADT invokes visitor for every MADT record of the given type
	// in the order they appear in the table.
	VisitMADT(entryType table.MADTEntryType, visitor MADTVisitor) *kernel.Error
}

// ActiveEnumerator returns the enumerator for the ACPI tables found at boot
// or nil if the ACPI driver was not initialized.
func ActiveEnumerator() Enumerator {
	if activeDriver == nil {
		return nil
	}

	return activeDriver
}

// InitError returns the reason the ACPI tables are unavailable or nil if the
// driver was initialized.
func InitError() *kernel.Error {
	if activeDriver != nil {
		return nil
	}

	return initErr
}

type acpiDriver struct {
	// rsdtAddr holds the physical address of the root system descriptor
	// table.
	rsdtAddr uintptr

	// useXSDT specifies if the driver must use the XSDT or the RSDT table.
	useXSDT bool

	// tableMap indexes the validated tables by signature. Headers are
	// accessed through the physical memory direct map.
	tableMap map[string]*table.SDTHeader
}

// DriverInit initializes this driver.
func (drv *acpiDriver) DriverInit(w io.Writer) *kernel.Error {
	if err := drv.enumerateTables(w); err != nil {
		initErr = err
		return err
	}

	drv.printTableInfo(w)
	activeDriver, initErr = drv, nil

	return nil
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 2
}

// LookupTable returns the header of the table with the given signature or nil
// if no such table was found.
func (drv *acpiDriver) LookupTable(name string) *table.SDTHeader {
	return drv.tableMap[name]
}

// VisitMADT walks the variable-sized records that follow the MADT header and
// invokes visitor for each record whose type matches entryType.
func (drv *acpiDriver) VisitMADT(entryType table.MADTEntryType, visitor MADTVisitor) *kernel.Error {
	header := drv.LookupTable(madtSignature)
	if header == nil {
		return errMissingMADT
	}

	var (
		start = uintptr(unsafe.Pointer(header))
		end   = start + uintptr(header.Length)
		entry *table.MADTEntry
	)

	for cur := start + unsafe.Sizeof(table.MADT{}); cur+unsafe.Sizeof(table.MADTEntry{}) <= end; cur += uintptr(entry.Length) {
		entry = (*table.MADTEntry)(unsafe.Pointer(cur))

		// A zero-length record would loop forever.
		if entry.Length == 0 {
			break
		}

		if entry.Type == entryType && !visitor(entry) {
			break
		}
	}

	return nil
}

func (drv *acpiDriver) printTableInfo(w io.Writer) {
	for name, header := range drv.tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			mm.VirtToPhys(uintptr(unsafe.Pointer(header))),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// enumerateTables walks the table list in the RSDT or XSDT and records every
// table with a valid checksum. A root table with a bad checksum is an error;
// other tables with bad checksums are reported and skipped.
func (drv *acpiDriver) enumerateTables(w io.Writer) *kernel.Error {
	header, err := lookupACPITable(drv.rsdtAddr)
	if err != nil {
		return errBadRootTable
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		sizeofHeader         = unsafe.Sizeof(table.SDTHeader{})
		entryStart           = uintptr(unsafe.Pointer(header)) + sizeofHeader
		payloadLen   uintptr
		entrySize    uintptr = 4
	)

	if uintptr(header.Length) > sizeofHeader {
		payloadLen = uintptr(header.Length) - sizeofHeader
	}

	// RSDT uses 4-byte long pointers whereas the XSDT uses 8-byte long.
	if drv.useXSDT {
		entrySize = 8
	}

	for i := uintptr(0); i < payloadLen/entrySize; i++ {
		var addr uintptr
		switch entrySize {
		case 8:
			addr = uintptr(*(*uint64)(unsafe.Pointer(entryStart + i*entrySize)))
		default:
			addr = uintptr(*(*uint32)(unsafe.Pointer(entryStart + i*entrySize)))
		}

		if header, err = lookupACPITable(addr); err != nil {
			if err != errTableChecksumMismatch {
				return err
			}

			kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
				string(header.Signature[:]),
				addr,
				header.Length,
			)
			continue
		}

		drv.tableMap[string(header.Signature[:])] = header
	}

	return nil
}

// lookupACPITable returns the header of the table at tableAddr after verifying
// its checksum. On a checksum mismatch the header is still returned so that
// callers can report the offending table.
func lookupACPITable(tableAddr uintptr) (*table.SDTHeader, *kernel.Error) {
	headerAddr := mm.PhysToVirt(tableAddr)
	header := (*table.SDTHeader)(unsafe.Pointer(headerAddr))

	if !validTable(headerAddr, header.Length) {
		return header, errTableChecksumMismatch
	}

	return header, nil
}

// locateRSDT scans the memory region [rsdpLocationLow, rsdpLocationHi] looking
// for the signature of the root system descriptor pointer (RSDP). If the RSDP
// is found and is valid, locateRSDT returns the physical address of the root
// system descriptor table (RSDT) or the extended system descriptor table (XSDT)
// if the system supports ACPI 2.0+.
func locateRSDT() (uintptr, bool, *kernel.Error) {
checkNextBlock:
	for curPtr := rsdpLocationLow; curPtr < rsdpLocationHi; curPtr += rsdpAlignment {
		virtAddr := mm.PhysToVirt(curPtr)
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(virtAddr))
		for i, b := range rsdpSignature {
			if rsdp.Signature[i] != b {
				continue checkNextBlock
			}
		}

		if rsdp.Revision == acpiRev1 {
			if !validTable(virtAddr, uint32(unsafe.Sizeof(*rsdp))) {
				continue
			}

			return uintptr(rsdp.RSDTAddr), false, nil
		}

		// System uses ACPI revision > 1 and provides an extended RSDP
		// which can be accessed at the same place.
		rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(virtAddr))
		if !validTable(virtAddr, rsdp2.Length) {
			continue
		}

		return uintptr(rsdp2.XSDTAddr), true, nil
	}

	return 0, false, errMissingRSDP
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var sum uint8

	for i := uint32(0); i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		return &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderBeforeACPI,
		Probe: probeForACPI,
	})
}
