package table

// Resolver is an interface implemented by objects that can lookup an ACPI table
// by its name.
//
// LookupTable attempts to locate a table by name returning back a pointer to
// its standard header or nil if the table could not be found.
type Resolver interface {
	LookupTable(string) *SDTHeader
}

// RSDPDescriptor defines the root system descriptor pointer for ACPI 1.0. This
// is used as the entry-point for parsing ACPI data.
type RSDPDescriptor struct {
	// The signature must contain "RSD PTR " (last byte is a space).
	Signature [8]byte

	// A value that when added to the sum of all other bytes contained in
	// this descriptor should result in the value 0.
	Checksum uint8

	OEMID [6]byte

	// ACPI revision number. It is 0 for ACPI1.0 and 2 for versions 2.0 to 6.2.
	Revision uint8

	// Physical address of 32-bit root system descriptor table.
	RSDTAddr uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor with additional fields. It is used
// when RSDPDescriptor.revision > 1.
type ExtRSDPDescriptor struct {
	RSDPDescriptor

	// The size of the extended descriptor in bytes. The Go struct is
	// padded past this size so Length must be used for checksums.
	Length uint32

	// Physical address of 64-bit root system descriptor table.
	XSDTAddr uint64

	// A value that when added to the sum of all other bytes contained in
	// this descriptor should result in the value 0.
	ExtendedChecksum uint8

	reserved [3]byte
}

// SDTHeader defines the common header for all ACPI-related tables.
type SDTHeader struct {
	// The signature defines the table type.
	Signature [4]byte

	// The length of the table
	Length uint32

	Revision uint8

	// A value that when added to the sum of all other bytes in the table
	// should result in the value 0.
	Checksum uint8

	// OEM specific information
	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	// Information about the ASL compiler that generated this table
	CreatorID       uint32
	CreatorRevision uint32
}

// AddressSpace defines the location where a set of registers resides.
type AddressSpace uint8

// The list of supported address space types.
const (
	AddressSpaceSysMemory AddressSpace = iota
	AddressSpaceSysIO
)

// MADT (Multiple APIC Description Table) is an ACPI table containing
// information about the interrupt controllers and the number of installed
// CPUs. Following the table header are a series of variable sized records
// (MADTEntry) which contain additional information.
type MADT struct {
	SDTHeader

	// LocalControllerAddress is the physical address of the local APIC
	// register block shared by all processors in xAPIC mode.
	LocalControllerAddress uint32
	Flags                  uint32
}

// MADTEntryType describes the type of a MADT record.
type MADTEntryType uint8

// The list of supported MADT entry types.
const (
	MADTEntryTypeLocalAPIC MADTEntryType = iota
	MADTEntryTypeIOAPIC
	MADTEntryTypeIntSrcOverride
	MADTEntryTypeNMI
)

// MADTEntry is the header shared by all MADT records. The consumer must check
// Type before casting the record to its concrete type.
type MADTEntry struct {
	Type   MADTEntryType
	Length uint8
}

// Flags of a MADTEntryLocalAPIC record.
const (
	// LocalAPICEnabled is set when the processor is ready for use.
	LocalAPICEnabled uint32 = 1 << iota

	// LocalAPICOnlineCapable is set when a disabled processor can be
	// brought online by the OS.
	LocalAPICOnlineCapable
)

// MADTEntryLocalAPIC describes a single physical processor and its local
// interrupt controller. The record includes its MADTEntry header so that a
// *MADTEntry of type MADTEntryTypeLocalAPIC can be cast to it directly.
type MADTEntryLocalAPIC struct {
	MADTEntry

	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

// Usable returns true if the processor is either enabled or can be brought
// online.
func (e *MADTEntryLocalAPIC) Usable() bool {
	return e.Flags&(LocalAPICEnabled|LocalAPICOnlineCapable) != 0
}

// HPET describes the High Precision Event Timer block. Only the fields up to
// the base address are declared; the remaining fields are not naturally
// aligned.
type HPET struct {
	SDTHeader

	EventTimerBlockID uint32

	// Generic address structure for the register block. The 64-bit
	// address sits at a 4-byte aligned offset so it is split in halves.
	AddressSpace      AddressSpace
	RegisterBitWidth  uint8
	RegisterBitOffset uint8
	reserved          uint8
	AddressLo         uint32
	AddressHi         uint32

	Number uint8
}

// BaseAddress returns the physical address of the HPET register block.
func (t *HPET) BaseAddress() uintptr {
	return uintptr(uint64(t.AddressHi)<<32 | uint64(t.AddressLo))
}
