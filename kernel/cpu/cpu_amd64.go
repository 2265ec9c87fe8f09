package cpu

var (
	cpuidFn = ID
)

// Feature identifies a processor capability reported by CPUID leaf 1.
type Feature uint8

const (
	// FeatureAPIC is set when the processor contains an on-chip local APIC.
	FeatureAPIC Feature = iota

	// FeatureMTRR is set when the processor supports memory type range
	// registers.
	FeatureMTRR

	// FeatureX2APIC is set when the local APIC can operate in x2APIC
	// (MSR-based) mode.
	FeatureX2APIC
)

// HasFeature queries CPUID leaf 1 and reports whether the requested feature
// is supported by the running processor.
func HasFeature(f Feature) bool {
	_, _, ecx, edx := cpuidFn(1)

	switch f {
	case FeatureAPIC:
		return edx&(1<<9) != 0
	case FeatureMTRR:
		return edx&(1<<12) != 0
	case FeatureX2APIC:
		return ecx&(1<<21) != 0
	default:
		return false
	}
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if RFLAGS.IF is set on the current processor.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// Pause hints the processor that the caller is inside a spin-wait loop.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// FlushCaches writes back and invalidates all processor caches (WBINVD).
func FlushCaches()

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint64

// WriteCR0 stores val in the CR0 register.
func WriteCR0(val uint64)

// ReadMSR returns the contents of the requested model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores value in the requested model-specific register.
func WriteMSR(msr uint32, value uint64)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
