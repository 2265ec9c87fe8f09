package smp

const (
	msrMTRRCap       uint32 = 0xfe
	msrMTRRPhysBase0 uint32 = 0x200
	msrMTRRPhysMask0 uint32 = 0x201

	maxVariableMTRRs = 256

	cr0CacheDisable uint64 = 1 << 30
	cr0NotWriteThru uint64 = 1 << 29
)

// mtrrState holds the variable-range MTRRs of the boot processor so that
// every other processor can load identical memory types.
type mtrrState struct {
	count    int
	physBase [maxVariableMTRRs]uint64
	physMask [maxVariableMTRRs]uint64
}

func variableMTRRCount() int {
	return int(readMSRFn(msrMTRRCap) & 0xff)
}

// save reads the variable-range MTRRs of the calling processor.
func (s *mtrrState) save() {
	s.count = variableMTRRCount()
	for i := 0; i < s.count; i++ {
		s.physBase[i] = readMSRFn(msrMTRRPhysBase0 + uint32(2*i))
		s.physMask[i] = readMSRFn(msrMTRRPhysMask0 + uint32(2*i))
	}
}

// load writes the saved ranges to the calling processor. Caching is disabled
// and flushed for the duration of the update and re-enabled afterwards.
func (s *mtrrState) load() {
	cr0 := readCR0Fn()
	writeCR0Fn((cr0 | cr0CacheDisable) &^ cr0NotWriteThru)
	flushCachesFn()
	flushTLBFn()

	count := variableMTRRCount()
	if s.count < count {
		count = s.count
	}
	for i := 0; i < count; i++ {
		writeMSRFn(msrMTRRPhysBase0+uint32(2*i), s.physBase[i])
		writeMSRFn(msrMTRRPhysMask0+uint32(2*i), s.physMask[i])
	}

	flushCachesFn()
	flushTLBFn()
	writeCR0Fn(readCR0Fn() &^ cr0CacheDisable)
}
