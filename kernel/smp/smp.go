// Package smp brings the secondary processors described by the ACPI MADT
// online. The boot processor drives each one through INIT and STARTUP IPIs,
// hands it a bootstrap address space and stack through a fixed descriptor
// and waits for it to report in from long mode.
package smp

import (
	"mpkernel/device/acpi"
	"mpkernel/device/acpi/table"
	"mpkernel/device/lapic"
	"mpkernel/kernel"
	"mpkernel/kernel/cpu"
	"mpkernel/kernel/kfmt"
	"mpkernel/kernel/mm"
	"mpkernel/kernel/mm/vmm"
	"mpkernel/kernel/sched"
	"sync/atomic"
	"unsafe"
)

const (
	defaultStackPages uintptr = 4

	initSettleMs    = 20
	startupSettleMs = 2
	startupIPIs     = 2

	// Entries shorter than this are truncated and ignored.
	localAPICEntryLen = uint8(unsafe.Sizeof(table.MADTEntryLocalAPIC{}))
)

var (
	errInvalidConfig        = &kernel.Error{Module: "smp", Message: "incomplete bring-up configuration"}
	errBootstrapRootTooHigh = &kernel.Error{Module: "smp", Message: "bootstrap PML4 must reside below 4GiB"}
	errAlreadyStarted       = &kernel.Error{Module: "smp", Message: "bring-up already performed"}

	// the following functions are mocked by tests.
	pauseFn       = cpu.Pause
	idleFn        = idle
	panicFn       = kfmt.Panic
	readCR0Fn     = cpu.ReadCR0
	writeCR0Fn    = cpu.WriteCR0
	flushCachesFn = cpu.FlushCaches
	flushTLBFn    = vmm.FlushTLB
	readMSRFn     = cpu.ReadMSR
	writeMSRFn    = cpu.WriteMSR
	hasFeatureFn  = cpu.HasFeature
	activateFn    = vmm.AddressSpace.Activate

	// active is the controller whose bring-up is in progress. Starting
	// processors find their configuration through it.
	active *Controller
)

// State tracks the progress of a single processor through bring-up.
type State uint8

// The bring-up states.
const (
	StateDiscovered State = iota
	StateInitSent
	StateStartupSent
	StateWaitingReady
	StateUp
	StateSkipped
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateInitSent:
		return "init-sent"
	case StateStartupSent:
		return "startup-sent"
	case StateWaitingReady:
		return "waiting-ready"
	case StateUp:
		return "up"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MADTEnumerator walks the processor records of the MADT.
type MADTEnumerator interface {
	VisitMADT(entryType table.MADTEntryType, visitor acpi.MADTVisitor) *kernel.Error
}

// Sleeper provides a coarse busy-wait delay.
type Sleeper interface {
	MSleep(ms uint64)
}

// Config describes the collaborators used during bring-up.
type Config struct {
	// Allocator provides stacks, page tables and the bootstrap space.
	Allocator mm.FrameAllocator

	// KernelSpace is the address space of the boot processor. Its upper
	// half is shared by every processor.
	KernelSpace vmm.AddressSpace

	Enumerator MADTEnumerator
	Sleeper    Sleeper

	// BSP is the local controller of the boot processor.
	BSP LocalController

	// LocalControllerFn is invoked on each starting processor to enable
	// its own local controller.
	LocalControllerFn func() (LocalController, *kernel.Error)

	// MaxSecondaries caps the number of processors started besides the
	// boot processor. Zero selects the table capacity.
	MaxSecondaries int

	// SyncMTRR copies the variable-range MTRRs of the boot processor to
	// every started processor.
	SyncMTRR bool

	// StackPages is the size of each processor's initial stack. Zero
	// selects a default.
	StackPages uintptr
}

type bringUpRecord struct {
	apicID uint32
	state  State
}

// Controller performs processor bring-up.
type Controller struct {
	cfg Config

	processors ProcessorTable
	bootstrap  *vmm.BootstrapSpace
	mtrr       mtrrState
	syncMTRR   bool

	records     [MaxProcessors]bringUpRecord
	recordCount int

	// started counts the processors that acknowledged the handshake and
	// up counts those that reached the entry routine.
	started uint32
	up      uint32

	done bool
}

// NewController returns a controller for cfg, filling in defaults.
func NewController(cfg Config) *Controller {
	if cfg.StackPages == 0 {
		cfg.StackPages = defaultStackPages
	}
	if cfg.MaxSecondaries <= 0 || cfg.MaxSecondaries > MaxProcessors-1 {
		cfg.MaxSecondaries = MaxProcessors - 1
	}

	return &Controller{cfg: cfg}
}

// Processors returns the table of online processors.
func (c *Controller) Processors() *ProcessorTable {
	return &c.processors
}

// State returns the bring-up state of the processor with the given APIC ID.
func (c *Controller) State(apicID uint32) (State, bool) {
	for i := 0; i < c.recordCount; i++ {
		if c.records[i].apicID == apicID {
			return c.records[i].state, true
		}
	}

	return 0, false
}

// UpCount returns the number of secondary processors that reached the entry
// routine.
func (c *Controller) UpCount() int {
	return int(atomic.LoadUint32(&c.up))
}

// Start registers the boot processor, starts every usable processor listed in
// the MADT and queues an idle thread for each processor that came up. It
// returns once all started processors run on their own address space.
func (c *Controller) Start() *kernel.Error {
	cfg := &c.cfg
	if cfg.Allocator == nil || cfg.Enumerator == nil || cfg.Sleeper == nil || cfg.BSP == nil || cfg.LocalControllerFn == nil || !cfg.KernelSpace.Valid() {
		return errInvalidConfig
	}

	if c.done {
		return errAlreadyStarted
	}
	c.done = true

	bspID := cfg.BSP.ReadID()
	if err := c.processors.Register(&Processor{APICID: bspID, LAPIC: cfg.BSP, AddressSpace: cfg.KernelSpace}); err != nil {
		return err
	}

	bs, err := vmm.NewBootstrapSpace(cfg.Allocator, cfg.KernelSpace)
	if err != nil {
		return err
	}
	if bs.PML4.Address() >= maxBootstrapRoot {
		bs.Release(cfg.Allocator)
		return errBootstrapRootTooHigh
	}
	c.bootstrap = bs

	if cfg.SyncMTRR && hasFeatureFn(cpu.FeatureMTRR) {
		c.mtrr.save()
		c.syncMTRR = true
	}

	installTrampoline()
	active = c

	var startErr *kernel.Error
	err = cfg.Enumerator.VisitMADT(table.MADTEntryTypeLocalAPIC, func(entry *table.MADTEntry) bool {
		if entry.Length < localAPICEntryLen {
			return true
		}

		if c.recordCount == len(c.records) {
			kfmt.Printf("[smp] bring-up table full; ignoring remaining processors\n")
			return false
		}

		lapicEntry := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(entry))
		apicID := uint32(lapicEntry.APICID)

		if apicID == bspID || !lapicEntry.Usable() {
			c.record(apicID).state = StateSkipped
			return true
		}

		if startErr = c.startProcessor(apicID); startErr != nil {
			return false
		}

		return int(c.started) < cfg.MaxSecondaries
	})

	if err == nil {
		err = startErr
	}
	if err != nil {
		return err
	}

	for atomic.LoadUint32(&c.up) < c.started {
		pauseFn()
	}

	c.bootstrap.Release(cfg.Allocator)
	c.bootstrap = nil

	if c.started == 0 {
		kfmt.Printf("[smp] no secondary processors found\n")
	} else {
		kfmt.Printf("[smp] %d processor(s) up\n", c.started)
	}

	for i := uint32(0); i < c.started; i++ {
		if _, err = sched.Enqueue(&c.processors, sched.NewKernelThread(idle)); err != nil {
			return err
		}
	}

	return nil
}

// record appends a bring-up record for apicID. Callers must check that the
// table has room.
func (c *Controller) record(apicID uint32) *bringUpRecord {
	rec := &c.records[c.recordCount]
	rec.apicID, rec.state = apicID, StateDiscovered
	c.recordCount++

	return rec
}

// startProcessor runs the INIT-STARTUP-STARTUP sequence for a single
// processor and waits for the trampoline to consume the descriptor.
func (c *Controller) startProcessor(apicID uint32) *kernel.Error {
	cfg := &c.cfg
	rec := c.record(apicID)

	stack, err := cfg.Allocator.AllocFrames(cfg.StackPages)
	if err != nil {
		return err
	}
	stackTop := mm.PhysToVirt(stack.Address() + cfg.StackPages*mm.PageSize)

	desc := descriptorAt()
	desc.Publish(c.bootstrap.PML4.Address(), stackTop, entryAddr())

	if err = cfg.BSP.SendIPI(lapic.IPI{Dest: apicID, Delivery: lapic.DeliveryInit}); err != nil {
		return err
	}
	rec.state = StateInitSent
	cfg.Sleeper.MSleep(initSettleMs)

	for i := 0; i < startupIPIs; i++ {
		if err = cfg.BSP.SendIPI(lapic.IPI{Dest: apicID, Vector: startupVector, Delivery: lapic.DeliveryStartup}); err != nil {
			return err
		}
		rec.state = StateStartupSent
		cfg.Sleeper.MSleep(startupSettleMs)
	}

	rec.state = StateWaitingReady
	desc.WaitReady()
	rec.state = StateUp
	c.started++

	return nil
}

// entryAddr returns the code address of secondaryEntry.
func entryAddr() uintptr {
	entry := secondaryEntry
	return **(**uintptr)(unsafe.Pointer(&entry))
}

// secondaryEntry is the first Go code executed by a started processor. It
// runs on the stack from the descriptor with the bootstrap address space
// still active.
func secondaryEntry() {
	c := active

	if c.syncMTRR {
		c.mtrr.load()
	} else {
		flushCachesFn()
		flushTLBFn()
	}

	space, err := vmm.Fork(c.cfg.Allocator, c.cfg.KernelSpace)
	if err != nil {
		panicFn(err)
		return
	}
	activateFn(space)

	ctrl, err := c.cfg.LocalControllerFn()
	if err != nil {
		panicFn(err)
		return
	}

	p := &Processor{APICID: ctrl.ReadID(), LAPIC: ctrl, AddressSpace: space}
	if err = c.processors.Register(p); err != nil {
		panicFn(err)
		return
	}
	atomic.AddUint32(&c.up, 1)

	kfmt.Printf("[smp] processor %d (APIC ID %d) online\n", p.ID, p.APICID)
	idleFn()
}

// idle halts the processor until the next interrupt, forever.
func idle() {
	for {
		cpu.Halt()
	}
}
