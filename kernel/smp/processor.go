package smp

import (
	"mpkernel/device/lapic"
	"mpkernel/kernel"
	"mpkernel/kernel/mm/vmm"
	"mpkernel/kernel/sched"
	"mpkernel/kernel/sync"
)

// MaxProcessors is the capacity of the processor table.
const MaxProcessors = 256

var errProcessorTableFull = &kernel.Error{Module: "smp", Message: "processor table is full"}

// LocalController is the subset of the local interrupt controller used by the
// bring-up code.
type LocalController interface {
	ReadID() uint32
	SendIPI(lapic.IPI) *kernel.Error
	TimerFrequency() uint64
	EOI()
}

// Processor describes an online processor.
type Processor struct {
	// ID is the index of the processor in the processor table. The boot
	// processor always has ID 0.
	ID int

	APICID uint32

	LAPIC LocalController

	// AddressSpace is the private address space the processor runs on.
	AddressSpace vmm.AddressSpace

	RunQueue sched.RunQueue
}

// ProcessorTable holds the online processors indexed by registration order.
type ProcessorTable struct {
	lock    sync.Spinlock
	entries [MaxProcessors]*Processor
	count   int
}

// Register appends p to the table and assigns its ID.
func (t *ProcessorTable) Register(p *Processor) *kernel.Error {
	t.lock.AcquireWith(sync.LockToggleInterrupts)
	defer t.lock.ReleaseWith(sync.LockToggleInterrupts)

	if t.count == len(t.entries) {
		return errProcessorTableFull
	}

	p.ID = t.count
	t.entries[t.count] = p
	t.count++
	return nil
}

// Get returns the processor with the given ID or nil if there is none.
func (t *ProcessorTable) Get(index int) *Processor {
	t.lock.AcquireWith(sync.LockToggleInterrupts)
	defer t.lock.ReleaseWith(sync.LockToggleInterrupts)

	if index < 0 || index >= t.count {
		return nil
	}

	return t.entries[index]
}

// Count returns the number of registered processors.
func (t *ProcessorTable) Count() int {
	t.lock.AcquireWith(sync.LockToggleInterrupts)
	defer t.lock.ReleaseWith(sync.LockToggleInterrupts)

	return t.count
}

// RunQueue returns the run queue of the processor at index. It allows the
// table to be used as a sched.QueueSet.
func (t *ProcessorTable) RunQueue(index int) *sched.RunQueue {
	if p := t.Get(index); p != nil {
		return &p.RunQueue
	}

	return nil
}
