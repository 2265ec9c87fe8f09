// Package sched keeps the per-processor ready queues of kernel threads.
package sched

import "sync/atomic"

// NoAffinity marks a thread that may run on any processor.
const NoAffinity = -1

var nextThreadID uint32

// Thread describes a kernel thread waiting to run.
type Thread struct {
	// ID is unique among threads created by NewKernelThread.
	ID uint32

	// Entry is the function the thread starts executing.
	Entry func()

	// Affinity is the index of the processor the thread must run on or
	// NoAffinity.
	Affinity int

	next *Thread
}

// NewKernelThread returns a thread that starts at entry and can run on any
// processor.
func NewKernelThread(entry func()) *Thread {
	return &Thread{
		ID:       atomic.AddUint32(&nextThreadID, 1),
		Entry:    entry,
		Affinity: NoAffinity,
	}
}
