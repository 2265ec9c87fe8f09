package sched

import (
	"mpkernel/kernel"
	"mpkernel/kernel/sync"
)

var errNoProcessors = &kernel.Error{Module: "sched", Message: "no processor run queues available"}

// RunQueue is a FIFO of threads ready to run on a single processor. It is
// safe for concurrent use from any processor.
type RunQueue struct {
	lock       sync.Spinlock
	head, tail *Thread
	length     int
}

// Enqueue appends t to the queue.
func (q *RunQueue) Enqueue(t *Thread) {
	q.lock.AcquireWith(sync.LockToggleInterrupts)
	t.next = nil
	if q.tail == nil {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	q.length++
	q.lock.ReleaseWith(sync.LockToggleInterrupts)
}

// Dequeue removes and returns the thread at the head of the queue or nil if
// the queue is empty.
func (q *RunQueue) Dequeue() *Thread {
	q.lock.AcquireWith(sync.LockToggleInterrupts)
	t := q.head
	if t != nil {
		q.head = t.next
		if q.head == nil {
			q.tail = nil
		}
		t.next = nil
		q.length--
	}
	q.lock.ReleaseWith(sync.LockToggleInterrupts)

	return t
}

// Len returns the number of queued threads.
func (q *RunQueue) Len() int {
	q.lock.AcquireWith(sync.LockToggleInterrupts)
	length := q.length
	q.lock.ReleaseWith(sync.LockToggleInterrupts)

	return length
}

// QueueSet provides access to the run queues of the online processors.
type QueueSet interface {
	// Count returns the number of online processors.
	Count() int

	// RunQueue returns the queue of the processor at index or nil if
	// no processor is registered there.
	RunQueue(index int) *RunQueue
}

// Enqueue places t on a processor run queue and returns the index of the
// chosen processor. Threads with an affinity go to that processor if it is
// online; other threads are spread by ID.
func Enqueue(set QueueSet, t *Thread) (int, *kernel.Error) {
	count := set.Count()
	if count == 0 {
		return -1, errNoProcessors
	}

	if t.Affinity >= 0 && t.Affinity < count {
		if q := set.RunQueue(t.Affinity); q != nil {
			q.Enqueue(t)
			return t.Affinity, nil
		}
	}

	start := int(t.ID&0xff) % count
	for i := 0; i < count; i++ {
		index := (start + i) % count
		if q := set.RunQueue(index); q != nil {
			q.Enqueue(t)
			return index, nil
		}
	}

	return -1, errNoProcessors
}
