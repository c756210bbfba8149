// Package cycletimer implements the simulator's scheduler: a min-heap of callbacks
// keyed by an absolute simulated cycle count, used by peripherals to arrange for a
// side effect (a timer's next counter tick, a button autorelease) to fire at a
// future point in simulated time.
package cycletimer

import (
	"container/heap"
	"reflect"
)

// Cycle is an absolute simulated cycle count.
type Cycle uint64

// Callback is invoked once its deadline is reached. If it returns a non-zero cycle
// count, the entry is re-armed at that absolute cycle; returning zero retires it.
type Callback func(now Cycle, param interface{}) Cycle

type entry struct {
	deadline Cycle
	seq      uint64
	cb       Callback
	param    interface{}
	canceled bool
}

// entryHeap is a container/heap.Interface ordering by deadline, then by
// registration order (seq) so entries sharing a deadline fire FIFO.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{})  { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler owns the pending-callback heap for one simulator instance. Not safe for
// concurrent use.
type Scheduler struct {
	heap entryHeap
	seq  uint64
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// RegisterAt arms cb to fire once the scheduler is drained at or past the given
// absolute cycle.
func (s *Scheduler) RegisterAt(cycle Cycle, cb Callback, param interface{}) {
	e := &entry{deadline: cycle, seq: s.seq, cb: cb, param: param}
	s.seq++
	heap.Push(&s.heap, e)
}

// RegisterInCycles arms cb to fire delta cycles after now.
func (s *Scheduler) RegisterInCycles(now Cycle, delta Cycle, cb Callback, param interface{}) {
	s.RegisterAt(now+delta, cb, param)
}

// RegisterInMicroseconds arms cb to fire after the number of cycles that us
// microseconds take at freq Hz, rounded to the nearest whole cycle.
func (s *Scheduler) RegisterInMicroseconds(now Cycle, freqHz uint32, us uint32, cb Callback, param interface{}) {
	s.RegisterAt(now+MicrosecondsToCycles(freqHz, us), cb, param)
}

// MicrosecondsToCycles converts a microsecond duration to a cycle count at freqHz,
// rounding to the nearest cycle.
func MicrosecondsToCycles(freqHz uint32, us uint32) Cycle {
	num := uint64(freqHz) * uint64(us)
	// num is in Hz*us = cycles*1e6; round to nearest by adding half the divisor.
	return Cycle((num + 500000) / 1000000)
}

// Cancel removes every pending entry registered with a callback and param matching
// cb/param. Matching uses the callback's function pointer (two Callback values
// created from the same function literal/method expression compare equal) and
// reflect.DeepEqual on param, since arbitrary interface{} payloads (slices, structs
// containing pointers) are not always comparable with ==.
func (s *Scheduler) Cancel(cb Callback, param interface{}) {
	target := reflect.ValueOf(cb).Pointer()
	kept := s.heap[:0]
	for _, e := range s.heap {
		if reflect.ValueOf(e.cb).Pointer() == target && reflect.DeepEqual(e.param, param) {
			continue
		}
		kept = append(kept, e)
	}
	s.heap = kept
	heap.Init(&s.heap)
}

// Drain fires every entry whose deadline is <= cycle, in deadline/FIFO order. Each
// callback is invoked with its own scheduled deadline, not the cycle Drain was
// called with, so a self-rescheduling callback (now + period) advances by exactly
// one period per firing regardless of how late Drain got around to it. A fired
// callback that returns a non-zero cycle is re-armed at that cycle; this may be a
// cycle already <= the cycle being drained, in which case it fires again within this
// same Drain call (matching the "callback may re-register during its own invocation"
// contract).
func (s *Scheduler) Drain(cycle Cycle) {
	for len(s.heap) > 0 && s.heap[0].deadline <= cycle {
		e := heap.Pop(&s.heap).(*entry)
		next := e.cb(e.deadline, e.param)
		if next != 0 {
			s.RegisterAt(next, e.cb, e.param)
		}
	}
}

// Len returns the number of pending entries, used by tests to assert on cancellation.
func (s *Scheduler) Len() int {
	return len(s.heap)
}
