package shmem

import "sync"

// StatusPending is the sentinel value stored in a Messenger's status
// slot while a host call is in flight, per spec.md §3 "Messengers".
const StatusPending = ^uint32(0) // -1 as uint32, i.e. 0xFFFFFFFF

// Messenger is a small shared request/response channel between exactly
// one runner and the controller at a time, used uniformly for console,
// network, and filesystem host calls (spec.md §4.3). ResultSlots is
// sized per call family by the caller.
type Messenger struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status uint32
	result []uint32
}

// NewMessenger creates a messenger with the given number of result slots.
func NewMessenger(resultSlots int) *Messenger {
	m := &Messenger{
		status: StatusPending,
		result: make([]uint32, resultSlots),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// BeginRequest marks the messenger pending, for the runner to call just
// before posting its request message to the controller (spec.md §4.3
// step 1).
func (m *Messenger) BeginRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusPending
}

// Wait blocks until the controller has completed the in-flight call, then
// returns the status code and a copy of the result slots. It only
// returns after observing status != StatusPending, so every result slot
// the controller wrote before the status write is guaranteed visible
// here (spec.md §5, §8 "ordering guarantees").
func (m *Messenger) Wait() (status uint32, result []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.status == StatusPending {
		m.cond.Wait()
	}
	out := make([]uint32, len(m.result))
	copy(out, m.result)
	return m.status, out
}

// Complete is called by the controller: it writes every result slot
// first, then writes status last, then wakes the single waiter. Calling
// it with a short slots slice leaves the remaining result slots
// untouched.
func (m *Messenger) Complete(status uint32, slots ...uint32) {
	m.mu.Lock()
	for i, v := range slots {
		if i >= len(m.result) {
			break
		}
		m.result[i] = v
	}
	m.status = status
	m.mu.Unlock()
	m.cond.Signal()
}

// Pending reports whether a call is currently in flight on this
// messenger.
func (m *Messenger) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusPending
}
