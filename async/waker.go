// Package async provides cooperative, single-threaded wake-up plumbing for
// suspendable socket operations. It mirrors the edge-triggered Waker/Sleeper
// pattern used by production network stacks to let a blocked call resume
// without polling, but drops every mechanism (unsafe.Pointer CAS loops,
// runtime.gopark/goready linknames) that exists only to make that pattern
// safe across real OS threads. A discrete-event simulation drives one
// goroutine through the whole node graph, so a waker only needs to remember
// "I fired" until the event loop gets around to asking.
package async

// Waker is a single source of wake-up notification. It can be associated
// with at most one Sleeper at a time; a Sleeper can hold many Wakers.
// Assert is idempotent between two Fetch calls: repeated asserts before the
// Sleeper drains collapse into one pending notification, matching the
// edge-triggered semantics a poller expects.
type Waker struct {
	asserted bool
	id       int
	sleeper  *Sleeper
}

// Assert marks the waker as ready and, if it is registered with a Sleeper,
// appends it to that Sleeper's ready list.
func (w *Waker) Assert() {
	if w.asserted {
		return
	}
	w.asserted = true
	if w.sleeper != nil {
		w.sleeper.enqueue(w)
	}
}

// Clear moves the waker back to the non-asserted state and reports whether
// it was asserted beforehand.
func (w *Waker) Clear() bool {
	was := w.asserted
	w.asserted = false
	return was
}

// IsAsserted reports whether the waker is currently in the asserted state.
func (w *Waker) IsAsserted() bool { return w.asserted }

// Sleeper collects wake-up notifications from any number of registered
// Wakers. A single cooperative task (an I/O context's event loop, or a
// blocked application call being resumed turn by turn) drains it with
// Fetch. Sleeper is not safe for concurrent use; the model it serves never
// needs that, since only one logical actor touches a node at a time.
type Sleeper struct {
	ready []*Waker
}

// AddWaker registers w with the sleeper. id is returned from Fetch when w
// is the one that woke it. If w is already asserted it is queued
// immediately so a Fetch right after AddWaker observes it.
func (s *Sleeper) AddWaker(w *Waker, id int) {
	w.id = id
	w.sleeper = s
	if w.asserted {
		s.enqueue(w)
	}
}

// Fetch returns the id of the next asserted waker, in FIFO order, clearing
// it as a side effect. ok is false when nothing is currently ready; callers
// in a discrete-event simulation should reschedule themselves rather than
// block, since there is no other goroutine left to make progress.
func (s *Sleeper) Fetch() (id int, ok bool) {
	for len(s.ready) > 0 {
		w := s.ready[0]
		s.ready = s.ready[1:]
		if !w.asserted {
			continue // cleared before we got to it
		}
		w.asserted = false
		return w.id, true
	}
	return -1, false
}

// Pending reports whether at least one registered waker is currently
// asserted, without consuming it.
func (s *Sleeper) Pending() bool {
	for _, w := range s.ready {
		if w.asserted {
			return true
		}
	}
	return false
}

// Reset clears the ready list, detaching this sleeper from all its wakers'
// perspective of "currently queued" state. Queued wakers lose their pending
// notification; wakers remain registered and re-enqueue themselves on their
// next Assert.
func (s *Sleeper) Reset() {
	for _, w := range s.ready {
		w.asserted = false
	}
	s.ready = s.ready[:0]
}

func (s *Sleeper) enqueue(w *Waker) {
	for _, q := range s.ready {
		if q == w {
			return
		}
	}
	s.ready = append(s.ready, w)
}
