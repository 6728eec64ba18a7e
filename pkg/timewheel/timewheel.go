// Package timewheel implements the per-scheduling-context timer list of
// spec.md §4.C: a deadline-ordered list driven by the port clock. In
// threaded mode the protocol thread's mailbox wait uses NextDeadline as its
// receive timeout; in callback (no-OS) mode the application calls Check
// from its main loop, the same shape as the original's
// sys_check_timeouts() call in doc/NO_SYS_SampleCode.c.
package timewheel

import (
	"sort"
	"sync"
	"time"
)

// Handler fires when a timer's deadline elapses. now is the clock reading
// at fire time, arg is whatever Schedule was given.
type Handler func(now time.Time, arg any)

type timer struct {
	deadline time.Time
	handler  Handler
	arg      any
	id       uint64
}

// Wheel is a sorted list of pending timers. Zero value is ready to use.
type Wheel struct {
	mu     sync.Mutex
	timers []timer
	nextID uint64
	clock  func() time.Time
}

// New returns a Wheel driven by clock (pass time.Now in production; a fake
// clock in tests).
func New(clock func() time.Time) *Wheel {
	if clock == nil {
		clock = time.Now
	}
	return &Wheel{clock: clock}
}

// Handle is an opaque reference to a scheduled timer, usable with Cancel.
type Handle struct{ id uint64 }

// Schedule inserts a timer firing in d from now, keeping the list ordered
// by deadline.
func (w *Wheel) Schedule(d time.Duration, h Handler, arg any) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	t := timer{deadline: w.clock().Add(d), handler: h, arg: arg, id: w.nextID}
	idx := sort.Search(len(w.timers), func(i int) bool { return w.timers[i].deadline.After(t.deadline) })
	w.timers = append(w.timers, timer{})
	copy(w.timers[idx+1:], w.timers[idx:])
	w.timers[idx] = t
	return Handle{id: t.id}
}

// Cancel removes a previously scheduled timer. A no-op if it already fired
// or was already cancelled.
func (w *Wheel) Cancel(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, t := range w.timers {
		if t.id == h.id {
			w.timers = append(w.timers[:i], w.timers[i+1:]...)
			return
		}
	}
}

// Check fires every handler whose deadline has elapsed, in deadline order.
// Handlers run synchronously on the calling goroutine (the protocol
// thread, or the no-OS application's main loop), per spec.md §5's rule
// that timer handlers never suspend and run to completion.
func (w *Wheel) Check() {
	now := w.clock()
	for {
		w.mu.Lock()
		if len(w.timers) == 0 || w.timers[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		due := w.timers[0]
		w.timers = w.timers[1:]
		w.mu.Unlock()
		due.handler(now, due.arg)
	}
}

// NextDeadline returns the time the earliest pending timer fires, and
// false if no timer is pending (the caller should then block
// indefinitely, or poll at a fixed cadence in no-OS mode).
func (w *Wheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.timers) == 0 {
		return time.Time{}, false
	}
	return w.timers[0].deadline, true
}

// Until is a convenience wrapper returning how long to wait before the
// next Check is worth calling, clamped to at least 0.
func (w *Wheel) Until() (time.Duration, bool) {
	d, ok := w.NextDeadline()
	if !ok {
		return 0, false
	}
	wait := d.Sub(w.clock())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
