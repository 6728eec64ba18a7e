// Package stackctx implements spec.md §4.K / §5's two concurrency modes
// over the same protocol engines: a single protocol goroutine fed by a
// mailbox (threaded/netconn mode), or a bare critical-section guard around
// direct calls from interrupt/driver context (callback/NO_SYS mode). Both
// share the same invariant: pbuf ref-count mutation and memp pool
// checkout/return only ever happen with the guard held.
package stackctx

import (
	"sync"
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

// apiCall is one funneled request: run on the protocol thread (or, in
// callback mode, inline under the critical section) and report completion.
type apiCall struct {
	fn   func()
	done chan struct{}
}

// Context is the funnel every netconn/bsdsock call and every driver input
// hook goes through. NewThreaded and NewCallback construct the two modes
// spec.md §5 requires to coexist in the same binary.
type Context struct {
	wheel *timewheel.Wheel

	threaded bool
	mailbox  chan apiCall
	done     chan struct{}

	mu sync.Mutex // callback-mode critical section; unused in threaded mode
}

// NewThreaded starts a protocol goroutine that serializes every call
// through a mailbox, the way the original's tcpip_thread does: one thread
// owns every PCB and pbuf ref count, callers block on a reply channel.
func NewThreaded(wheel *timewheel.Wheel) *Context {
	c := &Context{wheel: wheel, threaded: true, mailbox: make(chan apiCall, 64), done: make(chan struct{})}
	go c.run()
	return c
}

func (c *Context) run() {
	for {
		wait := 5 * time.Second
		if d, ok := c.wheel.Until(); ok {
			wait = d
		}
		select {
		case call, ok := <-c.mailbox:
			if !ok {
				return
			}
			call.fn()
			close(call.done)
		case <-time.After(wait):
			c.wheel.Check()
		case <-c.done:
			return
		}
	}
}

// NewCallback returns a Context with no background goroutine: every call
// runs inline under a plain mutex, the way the no-OS sample's main loop
// calls into the stack directly from driver/interrupt context (spec.md
// §9's SYS_LIGHTWEIGHT_PROT case).
func NewCallback(wheel *timewheel.Wheel) *Context {
	return &Context{wheel: wheel, threaded: false}
}

// Do runs fn with the stack's single critical section held, funneling
// through the protocol thread in threaded mode or taking the mutex
// directly in callback mode.
func (c *Context) Do(fn func()) {
	if !c.threaded {
		c.mu.Lock()
		defer c.mu.Unlock()
		fn()
		return
	}
	done := make(chan struct{})
	c.mailbox <- apiCall{fn: fn, done: done}
	<-done
}

// Poll runs any due timers. Threaded mode already does this on its own
// goroutine; callback mode requires the application's main loop to call
// this the way doc/NO_SYS_SampleCode.c calls sys_check_timeouts().
func (c *Context) Poll() {
	if c.threaded {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wheel.Check()
}

// Close stops the protocol goroutine in threaded mode; a no-op otherwise.
func (c *Context) Close() {
	if c.threaded {
		close(c.done)
	}
}
