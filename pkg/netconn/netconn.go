// Package netconn implements spec.md §4.J's sequential, blocking API over
// the event-driven PCB engines: a handle with a receive mailbox and a
// last-error slot, so a caller can Connect/Read/Write/SendTo without ever
// seeing a raw callback. There is no accept mailbox and no Accept; passive
// opens go through tcp.Engine's Listen and Accept directly.
package netconn

import (
	"net"
	"sync"

	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stackctx"
	"github.com/lwip-tcpip/lwip-sub001/pkg/tcp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/udp"
)

// Type distinguishes the two transports a Conn can wrap.
type Type int

const (
	TypeTCP Type = iota
	TypeUDP
)

const recvMailboxDepth = 16

// recvChunk is one queued delivery: either application bytes, an EOF
// marker (Data == nil, EOF == true), or a terminal error.
type recvChunk struct {
	Data []byte
	EOF  bool
	Err  lwiperr.Err
}

// Conn is one netconn handle (spec.md §3): recv_mbox, send_sem (modeled as
// Write blocking inline since pkg/tcp.Write already applies backpressure via
// the usable window), and last_err. It has no accept_mbox.
type Conn struct {
	typ Type
	ctx *stackctx.Context

	tcpEngine *tcp.Engine
	tcpPCB    *tcp.PCB

	udpEngine *udp.Engine
	udpPCB    *udp.PCB

	mu       sync.Mutex
	recvMbox chan recvChunk
	lastErr  lwiperr.Err
	closed   bool
}

// NewTCP wraps a fresh TCP PCB in a Conn, wiring its Callbacks to feed
// recvMbox. Fails with lwiperr.OutOfMemory if the TCP PCB pool (spec.md
// §4.B) is exhausted.
func NewTCP(ctx *stackctx.Context, e *tcp.Engine) (*Conn, error) {
	pcb, err := e.NewPCB()
	if err != nil {
		return nil, err
	}
	c := &Conn{typ: TypeTCP, ctx: ctx, tcpEngine: e, recvMbox: make(chan recvChunk, recvMailboxDepth)}
	c.tcpPCB = pcb
	c.tcpPCB.Callbacks = tcp.Callbacks{
		OnRecv: c.onTCPRecv,
		OnErr:  c.onTCPErr,
	}
	return c, nil
}

// NewUDP wraps a fresh UDP PCB in a Conn. Fails with lwiperr.OutOfMemory if
// the UDP PCB pool (spec.md §4.B) is exhausted.
func NewUDP(ctx *stackctx.Context, e *udp.Engine) (*Conn, error) {
	pcb, err := e.NewPCB()
	if err != nil {
		return nil, err
	}
	c := &Conn{typ: TypeUDP, ctx: ctx, udpEngine: e, recvMbox: make(chan recvChunk, recvMailboxDepth)}
	c.udpPCB = pcb
	c.udpPCB.Recv = c.onUDPRecv
	return c, nil
}

func (c *Conn) onTCPRecv(_ *tcp.PCB, data []byte, eof bool) {
	if eof {
		c.recvMbox <- recvChunk{EOF: true}
		return
	}
	c.recvMbox <- recvChunk{Data: append([]byte(nil), data...)}
}

func (c *Conn) onTCPErr(_ *tcp.PCB, err lwiperr.Err) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.recvMbox <- recvChunk{Err: err}
}

func (c *Conn) onUDPRecv(payload []byte, srcIP net.IP, srcPort uint16, _ *udp.PCB) {
	c.recvMbox <- recvChunk{Data: append([]byte(nil), payload...)}
}

// Connect performs a blocking active open; it returns once the peer's
// SYN-ACK arrives or the connection attempt fails.
func (c *Conn) Connect(remoteIP net.IP, remotePort uint16) error {
	result := make(chan lwiperr.Err, 1)
	c.tcpPCB.OnConnected = func(_ *tcp.PCB, err lwiperr.Err) { result <- err }
	var connErr error
	c.ctx.Do(func() {
		connErr = c.tcpEngine.Connect(c.tcpPCB, remoteIP, remotePort)
	})
	if connErr != nil {
		return connErr
	}
	if err := <-result; err != lwiperr.OK {
		return err
	}
	return nil
}

// Read blocks for the next chunk of application data, reporting a clean
// close as (nil, true, nil) so callers distinguish it from an error.
func (c *Conn) Read() (data []byte, eof bool, err error) {
	chunk, ok := <-c.recvMbox
	if !ok {
		return nil, true, nil
	}
	if chunk.Err != lwiperr.OK {
		return nil, false, chunk.Err
	}
	return chunk.Data, chunk.EOF, nil
}

// Write sends data, applying backpressure via the PCB's usable window.
func (c *Conn) Write(data []byte) (int, error) {
	var n int
	var err error
	c.ctx.Do(func() {
		n, err = c.tcpEngine.Write(c.tcpPCB, data)
	})
	return n, err
}

// SendTo transmits one UDP datagram.
func (c *Conn) SendTo(data []byte, dstIP net.IP, dstPort uint16) error {
	var err error
	c.ctx.Do(func() { err = c.udpEngine.Send(c.udpPCB, data, dstIP, dstPort) })
	return err
}

// Close tears the connection down (TCP: graceful FIN; UDP: deregisters the
// PCB) and unblocks any pending Read with an EOF.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	switch c.typ {
	case TypeTCP:
		c.ctx.Do(func() { _ = c.tcpEngine.Close(c.tcpPCB) })
	case TypeUDP:
		c.ctx.Do(func() { c.udpEngine.FreePCB(c.udpPCB) })
	}
	close(c.recvMbox)
	return nil
}
