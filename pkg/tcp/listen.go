package tcp

import (
	"net"

	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
)

// findListen returns the LISTEN PCB bound to dstIP:dstPort, preferring an
// exact local address match over a wildcard one (spec.md §4.H.6).
func (e *Engine) findListen(dstIP net.IP, dstPort uint16) *PCB {
	var wildcard *PCB
	for _, p := range e.listen {
		if p.LocalPort != dstPort {
			continue
		}
		if p.LocalIP == nil || p.LocalIP.IsUnspecified() {
			wildcard = p
			continue
		}
		if p.LocalIP.Equal(dstIP) {
			return p
		}
	}
	return wildcard
}

// handleListen processes a segment addressed to a LISTEN PCB: only a bare
// SYN is meaningful here (spec.md §4.H.6); a segment carrying ACK draws a
// reset, and any other non-SYN segment is dropped silently.
func (e *Engine) handleListen(listener *PCB, wh wireHeader, hdr ip.Header, nif *netif.Netif) {
	if wh.Flags&flagRST != 0 {
		return
	}
	if wh.Flags&flagACK != 0 {
		e.sendRSTTo(hdr, wh, nif)
		return
	}
	if wh.Flags&flagSYN == 0 {
		return
	}
	if len(listener.acceptQueue) >= cap(listener.acceptQueue) {
		// Backlog full: drop the SYN silently, the peer will retransmit.
		return
	}

	child, err := e.NewPCB()
	if err != nil {
		// Pool exhausted (spec.md §4.B): drop the SYN, the peer retries.
		return
	}
	child.LocalIP = hdr.Dst
	child.LocalPort = wh.DstPort
	child.RemoteIP = hdr.Src
	child.RemotePort = wh.SrcPort
	child.listener = listener
	child.Callbacks = listener.Callbacks
	child.RcvNxt = wh.Seq + 1
	child.RcvAnnWnd = child.RcvWnd
	child.RcvAnnRightEdge = child.RcvNxt + child.RcvWnd
	if wh.MSS != 0 {
		child.MSS = uint32(wh.MSS)
	}
	child.SndNxt = e.nextISN()
	child.SndUna = child.SndNxt
	child.SndWL2 = child.SndUna
	child.State = StateSynRcvd
	e.active = append(e.active, child)

	e.sendSYN(child, true)
	child.SndNxt++
	child.SndMax = child.SndNxt
	e.armRetransmitTimer(child)
}

// completeAccept pushes a child PCB that just reached ESTABLISHED onto its
// listener's accept queue, invoking OnAccept first so the application can
// reject it outright (spec.md §4.H.6).
func (e *Engine) completeAccept(child *PCB) {
	listener := child.listener
	if listener == nil {
		return
	}
	if listener.OnAccept != nil && !listener.OnAccept(child) {
		e.sendRST(child)
		e.removeActive(child)
		child.State = StateClosed
		e.freeSegments(child)
		e.pcbPool.Free(child)
		return
	}
	select {
	case listener.acceptQueue <- child:
	default:
		e.sendRST(child)
		e.removeActive(child)
		child.State = StateClosed
		e.freeSegments(child)
		e.pcbPool.Free(child)
	}
}

// Accept blocks the caller only insofar as it is backed by a buffered
// channel; callers in callback mode should select on it instead.
func (e *Engine) Accept(listener *PCB) *PCB {
	return <-listener.acceptQueue
}
