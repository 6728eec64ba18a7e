// Package tcp implements the connection state machine, segmentation,
// retransmission, out-of-order reassembly, and congestion control of
// spec.md §4.H — the hardest, largest component of the stack. Its send/
// receive-window loop is grounded on the teacher's vendored kcp-go ARQ
// engine (kcp.go/sess.go): RTO via Jacobson/Karn, slow-start/congestion-
// avoidance cwnd growth, and fast retransmit on three duplicate ACKs are
// all adapted from that engine's ikcp_update/ikcp_flush shape into a true
// multi-state TCP PCB (kcp itself has no connection states beyond "is
// this session alive").
package tcp

import (
	"net"
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
)

// State is one of spec.md §3's eleven TCP states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return "UNKNOWN"
	}
}

// Flags are per-PCB behavior bits (spec.md §3).
type Flags uint8

const (
	FlagNoDelay Flags = 1 << iota
	FlagKeepAlive
	FlagDelayedACKPending
)

// Callbacks is the capability record of spec.md §9's re-architecture note:
// each member is an optional closure over the client's own state, attached
// per PCB instead of a bag of raw function pointers.
type Callbacks struct {
	OnAccept    func(newConn *PCB) bool // returns false to reject (sends RST)
	OnRecv      func(pcb *PCB, data []byte, eof bool)
	OnSent      func(pcb *PCB, acked uint32)
	OnPoll      func(pcb *PCB)
	OnErr       func(pcb *PCB, err lwiperr.Err) // fires exactly once; pcb is invalid after it returns
	OnConnected func(pcb *PCB, err lwiperr.Err)
}

// PCB is a TCP protocol control block (spec.md §3).
type PCB struct {
	LocalIP, RemoteIP     net.IP
	LocalPort, RemotePort uint16
	State                 State

	// Sequence space.
	SndNxt, SndUna, SndWnd, SndWL1, SndWL2, SndMax uint32
	RcvNxt, RcvWnd, RcvAnnWnd, RcvAnnRightEdge      uint32

	// Window / congestion.
	Cwnd, Ssthresh      uint32
	MSS                 uint32
	RTO                 time.Duration
	sa, sv              time.Duration // Jacobson/Karn smoothed-RTT estimator state
	Dupacks             int
	persistBackoff      time.Duration

	// Queues.
	unsent  *outSegment // not yet transmitted, tail-appended
	unsentTail *outSegment
	unacked *outSegment // in flight, ordered by seqno, head is oldest
	unackedTail *outSegment
	ooseq   *inSegment // out-of-order received, ordered by seqno

	Flags    Flags
	Priority int
	Callbacks

	// Listen-only state.
	backlog     int
	acceptQueue chan *PCB

	// Set on a child spawned from a LISTEN PCB's SYN handling; nil on
	// actively-opened or listening PCBs themselves.
	listener *PCB

	// Timer handles, owned by the Engine's single timewheel.
	rtxTimer, persistTimer, keepAliveTimer, twTimer TimerHandle
	keepIdleElapsed                                 time.Duration
	keepAliveProbes                                 int

	closedByApp bool // app called Close(): send remaining data then FIN
	finQueued   bool

	engine *Engine
}

// TimerHandle aliases timewheel.Handle to keep this file's import list
// small; defined in timers.go alongside the scheduling helpers.

// InFlight is the number of bytes currently unacknowledged.
func (p *PCB) InFlight() uint32 {
	return p.SndNxt - p.SndUna
}

// UsableWindow is how many more bytes output may send right now.
func (p *PCB) UsableWindow() uint32 {
	w := p.Cwnd
	if p.SndWnd < w {
		w = p.SndWnd
	}
	inFlight := p.InFlight()
	if inFlight >= w {
		return 0
	}
	return w - inFlight
}

// effectiveMSS returns the negotiated MSS, defaulting to the configured
// value if negotiation hasn't happened yet (e.g. on a fresh active PCB
// before SYN is sent).
func (p *PCB) effectiveMSS() uint32 {
	if p.MSS == 0 {
		return uint32(p.engine.Cfg.TCPMSS)
	}
	return p.MSS
}

// advertisedWindow applies silly-window-syndrome avoidance (spec.md
// §4.H.3): the announced right edge only moves forward once the window
// has grown by at least min(MSS, rcv_buf/2), so a slowly-draining
// receiver doesn't dribble out one-byte window updates.
func (p *PCB) advertisedWindow() uint32 {
	trueEdge := p.RcvNxt + p.RcvWnd
	switch {
	case p.RcvAnnRightEdge == 0 || seqLess(p.RcvAnnRightEdge, p.RcvNxt):
		p.RcvAnnRightEdge = trueEdge
	default:
		if growth := trueEdge - p.RcvAnnRightEdge; growth > 0 {
			thresh := p.effectiveMSS()
			if half := p.RcvWnd / 2; half < thresh {
				thresh = half
			}
			if growth >= thresh {
				p.RcvAnnRightEdge = trueEdge
			}
		}
	}
	p.RcvAnnWnd = p.RcvAnnRightEdge - p.RcvNxt
	return p.RcvAnnWnd
}
