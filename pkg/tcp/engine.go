package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/lwip-tcpip/lwip-sub001/pkg/config"
	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

// Engine owns every TCP PCB (listening, active, and TIME_WAIT) and the
// single timewheel that drives all of their timers, per spec.md §4.H.
type Engine struct {
	ipEngine *ip.Engine
	Cfg      *config.Config
	wheel    *timewheel.Wheel
	pcbPool  *memp.Pool[PCB]
	segPool  *memp.Pool[inSegment]

	mu       sync.Mutex
	listen   []*PCB
	active   []*PCB
	timeWait []*PCB

	isnCounter uint32
}

// New registers Engine as the IP engine's TCP protocol handler.
func New(ipEngine *ip.Engine, cfg *config.Config, wheel *timewheel.Wheel) *Engine {
	e := &Engine{
		ipEngine: ipEngine,
		Cfg:      cfg,
		wheel:    wheel,
		pcbPool:  memp.New[PCB]("tcp_pcb", cfg.MempNumTCPPCB),
		segPool:  memp.New[inSegment]("tcp_seg", cfg.MempNumTCPSeg),
	}
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	e.isnCounter = binary.BigEndian.Uint32(seed[:])
	ipEngine.RegisterProto(ip.ProtoTCP, e.input)
	return e
}

func (e *Engine) now() time.Time { return time.Now() }

// nextISN advances lwIP's own scheme: a counter incremented by a large
// step per call, not by wall-clock tick. The counter starts from a random
// seed drawn in New, so ISNs differ from one Engine to the next.
func (e *Engine) nextISN() uint32 {
	e.isnCounter += 64000
	return e.isnCounter
}

// NewPCB checks out a detached PCB in CLOSED state from the fixed-count
// pool (spec.md §4.B), returning lwiperr.OutOfMemory once MempNumTCPPCB are
// in use.
func (e *Engine) NewPCB() (*PCB, error) {
	pcb, ok := e.pcbPool.Alloc()
	if !ok {
		return nil, lwiperr.OutOfMemory
	}
	pcb.State = StateClosed
	pcb.RTO = 3 * time.Second
	pcb.RcvWnd = uint32(e.Cfg.TCPWnd)
	pcb.Cwnd = uint32(e.Cfg.TCPMSS)
	pcb.Ssthresh = uint32(e.Cfg.TCPWnd)
	pcb.engine = e
	return pcb, nil
}

// Listen transitions pcb to LISTEN on localIP:localPort, per spec.md
// §4.H.6.
func (e *Engine) Listen(pcb *PCB, localIP net.IP, localPort uint16, backlog int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, other := range e.listen {
		if other.LocalPort == localPort && other.LocalIP.Equal(localIP) {
			return lwiperr.InUse
		}
	}
	pcb.LocalIP = localIP
	pcb.LocalPort = localPort
	pcb.State = StateListen
	pcb.backlog = backlog
	if pcb.backlog <= 0 {
		pcb.backlog = 4
	}
	pcb.acceptQueue = make(chan *PCB, pcb.backlog)
	e.listen = append(e.listen, pcb)
	return nil
}

// Connect performs an active open: send SYN, move to SYN_SENT.
func (e *Engine) Connect(pcb *PCB, remoteIP net.IP, remotePort uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	nif := e.ipEngine.Reg.Route(remoteIP)
	if nif == nil {
		return lwiperr.Routing
	}
	if pcb.LocalIP == nil || pcb.LocalIP.IsUnspecified() {
		pcb.LocalIP = nif.Addr
	}
	if pcb.LocalPort == 0 {
		pcb.LocalPort = e.ephemeralPort()
	}
	pcb.RemoteIP = remoteIP
	pcb.RemotePort = remotePort
	pcb.SndNxt = e.nextISN()
	pcb.SndUna = pcb.SndNxt
	pcb.SndWL2 = pcb.SndUna
	pcb.MSS = 0
	pcb.State = StateSynSent
	e.active = append(e.active, pcb)

	e.sendSYN(pcb, false)
	pcb.SndNxt++
	pcb.SndMax = pcb.SndNxt
	e.armRetransmitTimer(pcb)
	return nil
}

func (e *Engine) ephemeralPort() uint16 {
	for p := uint16(49152); p != 0; p++ {
		used := false
		for _, pcb := range e.active {
			if pcb.LocalPort == p {
				used = true
				break
			}
		}
		if !used {
			return p
		}
	}
	return 49152
}

// Write enqueues data for transmission, coalescing into the PCB's unsent
// queue, and kicks the output path (spec.md §4.H.3).
func (e *Engine) Write(pcb *PCB, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch pcb.State {
	case StateEstablished, StateCloseWait:
	default:
		return 0, lwiperr.ConnectionClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	mss := int(pcb.effectiveMSS())
	seq := pcb.SndNxt
	if pcb.unsentTail != nil {
		seq = pcb.unsentTail.endSeq()
	}
	for off := 0; off < len(data); off += mss {
		end := off + mss
		if end > len(data) {
			end = len(data)
		}
		seg := &outSegment{seq: seq, flags: flagACK, data: append([]byte(nil), data[off:end]...)}
		if end == len(data) {
			seg.flags |= flagPSH
		}
		e.appendUnsent(pcb, seg)
		seq = seg.endSeq()
	}

	e.drainOutput(pcb)
	return len(data), nil
}

func (e *Engine) appendUnsent(pcb *PCB, seg *outSegment) {
	if pcb.unsentTail == nil {
		pcb.unsent = seg
	} else {
		pcb.unsentTail.next = seg
	}
	pcb.unsentTail = seg
}

func (e *Engine) appendUnacked(pcb *PCB, seg *outSegment) {
	if pcb.unackedTail == nil {
		pcb.unacked = seg
	} else {
		pcb.unackedTail.next = seg
	}
	pcb.unackedTail = seg
}

// Close begins a graceful active close: flush pending data then send FIN
// per spec.md §4.H.1.
func (e *Engine) Close(pcb *PCB) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pcb.closedByApp = true
	switch pcb.State {
	case StateEstablished:
		pcb.State = StateFinWait1
		e.queueFIN(pcb)
		e.drainOutput(pcb)
	case StateCloseWait:
		pcb.State = StateLastAck
		e.queueFIN(pcb)
		e.drainOutput(pcb)
	case StateSynSent, StateSynRcvd:
		e.abortLocked(pcb, lwiperr.OK)
	case StateListen:
		e.removeListen(pcb)
		pcb.State = StateClosed
		e.pcbPool.Free(pcb)
	default:
	}
	return nil
}

func (e *Engine) queueFIN(pcb *PCB) {
	if pcb.finQueued {
		return
	}
	pcb.finQueued = true
	seq := pcb.SndNxt
	if pcb.unsentTail != nil {
		seq = pcb.unsentTail.endSeq()
	} else if pcb.unackedTail != nil {
		seq = pcb.unackedTail.endSeq()
	}
	e.appendUnsent(pcb, &outSegment{seq: seq, flags: flagFIN | flagACK})
}

func (e *Engine) removeListen(pcb *PCB) {
	for i, p := range e.listen {
		if p == pcb {
			e.listen = append(e.listen[:i], e.listen[i+1:]...)
			return
		}
	}
}

func (e *Engine) removeActive(pcb *PCB) {
	for i, p := range e.active {
		if p == pcb {
			e.active = append(e.active[:i], e.active[i+1:]...)
			return
		}
	}
}

// Abort immediately tears down pcb with RST, skipping graceful close.
func (e *Engine) Abort(pcb *PCB) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abortLocked(pcb, lwiperr.ConnectionAborted)
}

func (e *Engine) abortLocked(pcb *PCB, reason lwiperr.Err) {
	if pcb.State == StateClosed {
		return
	}
	if pcb.State != StateListen && pcb.State != StateClosed {
		e.sendRST(pcb)
	}
	e.disarmRetransmitTimer(pcb)
	e.disarmPersistTimer(pcb)
	e.wheel.Cancel(pcb.keepAliveTimer)
	e.wheel.Cancel(pcb.twTimer)
	pcb.State = StateClosed
	e.removeActive(pcb)
	stats.TCPAborts.Inc()
	if pcb.OnErr != nil {
		pcb.OnErr(pcb, reason)
	}
	e.freeSegments(pcb)
	e.pcbPool.Free(pcb)
}

func (e *Engine) finalizeClosed(pcb *PCB) {
	pcb.State = StateClosed
	for i, p := range e.timeWait {
		if p == pcb {
			e.timeWait = append(e.timeWait[:i], e.timeWait[i+1:]...)
			break
		}
	}
	e.freeSegments(pcb)
	e.pcbPool.Free(pcb)
}

// freeSegments returns every inSegment still queued on pcb's ooseq list to
// the segment pool; unsent/unacked entries are plain outSegments and are
// left to the garbage collector (see DESIGN.md).
func (e *Engine) freeSegments(pcb *PCB) {
	for s := pcb.ooseq; s != nil; {
		next := s.next
		e.segPool.Free(s)
		s = next
	}
	pcb.ooseq = nil
}

func (e *Engine) enterTimeWait(pcb *PCB) {
	e.disarmRetransmitTimer(pcb)
	e.disarmPersistTimer(pcb)
	e.wheel.Cancel(pcb.keepAliveTimer)
	pcb.State = StateTimeWait
	e.removeActive(pcb)
	e.timeWait = append(e.timeWait, pcb)
	e.armTimeWaitTimer(pcb)
}

// transmitSegment serializes and sends one outSegment, stamping sentAt for
// RTT sampling.
func (e *Engine) transmitSegment(pcb *PCB, seg *outSegment) {
	nif := e.ipEngine.Reg.Route(pcb.RemoteIP)
	if nif == nil {
		return
	}
	var mss uint16
	if seg.flags&flagSYN != 0 {
		mss = uint16(e.Cfg.TCPMSS)
	}
	wire := buildSegment(pcb.LocalIP, pcb.RemoteIP, pcb.LocalPort, pcb.RemotePort,
		seg.seq, pcb.RcvNxt, seg.flags, windowForWire(pcb), mss, seg.data)
	if seg.sentAt.IsZero() {
		seg.sentAt = e.now()
	}
	if err := e.ipEngine.OutputIf(wire, pcb.LocalIP, pcb.RemoteIP, byte(e.ipEngine.Cfg.IPDefaultTTL), ip.ProtoTCP, nif); err != nil {
		glog.V(2).Infof("tcp: output to %s:%d: %v", pcb.RemoteIP, pcb.RemotePort, err)
	}
	stats.TCPSegmentsOut.Inc()
}

func windowForWire(pcb *PCB) uint16 {
	w := pcb.advertisedWindow()
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

func (e *Engine) sendSYN(pcb *PCB, ack bool) {
	flags := flagSYN
	if ack {
		flags |= flagACK
	}
	seg := &outSegment{seq: pcb.SndNxt, flags: flags}
	e.transmitSegment(pcb, seg)
	e.appendUnacked(pcb, seg)
}

func (e *Engine) sendACK(pcb *PCB) {
	e.transmitSegment(pcb, &outSegment{seq: pcb.SndNxt, flags: flagACK})
}

func (e *Engine) sendRST(pcb *PCB) {
	e.transmitSegment(pcb, &outSegment{seq: pcb.SndNxt, flags: flagRST | flagACK})
}

func (e *Engine) sendProbe(pcb *PCB) {
	seq := pcb.SndUna - 1 // one garbage octet, per RFC 9293 persist probing
	e.transmitSegment(pcb, &outSegment{seq: seq, flags: flagACK, data: []byte{0}})
}

func (e *Engine) sendKeepaliveProbe(pcb *PCB) {
	seq := pcb.SndUna - 1
	e.transmitSegment(pcb, &outSegment{seq: seq, flags: flagACK})
}

// sendRSTTo answers a segment with no matching PCB, per RFC 793 §3.4: ACK
// the received sequence space unless the inbound segment was itself an ACK,
// in which case the RST carries that ACK value as its own sequence.
func (e *Engine) sendRSTTo(hdr ip.Header, wh wireHeader, nif *netif.Netif) {
	var seq, ack uint32
	var flags byte = flagRST
	if wh.Flags&flagACK != 0 {
		seq = wh.Ack
	} else {
		flags |= flagACK
		ack = wh.Seq + seqSpace(wh.Flags, 0)
	}
	wire := buildSegment(hdr.Dst, hdr.Src, wh.DstPort, wh.SrcPort, seq, ack, flags, 0, 0, nil)
	_ = e.ipEngine.OutputIf(wire, hdr.Dst, hdr.Src, byte(e.ipEngine.Cfg.IPDefaultTTL), ip.ProtoTCP, nif)
}

// input is the ip.ProtoHandler registered for TCP.
func (e *Engine) input(payload []byte, hdr ip.Header, nif *netif.Netif) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleSegment(payload, hdr, nif)
}
