package tcp

import (
	"net"

	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
)

// handleSegment demultiplexes an inbound TCP segment to the matching PCB
// (active connection, TIME_WAIT, or LISTEN), per spec.md §4.H.2.
func (e *Engine) handleSegment(payload []byte, hdr ip.Header, nif *netif.Netif) {
	wh, data, ok := parseSegment(payload)
	if !ok {
		stats.IPDrops.WithLabelValues("tcp_malformed").Inc()
		return
	}
	if !verifyChecksum(hdr.Src, hdr.Dst, payload) {
		stats.IPDrops.WithLabelValues("tcp_bad_checksum").Inc()
		return
	}

	if pcb := findByTuple(e.active, hdr.Dst, hdr.Src, wh.DstPort, wh.SrcPort); pcb != nil {
		e.handleForPCB(pcb, wh, data, hdr, nif)
		return
	}
	if pcb := findByTuple(e.timeWait, hdr.Dst, hdr.Src, wh.DstPort, wh.SrcPort); pcb != nil {
		e.handleTimeWait(pcb, wh, hdr, nif)
		return
	}
	if listener := e.findListen(hdr.Dst, wh.DstPort); listener != nil {
		e.handleListen(listener, wh, hdr, nif)
		return
	}
	if wh.Flags&flagRST == 0 {
		e.sendRSTTo(hdr, wh, nif)
	}
}

func findByTuple(list []*PCB, dstIP, srcIP net.IP, dstPort, srcPort uint16) *PCB {
	for _, p := range list {
		if p.LocalPort == dstPort && p.RemotePort == srcPort &&
			p.LocalIP.Equal(dstIP) && p.RemoteIP.Equal(srcIP) {
			return p
		}
	}
	return nil
}

func (e *Engine) handleForPCB(pcb *PCB, wh wireHeader, data []byte, hdr ip.Header, nif *netif.Netif) {
	if wh.Flags&flagRST != 0 {
		e.onReset(pcb, wh)
		return
	}

	switch pcb.State {
	case StateSynSent:
		e.handleSynSent(pcb, wh, nif)
		return
	case StateSynRcvd:
		if wh.Flags&flagACK == 0 {
			return
		}
		if wh.Ack != pcb.SndNxt {
			e.sendRSTTo(hdr, wh, nif)
			return
		}
		pcb.SndUna = wh.Ack
		pcb.unacked, pcb.unackedTail = nil, nil
		pcb.SndWnd = uint32(wh.Window)
		pcb.SndWL1 = wh.Seq
		pcb.SndWL2 = wh.Ack
		pcb.State = StateEstablished
		e.disarmRetransmitTimer(pcb)
		e.completeAccept(pcb)
	}

	e.processEstablished(pcb, wh, data)
}

// onReset tears down pcb on an in-window RST, per RFC 793 §3.4.
func (e *Engine) onReset(pcb *PCB, wh wireHeader) {
	if !seqLessEq(pcb.RcvNxt, wh.Seq) || !seqLess(wh.Seq, pcb.RcvNxt+pcb.RcvWnd+1) {
		return // outside the receive window: ignore per RFC 5961
	}
	reason := lwiperr.ConnectionReset
	if pcb.State == StateSynSent {
		reason = lwiperr.ConnectionAborted
	}
	e.abortLocked(pcb, reason)
}

func (e *Engine) handleSynSent(pcb *PCB, wh wireHeader, nif *netif.Netif) {
	if wh.Flags&flagSYN == 0 {
		return
	}
	if wh.Flags&flagACK != 0 {
		if wh.Ack != pcb.SndNxt {
			return
		}
		pcb.SndUna = wh.Ack
		pcb.unacked, pcb.unackedTail = nil, nil
		pcb.RcvNxt = wh.Seq + 1
		pcb.RcvAnnWnd = pcb.RcvWnd
		pcb.RcvAnnRightEdge = pcb.RcvNxt + pcb.RcvWnd
		if wh.MSS != 0 {
			pcb.MSS = uint32(wh.MSS)
		}
		pcb.SndWnd = uint32(wh.Window)
		pcb.SndWL1 = wh.Seq
		pcb.SndWL2 = wh.Ack
		pcb.State = StateEstablished
		e.disarmRetransmitTimer(pcb)
		e.sendACK(pcb)
		if pcb.OnConnected != nil {
			pcb.OnConnected(pcb, lwiperr.OK)
		}
		return
	}

	// Simultaneous open: bare SYN, no ACK.
	pcb.RcvNxt = wh.Seq + 1
	pcb.State = StateSynRcvd
	e.sendSYN(pcb, true)
	pcb.SndNxt++
	pcb.SndMax = pcb.SndNxt
}

// processEstablished applies ACK bookkeeping, in-order/out-of-order data
// delivery, and FIN state transitions shared by every post-handshake state
// (spec.md §4.H.2, §4.H.5).
func (e *Engine) processEstablished(pcb *PCB, wh wireHeader, data []byte) {
	if wh.Flags&flagACK != 0 {
		e.processACK(pcb, wh)
	}

	if len(data) > 0 || wh.Flags&flagFIN != 0 {
		e.processData(pcb, wh, data)
	}
}

// processACK advances SndUna, updates the send window, samples RTT,
// detects duplicate ACKs for fast retransmit, and runs congestion-window
// growth (spec.md §4.H.4).
func (e *Engine) processACK(pcb *PCB, wh wireHeader) {
	if seqGreater(wh.Ack, pcb.SndNxt) {
		return // ACKs something not yet sent; drop (could challenge-ACK)
	}

	if seqLessEq(wh.Ack, pcb.SndUna) {
		// Old or duplicate ACK.
		if wh.Ack == pcb.SndUna && pcb.unacked != nil &&
			uint32(wh.Window) == pcb.SndWnd && pcb.State == StateEstablished {
			pcb.Dupacks++
			if pcb.Dupacks == 3 {
				pcb.Ssthresh = seqMax(pcb.InFlight()/2, 2*pcb.effectiveMSS())
				pcb.Cwnd = pcb.Ssthresh + 3*pcb.effectiveMSS()
				head := pcb.unacked
				head.sentAt = e.now()
				head.sampled = false
				head.rtxCnt++
				stats.TCPRetransmits.WithLabelValues("fast_retransmit").Inc()
				e.transmitSegment(pcb, head)
			} else if pcb.Dupacks > 3 {
				pcb.Cwnd += pcb.effectiveMSS() // inflate during fast recovery
			}
		}
		return
	}

	// New data acknowledged: dequeue unacked segments fully covered by Ack.
	acked := wh.Ack - pcb.SndUna
	var sampledRTT *outSegment
	for pcb.unacked != nil && seqLessEq(pcb.unacked.endSeq(), wh.Ack) {
		seg := pcb.unacked
		if !seg.sampled && seg.rtxCnt == 0 {
			sampledRTT = seg
		}
		pcb.unacked = seg.next
		if pcb.unacked == nil {
			pcb.unackedTail = nil
		}
	}

	if pcb.Dupacks >= 3 {
		// Exiting fast recovery.
		pcb.Cwnd = pcb.Ssthresh
	}
	pcb.Dupacks = 0
	pcb.SndUna = wh.Ack

	if seqLess(pcb.SndWL1, wh.Seq) || (pcb.SndWL1 == wh.Seq && seqLessEq(pcb.SndWL2, wh.Ack)) {
		pcb.SndWnd = uint32(wh.Window)
		pcb.SndWL1 = wh.Seq
		pcb.SndWL2 = wh.Ack
	}

	if sampledRTT != nil {
		pcb.sampleRTT(e.now().Sub(sampledRTT.sentAt))
	}

	// Slow start below ssthresh, congestion avoidance above it.
	mss := pcb.effectiveMSS()
	if pcb.Cwnd < pcb.Ssthresh {
		pcb.Cwnd += seqMin(acked, mss)
	} else {
		pcb.Cwnd += (mss*mss)/pcb.Cwnd + 1
	}

	if pcb.unacked == nil {
		e.disarmRetransmitTimer(pcb)
	} else {
		e.armRetransmitTimer(pcb)
	}

	if pcb.OnSent != nil {
		pcb.OnSent(pcb, acked)
	}

	switch pcb.State {
	case StateFinWait1:
		if pcb.finQueued && pcb.unacked == nil && pcb.unsent == nil {
			pcb.State = StateFinWait2
		}
	case StateClosing:
		if pcb.unacked == nil && pcb.unsent == nil {
			e.enterTimeWait(pcb)
		}
	case StateLastAck:
		if pcb.unacked == nil && pcb.unsent == nil {
			e.abortLocked(pcb, lwiperr.OK)
		}
	}

	e.drainOutput(pcb)
}

// processData trims an inbound segment to the receive window, delivers
// in-order bytes immediately, and queues anything arriving early in ooseq
// (spec.md §4.H.5), coalescing it forward as gaps close.
func (e *Engine) processData(pcb *PCB, wh wireHeader, data []byte) {
	seq := wh.Seq
	fin := wh.Flags&flagFIN != 0

	if seqLess(seq, pcb.RcvNxt) {
		trim := pcb.RcvNxt - seq
		if trim > uint32(len(data)) {
			trim = uint32(len(data))
		}
		data = data[trim:]
		seq = pcb.RcvNxt
	}
	windowEdge := pcb.RcvNxt + pcb.RcvWnd
	if seqGreaterEq(seq, windowEdge) {
		e.sendACK(pcb)
		return
	}
	if over := (seq + uint32(len(data))); seqGreater(over, windowEdge) {
		data = data[:windowEdge-seq]
	}

	if seq == pcb.RcvNxt {
		// Fold the ooseq entries this segment makes contiguous into the same
		// delivery, so the application sees the closed gap as one run.
		for !fin && pcb.ooseq != nil && seqLessEq(pcb.ooseq.seq, seq+uint32(len(data))) {
			s := pcb.ooseq
			end := seq + uint32(len(data))
			if seqGreater(s.seq+uint32(len(s.data)), end) {
				data = append(append([]byte(nil), data...), s.data[end-s.seq:]...)
			}
			fin = s.fin
			pcb.ooseq = s.next
			e.segPool.Free(s)
		}
		if len(data) > 0 && pcb.OnRecv != nil {
			pcb.OnRecv(pcb, data, false)
		}
		pcb.RcvNxt += uint32(len(data))
		if fin {
			pcb.RcvNxt++
		}
		e.absorbOOSeq(pcb)
		e.handleFINTransition(pcb, fin)
	} else if e.engineQueuesOOSeq() {
		e.insertOOSeq(pcb, seq, data, fin)
	}

	if pcb.Flags&FlagNoDelay != 0 {
		e.sendACK(pcb)
	} else {
		e.scheduleDelayedACK(pcb)
	}
}

func (e *Engine) engineQueuesOOSeq() bool { return true }

// insertOOSeq merges a new out-of-order segment into ooseq, keeping the list
// strictly ordered by sequence with no overlap (spec.md §4.H.5, invariant 2):
// entries fully covered by the new segment are discarded, a predecessor
// overlapping from the left has its tail trimmed, a successor overlapping
// from the right has its head trimmed, and adjacent entries that now abut
// are coalesced into one. Evicts the entry with the largest starting
// sequence when the segment pool is exhausted — but never one whose start
// equals RcvNxt, since that is the entry closing the very gap delivery is
// waiting on (spec.md §9 Q2).
func (e *Engine) insertOOSeq(pcb *PCB, seq uint32, data []byte, fin bool) {
	if len(data) == 0 && !fin {
		return
	}
	seg, ok := e.segPool.Alloc()
	if !ok {
		// Pool exhausted (spec.md §4.B): evict the ooseq tail and retry once;
		// if that frees nothing, drop the out-of-order segment and let the
		// peer's retransmit carry it.
		e.evictOOSeqTail(pcb)
		if seg, ok = e.segPool.Alloc(); !ok {
			return
		}
	}
	seg.seq, seg.data, seg.fin = seq, append([]byte(nil), data...), fin

	var out []*inSegment
	for cur := pcb.ooseq; cur != nil; cur = cur.next {
		switch {
		case seqGreaterEq(seg.seq, cur.seq) && seqLessEq(seg.endSeq(), cur.endSeq()):
			// seg is fully covered by an existing entry: nothing to add.
			e.segPool.Free(seg)
			return
		case seqLessEq(seg.seq, cur.seq) && seqGreaterEq(seg.endSeq(), cur.endSeq()):
			// cur is fully covered by seg: drop cur.
			e.segPool.Free(cur)
		case seqLess(cur.seq, seg.seq) && seqGreater(cur.endSeq(), seg.seq):
			// cur overlaps seg from the left: trim cur's tail.
			cur.data = cur.data[:seg.seq-cur.seq]
			cur.fin = false
			out = append(out, cur)
		case seqLess(seg.endSeq(), cur.endSeq()) && seqGreater(seg.endSeq(), cur.seq):
			// cur overlaps seg from the right: trim cur's head.
			trim := seg.endSeq() - cur.seq
			cur.data = cur.data[trim:]
			cur.seq = seg.endSeq()
			out = append(out, cur)
		default:
			out = append(out, cur)
		}
	}
	out = append(out, seg)

	// Restore sequence order, then coalesce adjacent non-FIN runs that now
	// abut exactly (the trims above can only create abutting pairs, never
	// new overlaps).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && seqLess(out[j].seq, out[j-1].seq); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	merged := out[:0]
	for _, s := range out {
		if n := len(merged); n > 0 && !merged[n-1].fin && merged[n-1].endSeq() == s.seq {
			merged[n-1].data = append(merged[n-1].data, s.data...)
			merged[n-1].fin = s.fin
			e.segPool.Free(s)
			continue
		}
		merged = append(merged, s)
	}

	pcb.ooseq = nil
	for i := len(merged) - 1; i >= 0; i-- {
		merged[i].next = pcb.ooseq
		pcb.ooseq = merged[i]
	}

	const maxOOSeq = 64
	if len(merged) > maxOOSeq {
		e.evictOOSeqTail(pcb)
	}
}

func (e *Engine) evictOOSeqTail(pcb *PCB) {
	if pcb.ooseq == nil || pcb.ooseq.next == nil {
		return
	}
	var prev *inSegment
	cur := pcb.ooseq
	for cur.next != nil {
		prev = cur
		cur = cur.next
	}
	if cur.seq == pcb.RcvNxt {
		return
	}
	prev.next = nil
	e.segPool.Free(cur)
}

// absorbOOSeq delivers ooseq entries once the gap before them has closed.
// The head entry's start may sit strictly before RcvNxt (the in-order bytes
// just delivered can reach past where this entry begins, since insertOOSeq
// only keeps entries strictly ordered and non-overlapping against each
// other, not against data delivered directly), so its front is trimmed to
// RcvNxt before delivery.
func (e *Engine) absorbOOSeq(pcb *PCB) {
	for pcb.ooseq != nil && seqLessEq(pcb.ooseq.seq, pcb.RcvNxt) {
		seg := pcb.ooseq
		if seqLess(seg.seq, pcb.RcvNxt) {
			seg.data = seg.data[pcb.RcvNxt-seg.seq:]
			seg.seq = pcb.RcvNxt
		}
		pcb.ooseq = seg.next
		if len(seg.data) > 0 && pcb.OnRecv != nil {
			pcb.OnRecv(pcb, seg.data, false)
		}
		pcb.RcvNxt += uint32(len(seg.data))
		fin := seg.fin
		e.segPool.Free(seg)
		if fin {
			pcb.RcvNxt++
			e.handleFINTransition(pcb, true)
		}
	}
}

// handleFINTransition advances the state machine's passive-close arm when
// the peer's FIN has just been consumed in-order.
func (e *Engine) handleFINTransition(pcb *PCB, finConsumed bool) {
	if !finConsumed {
		return
	}
	if pcb.OnRecv != nil {
		pcb.OnRecv(pcb, nil, true)
	}
	switch pcb.State {
	case StateEstablished:
		pcb.State = StateCloseWait
	case StateFinWait1:
		pcb.State = StateClosing
	case StateFinWait2:
		e.enterTimeWait(pcb)
	}
}

func (e *Engine) handleTimeWait(pcb *PCB, wh wireHeader, hdr ip.Header, nif *netif.Netif) {
	if wh.Flags&flagFIN != 0 {
		// A retransmitted FIN restarts the 2MSL window (RFC 793 §3.5).
		e.wheel.Cancel(pcb.twTimer)
		e.armTimeWaitTimer(pcb)
	}
	e.sendACK(pcb)
}
