package tcp

// drainOutput transmits as much of pcb's unsent queue as the usable window
// (min(cwnd, advertised window) minus in-flight bytes) allows, per spec.md
// §4.H.3. Arms the persist timer instead when the peer's window is closed.
func (e *Engine) drainOutput(pcb *PCB) {
	switch pcb.State {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
	default:
		return
	}

	sentAny := false
	for pcb.unsent != nil {
		seg := pcb.unsent
		need := seg.seqLen()
		if pcb.UsableWindow() < need {
			if pcb.SndWnd == 0 && pcb.unsent != nil {
				e.armPersistTimer(pcb)
			}
			break
		}
		if nagleHolds(pcb, seg) {
			break
		}

		pcb.unsent = seg.next
		if pcb.unsent == nil {
			pcb.unsentTail = nil
		}
		seg.next = nil

		e.transmitSegment(pcb, seg)
		e.appendUnacked(pcb, seg)
		pcb.SndNxt = seg.endSeq()
		pcb.SndMax = seqMax(pcb.SndMax, pcb.SndNxt)
		sentAny = true
	}

	if sentAny {
		e.armRetransmitTimer(pcb)
	}
}

// nagleHolds reports whether seg should wait for more data to coalesce into
// rather than going out now, per spec.md §4.H.3: hold a small segment if any
// unacked data exists and NODELAY is off and the segment is below MSS and it
// carries no push.
func nagleHolds(pcb *PCB, seg *outSegment) bool {
	if pcb.Flags&FlagNoDelay != 0 {
		return false
	}
	if seg.flags&(flagSYN|flagFIN|flagRST) != 0 {
		return false
	}
	if seg.flags&flagPSH != 0 {
		return false
	}
	if pcb.unacked == nil {
		return false
	}
	return uint32(len(seg.data)) < pcb.effectiveMSS()
}
