package tcp

import (
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

// TimerHandle is an opaque reference to a scheduled PCB timer.
type TimerHandle = timewheel.Handle

const (
	msl                = 60 * time.Second
	timeWaitDuration   = 2 * msl
	delayedACKDelay    = 200 * time.Millisecond
	minRTO             = 1 * time.Second
	maxRTO             = 60 * time.Second
	minRTOVariance     = 500 * time.Millisecond
	persistInitBackoff = 7 * time.Second
	persistMaxBackoff  = 120 * time.Second
)

// sampleRTT feeds one RTT observation into the Jacobson/Karn estimator and
// re-derives RTO, clipped to [1s, 60s] per spec.md §4.H.4.
func (p *PCB) sampleRTT(rtt time.Duration) {
	if p.sa == 0 && p.sv == 0 {
		p.sa = rtt
		p.sv = rtt / 2
	} else {
		delta := rtt - p.sa
		p.sa += delta / 8
		if delta < 0 {
			delta = -delta
		}
		p.sv += (delta - p.sv) / 4
	}
	variance := 4 * p.sv
	if variance < minRTOVariance {
		variance = minRTOVariance
	}
	candidate := p.sa + variance
	switch {
	case candidate < minRTO:
		candidate = minRTO
	case candidate > maxRTO:
		candidate = maxRTO
	}
	p.RTO = candidate
}

// armRetransmitTimer (re)schedules the retransmit timer for the current
// RTO, cancelling any prior one. Armed whenever unacked is non-empty.
func (e *Engine) armRetransmitTimer(p *PCB) {
	e.wheel.Cancel(p.rtxTimer)
	if p.unacked == nil {
		return
	}
	p.rtxTimer = e.wheel.Schedule(p.RTO, e.onRetransmitTimeout, p)
}

func (e *Engine) disarmRetransmitTimer(p *PCB) {
	e.wheel.Cancel(p.rtxTimer)
}

// onRetransmitTimeout fires when no ACK arrived for the oldest unacked
// segment within RTO: retransmit it, back off exponentially, and re-enter
// slow start (spec.md §4.H.4).
func (e *Engine) onRetransmitTimeout(_ time.Time, arg any) {
	p := arg.(*PCB)
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.State == StateClosed || p.unacked == nil {
		return
	}

	head := p.unacked
	head.rtxCnt++
	if head.rtxCnt > e.Cfg.TCPMaxRTX {
		e.abortLocked(p, lwiperr.ConnectionAborted)
		return
	}

	inFlight := p.InFlight()
	newSsthresh := inFlight / 2
	if minSsthresh := 2 * p.effectiveMSS(); newSsthresh < minSsthresh {
		newSsthresh = minSsthresh
	}
	p.Ssthresh = newSsthresh
	p.Cwnd = p.effectiveMSS()
	p.Dupacks = 0

	p.RTO *= 2
	if p.RTO > maxRTO {
		p.RTO = maxRTO
	}

	head.sentAt = e.now()
	head.sampled = false
	stats.TCPRetransmits.WithLabelValues("rto").Inc()
	e.transmitSegment(p, head)
	e.armRetransmitTimer(p)
}

// armPersistTimer is used when SndWnd==0 and unsent is non-empty: probe
// the peer's window at exponentially growing intervals (spec.md §4.H.4).
func (e *Engine) armPersistTimer(p *PCB) {
	e.wheel.Cancel(p.persistTimer)
	if p.persistBackoff == 0 {
		p.persistBackoff = persistInitBackoff
	}
	p.persistTimer = e.wheel.Schedule(p.persistBackoff, e.onPersistTimeout, p)
}

func (e *Engine) disarmPersistTimer(p *PCB) {
	e.wheel.Cancel(p.persistTimer)
	p.persistBackoff = 0
}

func (e *Engine) onPersistTimeout(_ time.Time, arg any) {
	p := arg.(*PCB)
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.State == StateClosed || p.SndWnd != 0 || p.unsent == nil {
		return
	}
	e.sendProbe(p)

	p.persistBackoff *= 2
	if p.persistBackoff > persistMaxBackoff {
		p.persistBackoff = persistMaxBackoff
	}
	p.persistTimer = e.wheel.Schedule(p.persistBackoff, e.onPersistTimeout, p)
}

// armKeepAliveTimer schedules the next keepalive check at KeepIdle after
// the connection went quiet, or KeepIntvl for each subsequent probe.
func (e *Engine) armKeepAliveTimer(p *PCB, interval time.Duration) {
	e.wheel.Cancel(p.keepAliveTimer)
	if p.Flags&FlagKeepAlive == 0 {
		return
	}
	p.keepAliveTimer = e.wheel.Schedule(interval, e.onKeepAliveTimeout, p)
}

func (e *Engine) onKeepAliveTimeout(_ time.Time, arg any) {
	p := arg.(*PCB)
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.State != StateEstablished && p.State != StateCloseWait {
		return
	}
	p.keepAliveProbes++
	if p.keepAliveProbes > e.Cfg.TCPKeepCnt {
		e.abortLocked(p, lwiperr.ConnectionAborted)
		return
	}
	e.sendKeepaliveProbe(p)
	e.armKeepAliveTimer(p, time.Duration(e.Cfg.TCPKeepIntvlSecs)*time.Second)
}

// armTimeWaitTimer schedules final CLOSED transition 2*MSL after entering
// TIME_WAIT.
func (e *Engine) armTimeWaitTimer(p *PCB) {
	p.twTimer = e.wheel.Schedule(timeWaitDuration, e.onTimeWaitExpire, p)
}

func (e *Engine) onTimeWaitExpire(_ time.Time, arg any) {
	p := arg.(*PCB)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalizeClosed(p)
}

// scheduleDelayedACK arms a one-shot ACK within delayedACKDelay unless one
// is already pending.
func (e *Engine) scheduleDelayedACK(p *PCB) {
	if p.Flags&FlagDelayedACKPending != 0 {
		return
	}
	p.Flags |= FlagDelayedACKPending
	e.wheel.Schedule(delayedACKDelay, e.onDelayedACK, p)
}

func (e *Engine) onDelayedACK(_ time.Time, arg any) {
	p := arg.(*PCB)
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Flags&FlagDelayedACKPending == 0 || p.State == StateClosed {
		return
	}
	p.Flags &^= FlagDelayedACKPending
	e.sendACK(p)
}
