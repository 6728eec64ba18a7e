package ip

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/lwip-tcpip/lwip-sub001/pkg/config"
	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

// ICMPCallbacks is the seam the IP engine uses to ask ICMP to emit
// destination-unreachable/time-exceeded, without importing pkg/icmp
// directly (pkg/icmp imports pkg/ip to send, so the dependency only runs
// one way; this interface is the other half of that wiring, satisfied by
// icmp.Service and injected via Engine.SetICMP at stack construction).
type ICMPCallbacks interface {
	DestUnreachableProto(orig *pbuf.Buf, hdr Header, nif *netif.Netif)
	DestUnreachablePort(orig *pbuf.Buf, hdr Header, nif *netif.Netif)
	TimeExceeded(orig *pbuf.Buf, hdr Header, nif *netif.Netif)
}

// ProtoHandler is how UDP/TCP/ICMP register to receive datagrams addressed
// to this host. payload excludes the IP header.
type ProtoHandler func(payload []byte, hdr Header, nif *netif.Netif)

// Engine is the IP datapath of spec.md §4.E.
type Engine struct {
	Reg  *netif.Registry
	Cfg  *config.Config
	Pool *memp.Pool[pbuf.Buf]

	reass *reassembler
	icmp  ICMPCallbacks

	mu       sync.RWMutex
	handlers map[byte]ProtoHandler

	ident uint32
}

// NewEngine constructs an IP engine bound to reg for routing and cfg for
// behavior flags. wheel drives reassembly-entry expiry.
func NewEngine(reg *netif.Registry, cfg *config.Config, pool *memp.Pool[pbuf.Buf], wheel *timewheel.Wheel) *Engine {
	return &Engine{
		Reg:      reg,
		Cfg:      cfg,
		Pool:     pool,
		reass:    newReassembler(wheel, time.Duration(cfg.IPReassMaxAge)*time.Second, cfg.MempNumReassdata),
		handlers: make(map[byte]ProtoHandler),
	}
}

func (e *Engine) SetICMP(cb ICMPCallbacks) { e.icmp = cb }

// ICMPForUnreachable exposes the registered ICMPCallbacks to other protocol
// engines (pkg/udp) that need to request a port-unreachable without
// importing pkg/icmp directly.
func (e *Engine) ICMPForUnreachable() (ICMPCallbacks, bool) {
	if e.icmp == nil {
		return nil, false
	}
	return e.icmp, true
}

func (e *Engine) RegisterProto(proto byte, h ProtoHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[proto] = h
}

func (e *Engine) handlerFor(proto byte) (ProtoHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[proto]
	return h, ok
}

// Input processes one received datagram per spec.md §4.E. p's payload
// starts at the IP header.
func (e *Engine) Input(p *pbuf.Buf, inNif *netif.Netif) {
	data := p.Payload()
	hdr, err := ParseHeader(data)
	if err != nil {
		stats.IPDrops.WithLabelValues("malformed").Inc()
		return
	}
	if hdr.IHL > MinHeaderLen && !e.Cfg.IPOptions {
		stats.IPDrops.WithLabelValues("options_unsupported").Inc()
		return
	}
	payload := data[hdr.IHL:hdr.TotalLen]

	if hdr.MF || hdr.FragOff != 0 {
		if !e.Cfg.IPReassembly {
			stats.IPDrops.WithLabelValues("fragmentation_disabled").Inc()
			return
		}
		assembled, complete := e.reass.insert(hdr.Src, hdr.Dst, hdr.ID, hdr.Proto, hdr.FragOff*8, hdr.MF, payload)
		if !complete {
			return
		}
		payload = assembled
		hdr.MF = false
		hdr.FragOff = 0
	}

	forUs := e.Reg.HasUnicastAddr(hdr.Dst) ||
		hdr.Dst.Equal(net.IPv4bcast) ||
		(inNif != nil && inNif.BroadcastAddr() != nil && hdr.Dst.Equal(inNif.BroadcastAddr()))

	if forUs {
		e.dispatch(payload, hdr, inNif)
		return
	}

	e.forward(p, hdr, payload, inNif)
}

func (e *Engine) dispatch(payload []byte, hdr Header, nif *netif.Netif) {
	h, ok := e.handlerFor(hdr.Proto)
	if !ok {
		stats.IPDrops.WithLabelValues("unknown_protocol").Inc()
		// Per spec.md §9 Q1: only unicast destinations get a protocol
		// unreachable; broadcast datagrams with no matching protocol are
		// silently dropped.
		if e.icmp != nil && !hdr.Dst.Equal(net.IPv4bcast) && e.Reg.HasUnicastAddr(hdr.Dst) {
			e.icmp.DestUnreachableProto(pbuf.NewREF(payload), hdr, nif)
		}
		return
	}
	h(payload, hdr, nif)
}

func (e *Engine) forward(orig *pbuf.Buf, hdr Header, payload []byte, inNif *netif.Netif) {
	if !e.Cfg.IPForward {
		stats.IPDrops.WithLabelValues("forward_disabled").Inc()
		return
	}
	if hdr.Dst.Equal(net.IPv4bcast) {
		stats.IPDrops.WithLabelValues("forward_broadcast").Inc()
		return
	}

	newTTL := hdr.TTL - 1
	if hdr.TTL == 0 || newTTL == 0 {
		if hdr.Proto != ProtoICMP && e.icmp != nil {
			e.icmp.TimeExceeded(orig, hdr, inNif)
		}
		stats.IPDrops.WithLabelValues("ttl_exceeded").Inc()
		return
	}

	route := e.Reg.Route(hdr.Dst)
	if route == nil {
		stats.IPDrops.WithLabelValues("no_route").Inc()
		return
	}
	if route == inNif {
		// Never forward a packet back out the interface it arrived on.
		stats.IPDrops.WithLabelValues("would_loop").Inc()
		return
	}

	hdr.Checksum = AdjustChecksumForTTLDecrement(hdr.Checksum, hdr.TTL, newTTL, hdr.Proto)
	hdr.TTL = newTTL

	framed, err := pbuf.Alloc(pbuf.LayerIP, len(payload), pbuf.TypeRAM, nil)
	if err != nil {
		stats.IPDrops.WithLabelValues("oom").Inc()
		return
	}
	copy(framed.Payload(), payload)
	if err := framed.Header(MinHeaderLen); err != nil {
		stats.IPDrops.WithLabelValues("oom").Inc()
		return
	}
	copy(framed.Payload()[:MinHeaderLen], hdr.Marshal())

	if err := route.OutputIP(route, framed, hdr.Dst); err != nil {
		glog.V(2).Infof("ip: forward to %s via %s: %v", hdr.Dst, route, err)
	}
}

// Output routes dest and calls OutputIf on the resulting interface.
func (e *Engine) Output(payload []byte, src, dest net.IP, ttl byte, proto byte) error {
	nif := e.Reg.Route(dest)
	if nif == nil {
		return lwiperr.Routing
	}
	return e.OutputIf(payload, src, dest, ttl, proto, nif)
}

// OutputIf builds an IP header, fragmenting when the datagram
// exceeds nif's MTU, per spec.md §4.E.
func (e *Engine) OutputIf(payload []byte, src, dest net.IP, ttl byte, proto byte, nif *netif.Netif) error {
	if len(payload) > MaxFragmentable {
		return errTooLarge
	}
	if src == nil || src.IsUnspecified() {
		src = nif.Addr
	}
	id := uint16(atomic.AddUint32(&e.ident, 1))

	total := MinHeaderLen + len(payload)
	if total <= nif.MTU || !e.Cfg.IPFrag {
		if total > nif.MTU {
			return lwiperr.Buffer
		}
		hdr := Header{TotalLen: total, ID: id, TTL: ttl, Proto: proto, Src: src, Dst: dest}
		b, err := pbuf.Alloc(pbuf.LayerIP, len(payload), pbuf.TypeRAM, nil)
		if err != nil {
			return lwiperr.OutOfMemory
		}
		copy(b.Payload(), payload)
		if err := b.Header(MinHeaderLen); err != nil {
			return err
		}
		copy(b.Payload()[:MinHeaderLen], hdr.Marshal())
		return nif.OutputIP(nif, b, dest)
	}

	return e.fragmentAndSend(payload, src, dest, ttl, proto, id, nif)
}

func (e *Engine) fragmentAndSend(payload []byte, src, dest net.IP, ttl byte, proto byte, id uint16, nif *netif.Netif) error {
	maxPayload := ((nif.MTU - MinHeaderLen) / 8) * 8
	if maxPayload <= 0 {
		return lwiperr.Buffer
	}
	for off := 0; off < len(payload); off += maxPayload {
		end := off + maxPayload
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		chunk := payload[off:end]
		hdr := Header{
			TotalLen: MinHeaderLen + len(chunk),
			ID:       id,
			MF:       more,
			FragOff:  off / 8,
			TTL:      ttl,
			Proto:    proto,
			Src:      src,
			Dst:      dest,
		}
		b, err := pbuf.Alloc(pbuf.LayerIP, len(chunk), pbuf.TypeRAM, nil)
		if err != nil {
			return lwiperr.OutOfMemory
		}
		copy(b.Payload(), chunk)
		if err := b.Header(MinHeaderLen); err != nil {
			return err
		}
		copy(b.Payload()[:MinHeaderLen], hdr.Marshal())
		if err := nif.OutputIP(nif, b, dest); err != nil {
			return err
		}
	}
	return nil
}
