// Package udp implements spec.md §4.G: demultiplexing by
// (local_port, remote_port, local_ip, remote_ip), UDP and UDP-Lite
// checksums, and the PCB bind/connect/send surface.
package udp

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/golang/glog"
	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
)

const (
	ProtoUDPLite = 136
	headerLen    = 8

	ephemeralBase = 4096
	ephemeralTop  = 65535
)

// Flags on a PCB.
type Flags uint8

const (
	FlagConnected Flags = 1 << iota
	FlagNoChksum
	FlagUDPLite
)

// RecvFunc is a PCB's recv callback: payload has the UDP header stripped.
type RecvFunc func(payload []byte, srcIP net.IP, srcPort uint16, pcb *PCB)

// PCB is one UDP endpoint per spec.md §3.
type PCB struct {
	LocalIP, RemoteIP     net.IP
	LocalPort, RemotePort uint16
	Flags                 Flags
	ChksumLen             int // UDP-Lite coverage length; 0 means "whole datagram"
	Recv                  RecvFunc
}

func (p *PCB) matches(dstIP, srcIP net.IP, dstPort, srcPort uint16) (score int, ok bool) {
	if p.LocalPort != dstPort {
		return 0, false
	}
	if p.LocalIP != nil && !p.LocalIP.IsUnspecified() && !p.LocalIP.Equal(dstIP) {
		return 0, false
	}
	if p.Flags&FlagConnected != 0 {
		if !p.RemoteIP.Equal(srcIP) || p.RemotePort != srcPort {
			return 0, false
		}
		return 3, true // exact 4-tuple
	}
	if p.RemoteIP != nil && !p.RemoteIP.IsUnspecified() {
		if !p.RemoteIP.Equal(srcIP) {
			return 0, false
		}
		return 2, true // 4-tuple with wildcard local addr only
	}
	return 1, true // wildcard remote
}

// Engine owns the unordered PCB list and a one-entry lookup cache
// (spec.md §3).
type Engine struct {
	ipEngine *ip.Engine
	pcbPool  *memp.Pool[PCB]

	mu        sync.Mutex
	pcbs      []*PCB
	cache     *PCB
	ephemeral uint16
}

// New registers Engine as the UDP and UDP-Lite protocol handlers on
// ipEngine.
func New(ipEngine *ip.Engine) *Engine {
	e := &Engine{
		ipEngine:  ipEngine,
		pcbPool:   memp.New[PCB]("udp_pcb", ipEngine.Cfg.MempNumUDPPCB),
		ephemeral: ephemeralBase,
	}
	ipEngine.RegisterProto(ip.ProtoUDP, e.input)
	ipEngine.RegisterProto(ProtoUDPLite, e.input)
	return e
}

// NewPCB checks out an unbound PCB from the fixed-count pool (spec.md §4.B),
// returning lwiperr.OutOfMemory once MempNumUDPPCB are in use. It is not
// usable until added via Bind or Connect.
func (e *Engine) NewPCB() (*PCB, error) {
	pcb, ok := e.pcbPool.Alloc()
	if !ok {
		return nil, lwiperr.OutOfMemory
	}
	pcb.LocalIP = net.IPv4zero
	pcb.RemoteIP = net.IPv4zero
	return pcb, nil
}

// FreePCB deregisters pcb (if bound or connected) and returns it to the
// pool.
func (e *Engine) FreePCB(pcb *PCB) {
	e.Remove(pcb)
	e.pcbPool.Free(pcb)
}

// Bind assigns a local address/port to pcb, rejecting only exact
// duplicates (spec.md §4.G).
func (e *Engine) Bind(pcb *PCB, localIP net.IP, localPort uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if localIP == nil {
		localIP = net.IPv4zero
	}
	for _, other := range e.pcbs {
		if other == pcb {
			continue
		}
		if other.LocalPort == localPort && other.LocalIP.Equal(localIP) {
			return lwiperr.InUse
		}
	}
	pcb.LocalIP = localIP
	pcb.LocalPort = localPort
	if !contains(e.pcbs, pcb) {
		e.pcbs = append(e.pcbs, pcb)
	}
	return nil
}

// Connect records pcb's remote endpoint and marks it connected; it does
// not transmit anything.
func (e *Engine) Connect(pcb *PCB, remoteIP net.IP, remotePort uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pcb.RemoteIP = remoteIP
	pcb.RemotePort = remotePort
	pcb.Flags |= FlagConnected
	if !contains(e.pcbs, pcb) {
		e.pcbs = append(e.pcbs, pcb)
	}
	return nil
}

// Remove unregisters pcb.
func (e *Engine) Remove(pcb *PCB) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pcbs {
		if p == pcb {
			e.pcbs = append(e.pcbs[:i], e.pcbs[i+1:]...)
			break
		}
	}
	if e.cache == pcb {
		e.cache = nil
	}
}

func contains(pcbs []*PCB, target *PCB) bool {
	for _, p := range pcbs {
		if p == target {
			return true
		}
	}
	return false
}

func (e *Engine) nextEphemeral() uint16 {
	port := e.ephemeral
	if e.ephemeral == ephemeralTop {
		e.ephemeral = ephemeralBase
	} else {
		e.ephemeral++
	}
	return port
}

// Send implicitly binds pcb to an ephemeral port if unbound, routes to
// find the egress interface (using its address as source when pcb's local
// is wildcard), prepends the UDP header with pseudo-header checksum, and
// hands the result to IP output.
func (e *Engine) Send(pcb *PCB, payload []byte, dstIP net.IP, dstPort uint16) error {
	e.mu.Lock()
	if pcb.LocalPort == 0 {
		pcb.LocalPort = e.nextEphemeral()
		if !contains(e.pcbs, pcb) {
			e.pcbs = append(e.pcbs, pcb)
		}
	}
	e.mu.Unlock()

	nif := e.ipEngine.Reg.Route(dstIP)
	if nif == nil {
		return lwiperr.Routing
	}
	srcIP := pcb.LocalIP
	if srcIP == nil || srcIP.IsUnspecified() {
		srcIP = nif.Addr
	}

	datagram := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(datagram[0:2], pcb.LocalPort)
	binary.BigEndian.PutUint16(datagram[2:4], dstPort)
	copy(datagram[headerLen:], payload)

	proto := byte(ip.ProtoUDP)
	chksumLen := headerLen + len(payload)
	if pcb.Flags&FlagUDPLite != 0 {
		proto = ProtoUDPLite
		if pcb.ChksumLen > 0 {
			chksumLen = pcb.ChksumLen
		}
	}
	binary.BigEndian.PutUint16(datagram[4:6], uint16(headerLen+len(payload)))

	if pcb.Flags&FlagNoChksum == 0 || proto == ProtoUDPLite {
		sum := pseudoHeaderSum(srcIP, dstIP, proto, len(datagram))
		coverage := datagram
		if chksumLen < len(datagram) {
			coverage = datagram[:chksumLen]
		}
		sum = ip.PartialSum(sum, coverage)
		cs := foldZeroToFFFF(sum)
		binary.BigEndian.PutUint16(datagram[6:8], cs)
	}

	return e.ipEngine.OutputIf(datagram, srcIP, dstIP, byte(e.ipEngine.Cfg.IPDefaultTTL), proto, nif)
}

func pseudoHeaderSum(src, dst net.IP, proto byte, udpLen int) uint32 {
	var buf [12]byte
	copy(buf[0:4], src.To4())
	copy(buf[4:8], dst.To4())
	buf[9] = proto
	binary.BigEndian.PutUint16(buf[10:12], uint16(udpLen))
	return ip.PartialSum(0, buf[:])
}

// foldZeroToFFFF folds sum and maps an all-zero result to 0xffff, the wire
// convention meaning "checksum present but zero" (a literal zero field
// means "unchecked" for plain UDP).
func foldZeroToFFFF(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	cs := ^uint16(sum)
	if cs == 0 {
		return 0xffff
	}
	return cs
}

// input is the ip.ProtoHandler registered for UDP/UDP-Lite.
func (e *Engine) input(payload []byte, hdr ip.Header, nif *netif.Netif) {
	if len(payload) < headerLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	udpLen := int(binary.BigEndian.Uint16(payload[4:6]))
	isLite := hdr.Proto == ProtoUDPLite

	var chksumLen int
	if isLite {
		chksumLen = udpLen
		if chksumLen == 0 {
			chksumLen = len(payload) // chksum_len==0 covers the whole datagram
		}
		if chksumLen > len(payload) {
			return
		}
	} else {
		if udpLen > len(payload) {
			return
		}
		chksumLen = len(payload)
		payload = payload[:udpLen]
	}

	checksum := binary.BigEndian.Uint16(payload[6:8])
	if isLite || checksum != 0 {
		sum := pseudoHeaderSum(hdr.Src, hdr.Dst, hdr.Proto, udpLen)
		coverage := append([]byte(nil), payload[:chksumLen]...)
		coverage[6], coverage[7] = 0, 0
		sum = ip.PartialSum(sum, coverage)
		if foldZeroToFFFF(sum) != checksum {
			glog.V(2).Infof("udp: bad checksum from %s:%d", hdr.Src, srcPort)
			return
		}
	}

	data := payload[headerLen:]

	pcb := e.lookup(hdr.Dst, hdr.Src, dstPort, srcPort)
	if pcb == nil {
		if e.ipEngine.Reg.HasUnicastAddr(hdr.Dst) {
			if icb, ok := e.ipEngine.ICMPForUnreachable(); ok {
				icb.DestUnreachablePort(pbuf.NewREF(payload), hdr, nif)
			}
		}
		return
	}
	if pcb.Recv != nil {
		pcb.Recv(data, hdr.Src, srcPort, pcb)
	}
}

func (e *Engine) lookup(dstIP, srcIP net.IP, dstPort, srcPort uint16) *PCB {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cache != nil {
		if score, ok := e.cache.matches(dstIP, srcIP, dstPort, srcPort); ok && score > 0 {
			return e.cache
		}
	}

	var best *PCB
	bestScore := 0
	for _, p := range e.pcbs {
		score, ok := p.matches(dstIP, srcIP, dstPort, srcPort)
		if ok && score > bestScore {
			best = p
			bestScore = score
		}
	}
	if best != nil {
		e.cache = best
	}
	return best
}
