// Package icmp implements spec.md §4.F: echo reply, destination-unreachable,
// and time-exceeded, with all other types silently ignored.
package icmp

import (
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
)

const (
	TypeEchoReply   = 0
	TypeDestUnreach = 3
	TypeEchoRequest = 8
	TypeTimeExceeded = 11

	codeNetUnreach   = 0
	codeProtoUnreach = 2
	codePortUnreach  = 3

	codeTTLExceeded = 0
)

// Service implements ip.ICMPCallbacks and registers itself against an
// ip.Engine as the ProtoICMP handler.
type Service struct {
	engine *ip.Engine
}

// New wires a Service to engine: registers it as the ICMP protocol handler
// and as the engine's ICMPCallbacks implementation, satisfying both halves
// of the seam described in pkg/ip/engine.go.
func New(engine *ip.Engine) *Service {
	s := &Service{engine: engine}
	engine.RegisterProto(ip.ProtoICMP, s.Input)
	engine.SetICMP(s)
	return s
}

// Input handles an inbound ICMP message addressed to this host.
func (s *Service) Input(payload []byte, hdr ip.Header, nif *netif.Netif) {
	if len(payload) < 8 {
		return
	}
	switch payload[0] {
	case TypeEchoRequest:
		s.reply(payload, hdr, nif)
	default:
		// Other types (redirect, timestamp, etc.) are silently ignored
		// per spec.md §4.F.
	}
}

// reply swaps source/destination, rewrites the type to echo-reply, fixes
// the checksum, and sends out the incoming interface.
func (s *Service) reply(payload []byte, hdr ip.Header, nif *netif.Netif) {
	out := make([]byte, len(payload))
	copy(out, payload)
	out[0] = TypeEchoReply
	out[1] = 0
	binary.BigEndian.PutUint16(out[2:4], 0)
	binary.BigEndian.PutUint16(out[2:4], ip.Checksum(out))

	if err := s.engine.OutputIf(out, hdr.Dst, hdr.Src, byte(s.engine.Cfg.IPDefaultTTL), ip.ProtoICMP, nif); err != nil {
		glog.V(2).Infof("icmp: echo reply to %s: %v", hdr.Src, err)
	}
}

func (s *Service) send(msgType, code byte, orig *pbuf.Buf, hdr ip.Header, nif *netif.Netif) {
	origHeader := hdr.Marshal()
	origPayload := orig.Payload()
	quoteLen := len(origPayload)
	if quoteLen > 8 {
		quoteLen = 8
	}
	body := make([]byte, 8+len(origHeader)+quoteLen)
	body[0] = msgType
	body[1] = code
	// bytes 2:4 checksum, 4:8 unused/MTU field
	copy(body[8:], origHeader)
	copy(body[8+len(origHeader):], origPayload[:quoteLen])
	binary.BigEndian.PutUint16(body[2:4], ip.Checksum(body))

	dst := nif.Addr
	if err := s.engine.OutputIf(body, dst, hdr.Src, byte(s.engine.Cfg.IPDefaultTTL), ip.ProtoICMP, nif); err != nil {
		glog.V(2).Infof("icmp: send type=%d code=%d to %s: %v", msgType, code, hdr.Src, err)
	}
}

// DestUnreachableProto implements ip.ICMPCallbacks: no registered protocol
// handler matched.
func (s *Service) DestUnreachableProto(orig *pbuf.Buf, hdr ip.Header, nif *netif.Netif) {
	s.send(TypeDestUnreach, codeProtoUnreach, orig, hdr, nif)
}

// DestUnreachablePort implements ip.ICMPCallbacks: UDP delivered to a port
// with no matching PCB (spec.md §4.G).
func (s *Service) DestUnreachablePort(orig *pbuf.Buf, hdr ip.Header, nif *netif.Netif) {
	s.send(TypeDestUnreach, codePortUnreach, orig, hdr, nif)
}

// TimeExceeded implements ip.ICMPCallbacks: forwarding hit TTL==0.
func (s *Service) TimeExceeded(orig *pbuf.Buf, hdr ip.Header, nif *netif.Netif) {
	s.send(TypeTimeExceeded, codeTTLExceeded, orig, hdr, nif)
}
