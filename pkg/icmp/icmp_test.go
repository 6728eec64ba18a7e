package icmp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/lwip-tcpip/lwip-sub001/pkg/config"
	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

func newTestEngine(addr net.IP) (*ip.Engine, *netif.Netif, *[][]byte) {
	cfg := config.Default()
	reg := netif.NewRegistry()
	wheel := timewheel.New(nil)
	pool := memp.New[pbuf.Buf]("icmp_test_pool", cfg.PbufPoolSize)
	ipEngine := ip.NewEngine(reg, cfg, pool, wheel)
	var sent [][]byte
	nif := netif.Add(reg, addr, net.IPv4Mask(255, 255, 255, 0), nil,
		func(n *netif.Netif, p *pbuf.Buf) error {
			sent = append(sent, append([]byte(nil), p.Payload()...))
			return nil
		}, nil)
	nif.OutputIP = func(n *netif.Netif, p *pbuf.Buf, dest net.IP) error {
		return n.LinkOutput(n, p)
	}
	reg.SetDefault(nif)
	reg.SetUp(nif)
	reg.SetLinkUp(nif)
	return ipEngine, nif, &sent
}

func buildEcho(id, seq uint16) []byte {
	b := make([]byte, 8)
	b[0] = TypeEchoRequest
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	binary.BigEndian.PutUint16(b[2:4], ip.Checksum(b))
	return b
}

func TestEchoRequestGetsEchoReply(t *testing.T) {
	ipEngine, nif, sent := newTestEngine(net.IPv4(10, 2, 2, 1))
	svc := New(ipEngine)

	peer := net.IPv4(10, 2, 2, 2)
	req := buildEcho(0x1234, 1)
	svc.Input(req, ip.Header{Src: peer, Dst: nif.Addr}, nif)

	if len(*sent) != 1 {
		t.Fatalf("expected one reply transmitted, got %d", len(*sent))
	}
	reply := (*sent)[0][20:] // strip IP header
	if reply[0] != TypeEchoReply {
		t.Fatalf("reply type = %d, want %d", reply[0], TypeEchoReply)
	}
	if ip.Checksum(reply) != 0 {
		t.Fatal("reply checksum does not verify")
	}
	if binary.BigEndian.Uint16(reply[4:6]) != 0x1234 {
		t.Fatalf("echo id not preserved: got %#x", binary.BigEndian.Uint16(reply[4:6]))
	}
}

func TestNonEchoTypesAreIgnored(t *testing.T) {
	ipEngine, nif, sent := newTestEngine(net.IPv4(10, 2, 2, 3))
	svc := New(ipEngine)

	redirect := make([]byte, 8)
	redirect[0] = 5 // ICMP redirect, not handled
	svc.Input(redirect, ip.Header{Src: net.IPv4(10, 2, 2, 4), Dst: nif.Addr}, nif)

	if len(*sent) != 0 {
		t.Fatalf("expected no reply for an unhandled ICMP type, got %d sends", len(*sent))
	}
}
