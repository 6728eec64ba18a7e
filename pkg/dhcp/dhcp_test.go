package dhcp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/config"
	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
	"github.com/lwip-tcpip/lwip-sub001/pkg/udp"
)

// newLoopbackIPEngine wires an ip.Engine whose egress netif records every
// transmitted frame's UDP payload into sent, standing in for the wire so
// Client.Start's DISCOVER/REQUEST sends can be observed without a second
// host.
func newLoopbackIPEngine(reg *netif.Registry, nif *netif.Netif, sent *[][]byte) *ip.Engine {
	cfg := config.Default()
	wheel := timewheel.New(nil)
	pool := memp.New[pbuf.Buf]("dhcp_test_pool", cfg.PbufPoolSize)
	ipEngine := ip.NewEngine(reg, cfg, pool, wheel)
	nif.LinkOutput = func(n *netif.Netif, p *pbuf.Buf) error {
		const ipHeaderLen, udpHeaderLen = 20, 8
		payload := p.Payload()
		if len(payload) > ipHeaderLen+udpHeaderLen {
			payload = payload[ipHeaderLen+udpHeaderLen:]
		}
		*sent = append(*sent, append([]byte(nil), payload...))
		return nil
	}
	nif.OutputIP = func(n *netif.Netif, p *pbuf.Buf, dest net.IP) error {
		return n.LinkOutput(n, p)
	}
	reg.SetDefault(nif)
	reg.SetUp(nif)
	reg.SetLinkUp(nif)
	return ipEngine
}

func buildReply(xid uint32, msgType byte, offeredIP net.IP, extraOpts ...byte) []byte {
	buf := make([]byte, 240)
	buf[0] = opBootReply
	buf[1] = 1
	buf[2] = 6
	binary.BigEndian.PutUint32(buf[4:8], xid)
	copy(buf[16:20], offeredIP.To4())
	binary.BigEndian.PutUint32(buf[236:240], magicCookie)

	opts := []byte{optMessageType, 1, msgType}
	opts = append(opts, extraOpts...)
	opts = append(opts, optEnd)
	return append(buf, opts...)
}

func TestParseOptionsRoundTrip(t *testing.T) {
	opts := []byte{
		optSubnetMask, 4, 255, 255, 255, 0,
		optRouter, 4, 192, 168, 1, 1,
		optLeaseTime, 4, 0, 0, 0x0e, 0x10, // 3600
		optEnd,
	}
	parsed := parseOptions(opts)
	if string(parsed[optSubnetMask]) != string([]byte{255, 255, 255, 0}) {
		t.Fatalf("subnet mask = %v", parsed[optSubnetMask])
	}
	if string(parsed[optRouter]) != string([]byte{192, 168, 1, 1}) {
		t.Fatalf("router = %v", parsed[optRouter])
	}
	if binary.BigEndian.Uint32(parsed[optLeaseTime]) != 3600 {
		t.Fatalf("lease time = %d, want 3600", binary.BigEndian.Uint32(parsed[optLeaseTime]))
	}
}

func TestParseOptionsStopsAtEnd(t *testing.T) {
	opts := []byte{optMessageType, 1, msgAck, optEnd, 0xff, 0xff}
	parsed := parseOptions(opts)
	if len(parsed) != 1 {
		t.Fatalf("expected exactly one option before End, got %d", len(parsed))
	}
}

func TestClientStateMachineDiscoverOfferRequestAck(t *testing.T) {
	reg := netif.NewRegistry()
	var sent [][]byte
	nif := netif.Add(reg, net.IPv4zero, net.IPv4Mask(255, 255, 255, 0), nil, nil, nil)
	nif.HWAddr = [6]byte{1, 2, 3, 4, 5, 6}

	ipEngine := newLoopbackIPEngine(reg, nif, &sent)
	udpEngine := udp.New(ipEngine)
	wheel := timewheel.New(nil)

	c, err := New(nif, udpEngine, wheel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()

	if c.st != stateSelecting {
		t.Fatalf("state after Start = %v, want stateSelecting", c.st)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one DISCOVER sent, got %d", len(sent))
	}

	offered := net.IPv4(192, 168, 1, 50)
	serverIP := net.IPv4(192, 168, 1, 1)
	offerOpts := []byte{optServerID, 4, serverIP[12], serverIP[13], serverIP[14], serverIP[15]}
	c.onRecv(buildReply(c.xid, msgOffer, offered, offerOpts...), nil, 0, nil)

	if c.st != stateRequesting {
		t.Fatalf("state after OFFER = %v, want stateRequesting", c.st)
	}
	if len(sent) != 2 {
		t.Fatalf("expected a REQUEST sent after OFFER, got %d sends", len(sent))
	}

	var bound Lease
	c.OnBound = func(l Lease) { bound = l }

	ackOpts := []byte{
		optSubnetMask, 4, 255, 255, 255, 0,
		optRouter, 4, 192, 168, 1, 1,
		optLeaseTime, 4, 0, 0, 0x0e, 0x10,
	}
	c.onRecv(buildReply(c.xid, msgAck, offered, ackOpts...), nil, 0, nil)

	if c.st != stateBound {
		t.Fatalf("state after ACK = %v, want stateBound", c.st)
	}
	if !bound.Addr.Equal(offered) {
		t.Fatalf("bound addr = %v, want %v", bound.Addr, offered)
	}
	if bound.Length != 3600*time.Second {
		t.Fatalf("bound lease length = %v, want 1h", bound.Length)
	}
}

func TestClientRestartsOnNak(t *testing.T) {
	reg := netif.NewRegistry()
	var sent [][]byte
	nif := netif.Add(reg, net.IPv4zero, net.IPv4Mask(255, 255, 255, 0), nil, nil, nil)
	nif.HWAddr = [6]byte{1, 2, 3, 4, 5, 6}
	ipEngine := newLoopbackIPEngine(reg, nif, &sent)
	udpEngine := udp.New(ipEngine)
	wheel := timewheel.New(nil)

	c, err := New(nif, udpEngine, wheel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()
	c.st = stateRequesting

	c.onRecv(buildReply(c.xid, msgNak, net.IPv4zero), nil, 0, nil)
	if c.st != stateSelecting {
		t.Fatalf("state after NAK restart = %v, want stateSelecting", c.st)
	}
}
