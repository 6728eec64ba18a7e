package udp

import (
	"net"
	"testing"

	"github.com/lwip-tcpip/lwip-sub001/pkg/config"
	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

func newTestStack(addr net.IP) (*ip.Engine, *netif.Netif, *[][]byte) {
	cfg := config.Default()
	reg := netif.NewRegistry()
	wheel := timewheel.New(nil)
	pool := memp.New[pbuf.Buf]("udp_test_pool", cfg.PbufPoolSize)
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

func mustNewPCB(t *testing.T, e *Engine) *PCB {
	t.Helper()
	pcb, err := e.NewPCB()
	if err != nil {
		t.Fatalf("NewPCB: %v", err)
	}
	return pcb
}

func TestSendThenLocalInputDelivers(t *testing.T) {
	ipEngine, nif, sent := newTestStack(net.IPv4(10, 1, 1, 1))
	e := New(ipEngine)

	pcb := mustNewPCB(t, e)
	var got []byte
	var gotSrcPort uint16
	pcb.Recv = func(payload []byte, srcIP net.IP, srcPort uint16, p *PCB) {
		got = payload
		gotSrcPort = srcPort
	}
	if err := e.Bind(pcb, nif.Addr, 5000); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	sender := mustNewPCB(t, e)
	if err := e.Send(sender, []byte("payload-bytes"), nif.Addr, 5000); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected one frame transmitted, got %d", len(*sent))
	}

	ipPayload := (*sent)[0][20:] // strip the IP header
	e.input(ipPayload, ip.Header{Src: nif.Addr, Dst: nif.Addr, Proto: ip.ProtoUDP}, nif)

	if string(got) != "payload-bytes" {
		t.Fatalf("delivered payload = %q, want %q", got, "payload-bytes")
	}
	if gotSrcPort != sender.LocalPort {
		t.Fatalf("delivered srcPort = %d, want %d", gotSrcPort, sender.LocalPort)
	}
}

func TestBindRejectsDuplicateLocalAddr(t *testing.T) {
	ipEngine, nif, _ := newTestStack(net.IPv4(10, 1, 1, 2))
	e := New(ipEngine)

	a := mustNewPCB(t, e)
	if err := e.Bind(a, nif.Addr, 6000); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	b := mustNewPCB(t, e)
	if err := e.Bind(b, nif.Addr, 6000); err == nil {
		t.Fatal("expected InUse error binding the same local addr:port twice")
	}
}

func TestLookupPrefersConnectedFourTupleOverWildcard(t *testing.T) {
	ipEngine, nif, _ := newTestStack(net.IPv4(10, 1, 1, 3))
	e := New(ipEngine)

	wildcard := mustNewPCB(t, e)
	if err := e.Bind(wildcard, net.IPv4zero, 7000); err != nil {
		t.Fatalf("Bind wildcard: %v", err)
	}
	connected := mustNewPCB(t, e)
	if err := e.Bind(connected, nif.Addr, 7000); err != nil {
		t.Fatalf("Bind connected: %v", err)
	}
	peer := net.IPv4(10, 1, 1, 9)
	if err := e.Connect(connected, peer, 9999); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := e.lookup(nif.Addr, peer, 7000, 9999)
	if got != connected {
		t.Fatal("lookup should prefer the exact 4-tuple match over the wildcard PCB")
	}
	gotOther := e.lookup(nif.Addr, net.IPv4(10, 1, 1, 8), 7000, 1234)
	if gotOther != wildcard {
		t.Fatal("lookup should fall back to the wildcard PCB for a non-matching peer")
	}
}
