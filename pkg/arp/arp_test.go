package arp

import (
	"net"
	"testing"

	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
)

func newTestNetif(sent *[][]byte) *netif.Netif {
	reg := netif.NewRegistry()
	nif := netif.Add(reg, net.IPv4(192, 168, 0, 1), net.IPv4Mask(255, 255, 255, 0), nil,
		func(n *netif.Netif, p *pbuf.Buf) error {
			*sent = append(*sent, append([]byte(nil), p.Payload()...))
			return nil
		}, nil)
	nif.HWAddr = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	return nif
}

func TestResolvePendingThenStableFlushesQueued(t *testing.T) {
	var sent [][]byte
	nif := newTestNetif(&sent)
	table := NewTable(nif)

	target := net.IPv4(192, 168, 0, 2)
	queued := pbuf.NewROM([]byte("queued-packet"))

	if _, ok := table.Resolve(target, queued); ok {
		t.Fatal("Resolve should report unresolved on first call")
	}
	if len(sent) != 1 {
		t.Fatalf("expected exactly one ARP request sent, got %d", len(sent))
	}

	peerHW := [6]byte{1, 2, 3, 4, 5, 6}
	reply := buildFrame(opReply, peerHW, target, nif.HWAddr, nif.Addr)
	table.Input(reply)

	hw, ok := table.Lookup(target)
	if !ok || hw != peerHW {
		t.Fatalf("Lookup after reply = %v, %v; want %v, true", hw, ok, peerHW)
	}
	if len(sent) != 2 {
		t.Fatalf("expected the queued packet to flush as a second LinkOutput call, got %d sends", len(sent))
	}
	if string(sent[1]) != "queued-packet" {
		t.Fatalf("flushed payload = %q, want %q", sent[1], "queued-packet")
	}
}

func TestGratuitousReplyOnlyRefreshesExistingEntry(t *testing.T) {
	var sent [][]byte
	nif := newTestNetif(&sent)
	table := NewTable(nif)

	unsolicited := net.IPv4(192, 168, 0, 50)
	hw := [6]byte{9, 9, 9, 9, 9, 9}
	table.Input(buildFrame(opReply, hw, unsolicited, nif.HWAddr, nif.Addr))

	if _, ok := table.Lookup(unsolicited); ok {
		t.Fatal("an unsolicited reply must not create a new stable entry")
	}

	known := net.IPv4(192, 168, 0, 51)
	_, _ = table.Resolve(known, nil)
	firstHW := [6]byte{1, 1, 1, 1, 1, 1}
	table.Input(buildFrame(opReply, firstHW, known, nif.HWAddr, nif.Addr))
	if got, ok := table.Lookup(known); !ok || got != firstHW {
		t.Fatalf("Lookup(known) = %v, %v; want %v, true", got, ok, firstHW)
	}

	refreshedHW := [6]byte{2, 2, 2, 2, 2, 2}
	table.Input(buildFrame(opReply, refreshedHW, known, nif.HWAddr, nif.Addr))
	if got, ok := table.Lookup(known); !ok || got != refreshedHW {
		t.Fatalf("Lookup(known) after gratuitous update = %v, %v; want %v, true", got, ok, refreshedHW)
	}
}

func TestRequestGetsReply(t *testing.T) {
	var sent [][]byte
	nif := newTestNetif(&sent)
	table := NewTable(nif)

	requester := net.IPv4(192, 168, 0, 99)
	requesterHW := [6]byte{7, 7, 7, 7, 7, 7}
	table.Input(buildFrame(opRequest, requesterHW, requester, [6]byte{}, nif.Addr))

	if len(sent) != 1 {
		t.Fatalf("expected one reply sent, got %d", len(sent))
	}
	op := uint16(sent[0][6])<<8 | uint16(sent[0][7])
	if op != opReply {
		t.Fatalf("op = %d, want opReply", op)
	}
}
