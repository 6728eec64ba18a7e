package netif

import (
	"net"
	"testing"
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
)

func TestHostUDPNetifTunnelsFrames(t *testing.T) {
	aAddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	bAddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}

	regA := NewRegistry()
	a, err := NewHostUDP(regA, aAddr, bAddr, net.IPv4(10, 9, 0, 1).To4(), net.IPv4Mask(255, 255, 255, 0))
	if err != nil {
		t.Fatalf("NewHostUDP a: %v", err)
	}
	defer a.Close()

	// Re-resolve b's real ephemeral port before pointing a's peer at it, and
	// b's own socket at a's ephemeral port, since both were bound to :0.
	regB := NewRegistry()
	b, err := NewHostUDP(regB, bAddr, a.conn.LocalAddr().(*net.UDPAddr), net.IPv4(10, 9, 0, 2).To4(), net.IPv4Mask(255, 255, 255, 0))
	if err != nil {
		t.Fatalf("NewHostUDP b: %v", err)
	}
	defer b.Close()
	a.peer = b.conn.LocalAddr().(*net.UDPAddr)

	received := make(chan []byte, 1)
	go func() {
		_ = b.ReadLoop(func(frame []byte) { received <- frame })
	}()

	frame := []byte("tunnelled-ip-datagram")
	if err := a.Netif.LinkOutput(a.Netif, pbuf.NewROM(frame)); err != nil {
		t.Fatalf("LinkOutput: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(frame) {
			t.Fatalf("received = %q, want %q", got, frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunnelled frame")
	}
}
