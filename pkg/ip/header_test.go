package ip

import (
	"net"
	"testing"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	h := Header{
		TOS:      0,
		TotalLen: 20 + 8,
		ID:       0x1234,
		TTL:      64,
		Proto:    ProtoUDP,
		Src:      net.IPv4(10, 0, 0, 1),
		Dst:      net.IPv4(10, 0, 0, 2),
	}
	wire := h.Marshal()
	if len(wire) != MinHeaderLen {
		t.Fatalf("marshal length = %d, want %d", len(wire), MinHeaderLen)
	}

	got, err := ParseHeader(append(wire, make([]byte, 8)...))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got.ID != h.ID || got.TTL != h.TTL || got.Proto != h.Proto {
		t.Fatalf("round trip mismatch: got %+v, want ID=%x TTL=%d Proto=%d", got, h.ID, h.TTL, h.Proto)
	}
	if !got.Src.Equal(h.Src) || !got.Dst.Equal(h.Dst) {
		t.Fatalf("address round trip mismatch: got src=%s dst=%s", got.Src, got.Dst)
	}
}

func TestParseHeaderRejectsBadChecksum(t *testing.T) {
	h := Header{TotalLen: MinHeaderLen, TTL: 1, Proto: ProtoTCP, Src: net.IPv4(1, 1, 1, 1), Dst: net.IPv4(2, 2, 2, 2)}
	wire := h.Marshal()
	wire[10] ^= 0xff // corrupt checksum
	if _, err := ParseHeader(wire); err == nil {
		t.Fatal("expected checksum error, got nil")
	}
}

func TestAdjustChecksumForTTLDecrement(t *testing.T) {
	h := Header{TotalLen: MinHeaderLen, TTL: 10, Proto: ProtoTCP, Src: net.IPv4(1, 1, 1, 1), Dst: net.IPv4(2, 2, 2, 2)}
	wire := h.Marshal()
	oldChecksum := uint16(wire[10])<<8 | uint16(wire[11])

	adjusted := AdjustChecksumForTTLDecrement(oldChecksum, h.TTL, h.TTL-1, h.Proto)

	h2 := h
	h2.TTL--
	wire2 := h2.Marshal()
	want := uint16(wire2[10])<<8 | uint16(wire2[11])

	if adjusted != want {
		t.Fatalf("incremental checksum = %#04x, want %#04x", adjusted, want)
	}
}
