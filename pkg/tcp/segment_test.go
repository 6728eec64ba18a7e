package tcp

import (
	"net"
	"testing"
)

func TestBuildParseSegmentRoundTrip(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(10, 0, 0, 2)
	payload := []byte("hello")

	wire := buildSegment(src, dst, 1234, 80, 1000, 2000, flagACK|flagPSH, 4096, 0, payload)

	if !verifyChecksum(src, dst, wire) {
		t.Fatal("verifyChecksum failed on freshly built segment")
	}

	wh, data, ok := parseSegment(wire)
	if !ok {
		t.Fatal("parseSegment reported malformed on valid input")
	}
	if wh.SrcPort != 1234 || wh.DstPort != 80 || wh.Seq != 1000 || wh.Ack != 2000 {
		t.Fatalf("parsed header mismatch: %+v", wh)
	}
	if wh.Flags != flagACK|flagPSH {
		t.Fatalf("flags = %#x, want %#x", wh.Flags, flagACK|flagPSH)
	}
	if string(data) != "hello" {
		t.Fatalf("payload = %q, want %q", data, "hello")
	}
}

func TestBuildParseSegmentWithMSS(t *testing.T) {
	src := net.IPv4(192, 168, 1, 1)
	dst := net.IPv4(192, 168, 1, 2)
	wire := buildSegment(src, dst, 1, 2, 0, 0, flagSYN, 0xffff, 1460, nil)

	wh, data, ok := parseSegment(wire)
	if !ok {
		t.Fatal("parseSegment failed on SYN with MSS option")
	}
	if wh.MSS != 1460 {
		t.Fatalf("MSS = %d, want 1460", wh.MSS)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(data))
	}
	if !verifyChecksum(src, dst, wire) {
		t.Fatal("verifyChecksum failed on SYN segment")
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(10, 0, 0, 2)
	wire := buildSegment(src, dst, 1, 2, 0, 0, flagACK, 1024, 0, []byte("x"))
	wire[len(wire)-1] ^= 0xff
	if verifyChecksum(src, dst, wire) {
		t.Fatal("verifyChecksum should fail after payload corruption")
	}
}
