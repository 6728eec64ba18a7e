package ip

import (
	"net"
	"testing"
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

func TestReassembleInOrderFragments(t *testing.T) {
	wheel := timewheel.New(nil)
	r := newReassembler(wheel, time.Second, 8)

	src := net.IPv4(1, 1, 1, 1)
	dst := net.IPv4(2, 2, 2, 2)

	if _, complete := r.insert(src, dst, 42, ProtoUDP, 0, true, []byte("0123456789ABCDEF")); complete {
		t.Fatal("first fragment alone should not complete")
	}
	assembled, complete := r.insert(src, dst, 42, ProtoUDP, 16, false, []byte("0123456789"))
	if !complete {
		t.Fatal("second (final) fragment should complete the datagram")
	}
	if string(assembled) != "0123456789ABCDEF0123456789" {
		t.Fatalf("assembled = %q", assembled)
	}
}

func TestReassembleOutOfOrderFragments(t *testing.T) {
	wheel := timewheel.New(nil)
	r := newReassembler(wheel, time.Second, 8)

	src := net.IPv4(3, 3, 3, 3)
	dst := net.IPv4(4, 4, 4, 4)

	if _, complete := r.insert(src, dst, 7, ProtoUDP, 8, false, []byte("LAST")); complete {
		t.Fatal("the tail fragment alone should not complete (gap before offset 8)")
	}
	assembled, complete := r.insert(src, dst, 7, ProtoUDP, 0, true, []byte("FIRST..."))
	if !complete {
		t.Fatal("inserting the missing head fragment should now complete the datagram")
	}
	if string(assembled) != "FIRST...LAST" {
		t.Fatalf("assembled = %q, want %q", assembled, "FIRST...LAST")
	}
}

func TestReassemblyExpiresOnTimeout(t *testing.T) {
	now := time.Unix(0, 0)
	wheel := timewheel.New(func() time.Time { return now })
	r := newReassembler(wheel, 5*time.Second, 8)

	src := net.IPv4(5, 5, 5, 5)
	dst := net.IPv4(6, 6, 6, 6)
	r.insert(src, dst, 1, ProtoUDP, 0, true, []byte("only-the-first-half"))

	if len(r.entries) != 1 {
		t.Fatalf("expected one in-flight entry, got %d", len(r.entries))
	}

	now = now.Add(10 * time.Second)
	wheel.Check()

	if len(r.entries) != 0 {
		t.Fatalf("expected the stale entry to expire, got %d remaining", len(r.entries))
	}
}
