package tcp

import "testing"

func TestSeqCompareWraparound(t *testing.T) {
	const near = ^uint32(0) - 2 // 0xfffffffd

	if !seqLess(near, near+5) {
		t.Fatalf("seqLess(%d, %d) = false, want true (wraps past zero)", near, near+5)
	}
	if !seqGreater(near+5, near) {
		t.Fatal("seqGreater should agree with seqLess's wraparound ordering")
	}
	if !seqLessEq(near, near) {
		t.Fatal("seqLessEq(x, x) should be true")
	}
	if seqMax(near, near+5) != near+5 {
		t.Fatalf("seqMax(%d, %d) = %d, want %d", near, near+5, seqMax(near, near+5), near+5)
	}
	if seqMin(near, near+5) != near {
		t.Fatalf("seqMin(%d, %d) = %d, want %d", near, near+5, seqMin(near, near+5), near)
	}
}
