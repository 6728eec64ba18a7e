package pbuf

import (
	"bytes"
	"testing"

	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
)

func TestAllocReservesLayerHeadroom(t *testing.T) {
	pool := memp.New[Buf]("test_pool", 4)
	b, err := Alloc(LayerTransport, 10, TypePool, pool)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", b.Len())
	}
	if err := b.Header(4); err != nil {
		t.Fatalf("Header(4): %v", err)
	}
	if b.Len() != 14 {
		t.Fatalf("Len() after growing header = %d, want 14", b.Len())
	}
}

func TestRefFreeChain(t *testing.T) {
	pool := memp.New[Buf]("test_pool2", 4)
	a, _ := Alloc(LayerRaw, 4, TypePool, pool)
	c, _ := Alloc(LayerRaw, 4, TypePool, pool)
	Chain(a, c)

	Ref(a) // caller now holds 2 references to a

	if freed := Free(a); freed != 0 {
		t.Fatalf("first Free(a) freed %d nodes, want 0 (still referenced)", freed)
	}
	if freed := Free(a); freed != 1 {
		t.Fatalf("second Free(a) freed %d nodes, want 1 (a only; Chain left the caller a reference to c)", freed)
	}
	if freed := Free(c); freed != 1 {
		t.Fatalf("Free(c) freed %d nodes, want 1", freed)
	}
	if stats := pool.Stats(); stats.InUse != 0 {
		t.Fatalf("pool InUse = %d, want 0 after full release", stats.InUse)
	}
}

func TestTakeAndCopyPartial(t *testing.T) {
	pool := memp.New[Buf]("test_pool3", 4)
	b, _ := Alloc(LayerRaw, 8, TypePool, pool)
	src := []byte("deadbeef")
	if err := Take(b, src); err != nil {
		t.Fatalf("Take: %v", err)
	}
	dst := make([]byte, 8)
	n := CopyPartial(b, dst, 8, 0)
	if n != 8 || !bytes.Equal(dst, src) {
		t.Fatalf("CopyPartial = %q (n=%d), want %q", dst, n, src)
	}
}

func TestAllocPoolExhaustion(t *testing.T) {
	pool := memp.New[Buf]("test_pool4", 1)
	if _, err := Alloc(LayerRaw, 4, TypePool, pool); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := Alloc(LayerRaw, 4, TypePool, pool); err == nil {
		t.Fatal("expected out-of-memory error on exhausted pool")
	}
}
