package memp

import "testing"

func TestAllocFreeReuse(t *testing.T) {
	p := New[int]("test_int_pool", 2)

	a, ok := p.Alloc()
	if !ok {
		t.Fatal("first Alloc should succeed")
	}
	*a = 7

	b, ok := p.Alloc()
	if !ok {
		t.Fatal("second Alloc should succeed")
	}

	if _, ok := p.Alloc(); ok {
		t.Fatal("third Alloc should fail: pool capacity is 2")
	}
	if stats := p.Stats(); stats.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", stats.Errors)
	}

	p.Free(a)
	c, ok := p.Alloc()
	if !ok {
		t.Fatal("Alloc after Free should succeed")
	}
	if *c != 0 {
		t.Fatalf("reused item not zeroed: got %d", *c)
	}
	_ = b
}

func TestStatsTracksPeakAndInUse(t *testing.T) {
	p := New[int]("test_peak_pool", 4)
	var items []*int
	for i := 0; i < 3; i++ {
		it, ok := p.Alloc()
		if !ok {
			t.Fatalf("Alloc %d should succeed", i)
		}
		items = append(items, it)
	}
	if stats := p.Stats(); stats.InUse != 3 || stats.Peak != 3 || stats.Capacity != 4 {
		t.Fatalf("Stats = %+v, want InUse=3 Peak=3 Capacity=4", stats)
	}
	p.Free(items[0])
	if stats := p.Stats(); stats.InUse != 2 || stats.Peak != 3 {
		t.Fatalf("Stats after one Free = %+v, want InUse=2 Peak=3", stats)
	}
}
