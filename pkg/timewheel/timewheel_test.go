package timewheel

import (
	"testing"
	"time"
)

func TestCheckFiresInDeadlineOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	w := New(clock)

	var order []string
	w.Schedule(3*time.Second, func(time.Time, any) { order = append(order, "third") }, nil)
	w.Schedule(1*time.Second, func(time.Time, any) { order = append(order, "first") }, nil)
	w.Schedule(2*time.Second, func(time.Time, any) { order = append(order, "second") }, nil)

	now = now.Add(5 * time.Second)
	w.Check()

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	now := time.Unix(0, 0)
	w := New(func() time.Time { return now })

	fired := false
	h := w.Schedule(time.Second, func(time.Time, any) { fired = true }, nil)
	w.Cancel(h)

	now = now.Add(2 * time.Second)
	w.Check()

	if fired {
		t.Fatal("cancelled timer should not fire")
	}
}

func TestNextDeadlineAndUntil(t *testing.T) {
	now := time.Unix(0, 0)
	w := New(func() time.Time { return now })

	if _, ok := w.NextDeadline(); ok {
		t.Fatal("empty wheel should report no pending deadline")
	}

	w.Schedule(5*time.Second, func(time.Time, any) {}, nil)
	d, ok := w.NextDeadline()
	if !ok || !d.Equal(now.Add(5*time.Second)) {
		t.Fatalf("NextDeadline = %v, %v; want %v, true", d, ok, now.Add(5*time.Second))
	}

	wait, ok := w.Until()
	if !ok || wait != 5*time.Second {
		t.Fatalf("Until = %v, %v; want 5s, true", wait, ok)
	}
}
