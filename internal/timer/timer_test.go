package timer

import (
	"testing"
	"time"

	"clustercore/internal/adapter/fake"
)

func TestFireOrdersByDeadline(t *testing.T) {
	clk := fake.NewClock(time.Unix(1000, 0))
	w := NewWithClock(clk.Now)

	base := clk.Now()
	var order []string
	w.AddAbsolute(base.Add(3*time.Second), func(data any) { order = append(order, data.(string)) }, "third")
	w.AddAbsolute(base.Add(1*time.Second), func(data any) { order = append(order, data.(string)) }, "first")
	w.AddAbsolute(base.Add(2*time.Second), func(data any) { order = append(order, data.(string)) }, "second")

	clk.Advance(5 * time.Second)
	fired := w.Fire(clk.Now())
	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}
	want := []string{"first", "second", "third"}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], v)
		}
	}
}

func TestFireOnlyDueTimers(t *testing.T) {
	clk := fake.NewClock(time.Unix(2000, 0))
	w := NewWithClock(clk.Now)

	fired := 0
	w.AddAbsolute(clk.Now().Add(10*time.Second), func(any) { fired++ }, nil)

	clk.Advance(5 * time.Second)
	if n := w.Fire(clk.Now()); n != 0 {
		t.Fatalf("fired = %d, want 0", n)
	}
	if w.Len() != 1 {
		t.Fatalf("Len = %d, want 1", w.Len())
	}
	clk.Advance(5 * time.Second)
	if n := w.Fire(clk.Now()); n != 1 {
		t.Fatalf("fired = %d, want 1", n)
	}
}

func TestDeleteCancelsTimer(t *testing.T) {
	clk := fake.NewClock(time.Now())
	w := NewWithClock(clk.Now)

	called := false
	h := w.AddDuration(time.Second, func(any) { called = true }, nil)
	w.Delete(h)

	clk.Advance(time.Hour)
	w.Fire(clk.Now())
	if called {
		t.Fatal("deleted timer fired")
	}

	// Deleting again is a no-op, not a panic.
	w.Delete(h)
}

func TestDeleteDataReturnsPayload(t *testing.T) {
	w := New()
	type payload struct{ n int }
	h := w.AddDuration(time.Minute, func(any) {}, &payload{n: 7})

	data, ok := w.DeleteData(h)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if data.(*payload).n != 7 {
		t.Fatalf("data.n = %d, want 7", data.(*payload).n)
	}

	if _, ok := w.DeleteData(h); ok {
		t.Fatal("second DeleteData should report not-found")
	}
}

func TestNextDeadline(t *testing.T) {
	w := New()
	if _, ok := w.NextDeadline(); ok {
		t.Fatal("expected no pending deadline")
	}
	d := time.Now().Add(time.Second)
	w.AddAbsolute(d, func(any) {}, nil)
	got, ok := w.NextDeadline()
	if !ok || !got.Equal(d) {
		t.Fatalf("NextDeadline = %v, %v; want %v, true", got, ok, d)
	}
}
