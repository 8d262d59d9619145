package invocation

import "testing"

func TestCreateTakeRoundTrip(t *testing.T) {
	tbl := New()
	id := tbl.Create(InterfaceHealthcheck, "comp1")

	iface, data, err := tbl.Take(id)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if iface != InterfaceHealthcheck || data != "comp1" {
		t.Fatalf("got (%v, %v)", iface, data)
	}

	if _, _, err := tbl.Take(id); err != ErrNotFound {
		t.Fatalf("second Take: got %v, want ErrNotFound", err)
	}
}

func TestSlotReuse(t *testing.T) {
	tbl := New()
	id1 := tbl.Create(InterfaceCSISet, nil)
	if _, _, err := tbl.Take(id1); err != nil {
		t.Fatal(err)
	}
	id2 := tbl.Create(InterfaceCSIRemove, nil)
	if id2 != id1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", id1, id2)
	}
}

func TestDestroyByData(t *testing.T) {
	tbl := New()
	type conn struct{ id int }
	c1, c2 := &conn{id: 1}, &conn{id: 2}

	tbl.Create(InterfaceHealthcheck, c1)
	tbl.Create(InterfaceCSISet, c1)
	tbl.Create(InterfaceCompTerminate, c2)

	cleared := tbl.DestroyByData(c1)
	if cleared != 2 {
		t.Fatalf("cleared = %d, want 2", cleared)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}
}

func TestLenTracksActive(t *testing.T) {
	tbl := New()
	if tbl.Len() != 0 {
		t.Fatal("expected empty table")
	}
	id := tbl.Create(InterfaceHealthcheck, nil)
	if tbl.Len() != 1 {
		t.Fatal("expected len 1")
	}
	tbl.Take(id)
	if tbl.Len() != 0 {
		t.Fatal("expected len 0 after take")
	}
}
