package objdb

import "testing"

func TestObjectCreateAndFind(t *testing.T) {
	db := New(nil)
	node, err := db.ObjectCreate(db.Root(), "node1", "node")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.ObjectCreate(db.Root(), "node1", "node"); err == nil {
		t.Fatal("expected ErrExists on duplicate name")
	}

	db.ObjectCreate(db.Root(), "node2", "node")
	it, err := db.ObjectFindCreate(db.Root(), "node")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	var names []Handle
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		names = append(names, h)
	}
	if len(names) != 2 || names[0] != node {
		t.Fatalf("got %v", names)
	}
}

func TestKeyCreateTypeMismatch(t *testing.T) {
	db := New(nil)
	h, _ := db.ObjectCreate(db.Root(), "n", "node")
	if err := db.KeyCreateTyped(h, "k", "not-an-int", TypeInt32); err == nil {
		t.Fatal("expected type mismatch error")
	}
	if err := db.KeyCreateTyped(h, "k", int32(5), TypeInt32); err != nil {
		t.Fatalf("valid create: %v", err)
	}
}

func TestKeyReplaceOnlyNotifiesOnChange(t *testing.T) {
	db := New(nil)
	h, _ := db.ObjectCreate(db.Root(), "n", "node")
	db.KeyCreateTyped(h, "k", int32(1), TypeInt32)

	var notifications int
	db.TrackStart(db.Root(), DepthRecursive, func(obj Handle, key Key, old any, present bool) {
		notifications++
	}, nil, nil, nil, nil)

	if err := db.KeyReplace(h, "k", int32(1)); err != nil {
		t.Fatalf("replace same value: %v", err)
	}
	if notifications != 0 {
		t.Fatalf("expected no notification for unchanged value, got %d", notifications)
	}

	if err := db.KeyReplace(h, "k", int32(2)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if notifications != 1 {
		t.Fatalf("expected 1 notification, got %d", notifications)
	}
}

func TestObjectDestroyRecursive(t *testing.T) {
	db := New(nil)
	parent, _ := db.ObjectCreate(db.Root(), "app1", "application")
	child, _ := db.ObjectCreate(parent, "sg1", "servicegroup")

	var destroyed []Handle
	db.TrackStart(db.Root(), DepthRecursive, nil, nil, func(obj Handle) {
		destroyed = append(destroyed, obj)
	}, nil, nil)

	if err := db.ObjectDestroy(parent); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if len(destroyed) != 2 {
		t.Fatalf("expected 2 destroy notifications, got %d: %v", len(destroyed), destroyed)
	}
	if _, _, err := db.ObjectParentGet(child); err == nil {
		t.Fatal("expected child to be gone")
	}
}

type rejectValidator struct{}

func (rejectValidator) ValidateChild(parentClass, childName string) error {
	if parentClass == "cluster" && childName == "forbidden" {
		return errFixture
	}
	return nil
}
func (rejectValidator) ValidateKey(class string, key Key) error { return nil }

var errFixture = errNamed("not allowed")

type errNamed string

func (e errNamed) Error() string { return string(e) }

func TestValidatorRejectsChild(t *testing.T) {
	db := New(rejectValidator{})
	cluster, _ := db.ObjectCreate(db.Root(), "cluster1", "cluster")
	if _, err := db.ObjectCreate(cluster, "forbidden", "node"); err == nil {
		t.Fatal("expected validator rejection")
	}
	if _, err := db.ObjectCreate(cluster, "allowed", "node"); err != nil {
		t.Fatalf("expected allowed create to succeed: %v", err)
	}
}

func TestDepthOneTrackerDoesNotFireForDescendants(t *testing.T) {
	db := New(nil)
	parent, _ := db.ObjectCreate(db.Root(), "app1", "application")

	fired := 0
	db.TrackStart(parent, DepthOne, nil, func(Handle) { fired++ }, nil, nil, nil)

	db.ObjectCreate(parent, "sg1", "servicegroup")
	if fired != 0 {
		t.Fatalf("DepthOne tracker should not fire for children, fired=%d", fired)
	}
}

func TestReloadNotifyFiresTrackers(t *testing.T) {
	db := New(nil)

	var phases []ReloadPhase
	db.TrackStart(db.Root(), DepthOne, nil, nil, nil, func(phase ReloadPhase) {
		phases = append(phases, phase)
	}, nil)
	// A tracker without a reload callback must simply be skipped.
	db.TrackStart(db.Root(), DepthOne, nil, nil, nil, nil, nil)

	db.ReloadNotify(ReloadStart)
	db.ReloadNotify(ReloadEnd)

	if len(phases) != 2 || phases[0] != ReloadStart || phases[1] != ReloadEnd {
		t.Fatalf("phases = %v, want [ReloadStart ReloadEnd]", phases)
	}
}
