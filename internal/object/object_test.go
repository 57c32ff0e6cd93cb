package object

import (
	"testing"

	"kestrel/internal/errs"
)

func TestRightsNarrowingNeverWidens(t *testing.T) {
	tbl := NewTable(1)
	obj := New(KindVMO, "payload", nil)

	h, errc := tbl.Add(obj, Read|Write|Duplicate)
	if errc != 0 {
		t.Fatalf("add: %v", errc)
	}

	dup, errc := tbl.Duplicate(h, Read|Write|Execute)
	if errc != 0 {
		t.Fatalf("duplicate: %v", errc)
	}
	rec, errc := tbl.Get(dup)
	if errc != 0 {
		t.Fatalf("get: %v", errc)
	}
	if rec.Rights&Execute != 0 {
		t.Fatal("duplicate acquired a right the source never had")
	}
	if rec.Rights != Read|Write {
		t.Fatalf("rights = %b, want %b", rec.Rights, Read|Write)
	}
}

func TestDuplicateRequiresDuplicateRight(t *testing.T) {
	tbl := NewTable(1)
	obj := New(KindVMO, "payload", nil)
	h, _ := tbl.Add(obj, Read|Write) // no DUPLICATE

	if _, errc := tbl.Duplicate(h, Read); errc != errs.PermissionDenied {
		t.Fatalf("expected permission-denied, got %v", errc)
	}
}

func TestGetDoesNotRemove(t *testing.T) {
	tbl := NewTable(1)
	obj := New(KindEvent, "payload", nil)
	h, _ := tbl.Add(obj, Read)

	if _, errc := tbl.Get(h); errc != 0 {
		t.Fatalf("get: %v", errc)
	}
	if _, errc := tbl.Get(h); errc != 0 {
		t.Fatalf("second get should still see the handle: %v", errc)
	}
}

func TestRemoveFreesSlotForReuse(t *testing.T) {
	tbl := NewTable(1)
	obj := New(KindEvent, "payload", nil)
	h, _ := tbl.Add(obj, Read)

	if _, errc := tbl.Remove(h); errc != 0 {
		t.Fatalf("remove: %v", errc)
	}
	if _, errc := tbl.Get(h); errc == 0 {
		t.Fatal("expected bad-handle after remove")
	}

	h2, errc := tbl.Add(obj, Read)
	if errc != 0 {
		t.Fatalf("add after remove: %v", errc)
	}
	_ = h2
}

func TestTableCapacityExhaustion(t *testing.T) {
	tbl := NewTable(1)
	obj := New(KindEvent, "payload", nil)
	for i := 0; i < capacity; i++ {
		if _, errc := tbl.Add(obj, Read); errc != 0 {
			t.Fatalf("add %d: %v", i, errc)
		}
	}
	if _, errc := tbl.Add(obj, Read); errc == 0 {
		t.Fatal("expected no-memory once table is full")
	}
}

func TestRefcountDropsToZeroRunsOnClose(t *testing.T) {
	closed := false
	obj := New(KindEvent, "payload", func() { closed = true })

	tbl := NewTable(1)
	h, _ := tbl.Add(obj, Read)
	if closed {
		t.Fatal("onClose ran too early")
	}
	if _, errc := tbl.Remove(h); errc != 0 {
		t.Fatalf("remove: %v", errc)
	}
	obj.Unref()
	if !closed {
		t.Fatal("onClose did not run when refcount reached zero")
	}
}

func TestAsWrongTypeFails(t *testing.T) {
	obj := New(KindVMO, 42, nil)
	if _, errc := As[string](obj, KindVMO); errc == 0 {
		t.Fatal("expected wrong-type for mismatched payload")
	}
	if _, errc := As[int](obj, KindEndpoint); errc == 0 {
		t.Fatal("expected wrong-type for mismatched kind tag")
	}
	v, errc := As[int](obj, KindVMO)
	if errc != 0 || v != 42 {
		t.Fatalf("As[int] = %d, %v", v, errc)
	}
}

func TestCloseAllUnrefsEveryHandle(t *testing.T) {
	n := 0
	obj := New(KindEvent, "payload", func() { n++ })
	obj.Ref() // second handle below

	tbl := NewTable(1)
	tbl.Add(obj, Read)
	tbl.Add(obj, Read)

	tbl.CloseAll()
	if n != 1 {
		t.Fatalf("onClose ran %d times, want 1", n)
	}
}
