package frame

import (
	"testing"

	"kestrel/internal/errs"
)

// TestAllocFreeAccounting exercises scenario S5 from spec.md §8: allocate
// 1, 2, 4, 8 pages in order, free in reverse, and check that invariants
// hold and free-page count is restored with at least 3 coalesce events.
func TestAllocFreeAccounting(t *testing.T) {
	a := New(0, 64)
	a.CheckInvariants()
	before := a.Stats().TotalFreePages

	sizes := []int{1, 2, 4, 8}
	var addrs []Addr
	for _, n := range sizes {
		addr, errc := a.AllocPages(n)
		if errc != 0 {
			t.Fatalf("alloc %d pages: %v", n, errc)
		}
		addrs = append(addrs, addr)
	}
	a.CheckInvariants()

	for i := len(sizes) - 1; i >= 0; i-- {
		a.FreePages(addrs[i], sizes[i])
	}
	a.CheckInvariants()

	after := a.Stats().TotalFreePages
	if after != before {
		t.Fatalf("free pages not restored: before=%d after=%d", before, after)
	}
	if got := a.Stats().CoalesceEvents; got < 3 {
		t.Fatalf("expected >= 3 coalesce events, got %d", got)
	}
}

func TestAllocAlignment(t *testing.T) {
	a := New(0, 16)
	addr, errc := a.AllocPages(4)
	if errc != 0 {
		t.Fatalf("alloc: %v", errc)
	}
	if addr%PageSize != 0 {
		t.Fatalf("addr %d not page aligned", addr)
	}
	if addr%(4*PageSize) != 0 {
		t.Fatalf("addr %d not aligned to requested order", addr)
	}
}

func TestAllocNeverPartial(t *testing.T) {
	a := New(0, 4)
	if _, errc := a.AllocPages(4); errc != 0 {
		t.Fatalf("expected success, got %v", errc)
	}
	// arena exhausted: further allocation must fail outright, not return a
	// short run.
	if _, errc := a.AllocPages(1); errc != errs.NoMemory {
		t.Fatalf("expected NoMemory, got %v", errc)
	}
}

func TestFreeUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing unknown block")
		}
	}()
	a := New(0, 4)
	a.FreePages(0, 1)
}
