package aspace

import (
	"testing"

	"kestrel/internal/frame"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	fa := frame.New(0, 1<<16)
	return NewManager(fa)
}

func TestMapUnmapWalkRoundtrip(t *testing.T) {
	m := newManager(t)
	sp, errc := m.NewAddressSpace()
	if errc != 0 {
		t.Fatalf("new address space: %v", errc)
	}

	backing, errc := m.frames.AllocPages(1)
	if errc != 0 {
		t.Fatalf("alloc backing frame: %v", errc)
	}

	const virt = 0x0000_4000_0000
	if errc := sp.Map(virt, backing, Read|Write|User); errc != 0 {
		t.Fatalf("map: %v", errc)
	}

	phys, flags, ok := sp.Walk(virt)
	if !ok {
		t.Fatal("walk: expected mapping to exist")
	}
	if phys != backing {
		t.Fatalf("walk phys = %#x, want %#x", phys, backing)
	}
	if flags&Read == 0 {
		t.Fatal("expected READ permission")
	}

	freed, errc := sp.Unmap(virt)
	if errc != 0 {
		t.Fatalf("unmap: %v", errc)
	}
	if freed != backing {
		t.Fatalf("unmap returned %#x, want %#x", freed, backing)
	}

	if _, _, ok := sp.Walk(virt); ok {
		t.Fatal("walk after unmap should fail")
	}
}

func TestWalkUnmappedReturnsNone(t *testing.T) {
	m := newManager(t)
	sp, _ := m.NewAddressSpace()
	if _, _, ok := sp.Walk(0x1000); ok {
		t.Fatal("expected no mapping")
	}
}

// TestASIDWrap exercises scenario S4: create and destroy 254 processes,
// then create one more; a global TLB flush of user entries occurs exactly
// once during the sequence.
func TestASIDWrap(t *testing.T) {
	m := newManager(t)

	seen := map[ASID]bool{}
	for i := 0; i < 254; i++ {
		sp, errc := m.NewAddressSpace()
		if errc != 0 {
			t.Fatalf("iteration %d: new address space: %v", i, errc)
		}
		if seen[sp.ASID] {
			t.Fatalf("ASID %d reused while still live", sp.ASID)
		}
		seen[sp.ASID] = true
		sp.Destroy()
	}

	if m.Stats.TLBFullFlushes != 0 {
		t.Fatalf("unexpected flush before wrap: %d", m.Stats.TLBFullFlushes)
	}

	sp, errc := m.NewAddressSpace()
	if errc != 0 {
		t.Fatalf("final new address space: %v", errc)
	}
	if sp.ASID == KernelASID {
		t.Fatal("process must never be assigned ASID 0")
	}
	if m.Stats.TLBFullFlushes != 1 {
		t.Fatalf("expected exactly one flush on wrap, got %d", m.Stats.TLBFullFlushes)
	}
}

func TestNoTwoLiveProcessesShareASID(t *testing.T) {
	m := newManager(t)
	var spaces []*Space
	for i := 0; i < 10; i++ {
		sp, errc := m.NewAddressSpace()
		if errc != 0 {
			t.Fatalf("new address space: %v", errc)
		}
		spaces = append(spaces, sp)
	}
	seen := map[ASID]bool{}
	for _, sp := range spaces {
		if seen[sp.ASID] {
			t.Fatalf("ASID %d shared between two live spaces", sp.ASID)
		}
		seen[sp.ASID] = true
	}
}

func TestTTBREncoding(t *testing.T) {
	got := TTBR(0x1234_5000, 0x00ff)
	want := uint64(0x00ff)<<48 | 0x1234_5000
	if got != want {
		t.Fatalf("TTBR = %#x, want %#x", got, want)
	}
}
