// Package frame implements the kernel's physical frame allocator: a buddy
// allocator over 4 KiB pages, grounded on biscuit's mem.Physmem_t free-list
// bookkeeping (intrusive free lists, a mutex per allocator, explicit
// refcount-style accounting) but generalized from biscuit's single
// power-of-two free list into the order-keyed buddy scheme spec.md §4.A
// requires.
package frame

import (
	"sync"

	"kestrel/internal/errs"
	"kestrel/internal/klog"
)

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size of a single physical frame in bytes.
const PageSize = 1 << PageShift

// Addr is a physical address. Frame-aligned addresses are always multiples
// of PageSize.
type Addr uint64

// maxOrder bounds how large a single allocation request may be (order 20 =
// 4 GiB in one contiguous run, comfortably above anything the kernel itself
// ever asks for: page tables, VMO backing, and stacks are all far smaller).
const maxOrder = 20

// Allocator is a buddy allocator over a single contiguous arena of physical
// memory. The zero value is not usable; construct with New.
type Allocator struct {
	mu sync.Mutex

	base    Addr
	frames  int
	free    [maxOrder + 1]map[Addr]struct{}
	inUse   map[Addr]int // block base -> order, for allocated blocks only

	allocCalls     uint64
	freeCalls      uint64
	coalesceEvents uint64
}

// New creates an allocator managing frameCount pages starting at base
// (which must be page aligned). The arena is carved into maximal
// power-of-two-aligned blocks on construction, the same way a real buddy
// allocator seeds itself from an arbitrarily sized memory region.
func New(base Addr, frameCount int) *Allocator {
	if base%PageSize != 0 {
		panic("frame: base not page aligned")
	}
	a := &Allocator{base: base, frames: frameCount, inUse: make(map[Addr]int)}
	for o := range a.free {
		a.free[o] = make(map[Addr]struct{})
	}

	off := 0
	for off < frameCount {
		remaining := frameCount - off
		order := order(remaining)
		// order(remaining) may round up past what's left; step down until
		// the block actually fits.
		for (1<<order) > remaining {
			order--
		}
		if order > maxOrder {
			order = maxOrder
		}
		addr := base + Addr(off)*PageSize
		a.free[order][addr] = struct{}{}
		off += 1 << order
	}
	return a
}

// order returns the smallest k such that 1<<k >= n.
func order(n int) int {
	if n <= 1 {
		return 0
	}
	k := 0
	for (1 << k) < n {
		k++
	}
	return k
}

// AllocPages returns a 4 KiB aligned, physically contiguous run of n
// frames, or errs.NoMemory. It never returns a partial allocation.
func (a *Allocator) AllocPages(n int) (Addr, errs.Code) {
	if n <= 0 {
		return 0, errs.InvalidArgs
	}
	want := order(n)
	if want > maxOrder {
		return 0, errs.NoMemory
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Find the smallest order >= want that has a free block.
	found := -1
	for o := want; o <= maxOrder; o++ {
		if len(a.free[o]) > 0 {
			found = o
			break
		}
	}
	if found == -1 {
		return 0, errs.NoMemory
	}

	var addr Addr
	for k := range a.free[found] {
		addr = k
		break
	}
	delete(a.free[found], addr)

	// Split the block down to the requested order, pushing the unused
	// buddy halves back onto their free lists.
	for o := found; o > want; o-- {
		half := addr + Addr(1<<(o-1))*PageSize
		a.free[o-1][half] = struct{}{}
	}

	a.inUse[addr] = want
	a.allocCalls++
	return addr, 0
}

// FreePages returns a previously allocated run of n frames starting at
// phys to the allocator, coalescing with its buddy whenever the buddy is
// also free.
func (a *Allocator) FreePages(phys Addr, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.inUse[phys]
	if !ok {
		panic("frame: free of unknown or already-freed block")
	}
	if 1<<o != n && order(n) != o {
		panic("frame: free size does not match allocation")
	}
	delete(a.inUse, phys)
	a.freeCalls++

	addr := phys
	for o < maxOrder {
		buddy := a.buddyOf(addr, o)
		if _, free := a.free[o][buddy]; !free {
			break
		}
		delete(a.free[o], buddy)
		a.coalesceEvents++
		if buddy < addr {
			addr = buddy
		}
		o++
	}
	a.free[o][addr] = struct{}{}
}

// buddyOf computes the buddy address of a block at the given order,
// relative to the arena base so the XOR trick works regardless of where
// the arena sits in the physical address space.
func (a *Allocator) buddyOf(addr Addr, o int) Addr {
	rel := uint64(addr - a.base)
	size := uint64(1<<o) * PageSize
	return a.base + Addr(rel^size)
}

// Stats is a snapshot of allocator counters, used by tests and by the host
// CLI's inspect and scenario subcommands.
type Stats struct {
	FreePagesByOrder [maxOrder + 1]int
	AllocCalls       uint64
	FreeCalls        uint64
	CoalesceEvents   uint64
	TotalFreePages   int
}

// Stats returns a consistent snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s Stats
	for o := 0; o <= maxOrder; o++ {
		s.FreePagesByOrder[o] = len(a.free[o])
		s.TotalFreePages += len(a.free[o]) * (1 << o)
	}
	s.AllocCalls = a.allocCalls
	s.FreeCalls = a.freeCalls
	s.CoalesceEvents = a.coalesceEvents
	return s
}

// CheckInvariants verifies that free blocks, weighted by their size,
// account for exactly frames-minus-outstanding pages (spec.md §8 invariant
// 3). It panics on violation, matching the teacher's check_invariants
// convention of treating accounting drift as a fatal kernel bug.
func (a *Allocator) CheckInvariants() {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := 0
	for o := 0; o <= maxOrder; o++ {
		free += len(a.free[o]) * (1 << o)
	}
	used := 0
	for _, o := range a.inUse {
		used += 1 << o
	}
	if free+used != a.frames {
		klog.Fatal("frame: invariant violated: free=%d used=%d frames=%d", free, used, a.frames)
	}
}
