// Package aspace implements the per-process address-space manager: ASID
// allocation, a four-level page table walk, and the TLB/TTBR barrier
// sequencing spec.md §4.B requires.
//
// It is grounded on biscuit's vm.Vm_t (vm/as.go): an embedded mutex
// guarding the page-table root, a pmap-walk-and-install pattern for
// inserting leaf entries, and TLB shootdown gated on whether the pmap is
// currently loaded anywhere. Where biscuit runs on real x86-64 hardware
// and can dereference a physical address as a virtual one through its
// direct map, this package runs on a host development machine with no
// MMU to program, so the page-table nodes a frame "contains" are tracked
// in an in-process registry keyed by the frame's physical address rather
// than written through an unsafe.Pointer direct map. A real boot stub
// would replace that registry with dmap.go-style unsafe access; nothing
// above this package would change.
package aspace

import (
	"sync"

	"kestrel/internal/errs"
	"kestrel/internal/frame"
	"kestrel/internal/klog"
)

// ASID is a 16-bit address space identifier. 0 is reserved for the kernel.
type ASID uint16

const (
	// KernelASID is never assigned to a user process.
	KernelASID ASID = 0
	minASID    ASID = 1
	maxASID    ASID = 255
)

// Flags are the permission/attribute bits accepted by Map, drawn from
// spec.md §4.B's closed set.
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
	Execute
	User
	Device
	Cached
)

const entriesPerLevel = 512

// node is the simulated contents of one page-table-sized physical frame:
// either 512 pointers to child tables (levels 0-2) or 512 leaf PTEs
// (level 3). Both cases use the same array so intermediate and leaf
// frames are allocated identically.
type node struct {
	entries [entriesPerLevel]entry
}

type entry struct {
	valid        bool
	intermediate bool
	child        frame.Addr
	leafPhys     frame.Addr
	leafFlags    Flags
}

// Manager owns the frame allocator backing all address spaces and the
// single piece of shared hardware state spec.md's single-CPU model
// implies: which ASID is currently loaded.
type Manager struct {
	mu      sync.Mutex
	frames  *frame.Allocator
	tables  map[frame.Addr]*node
	nextASID ASID
	active   ASID // ASID currently loaded via TTBR, KernelASID if none
	live     map[ASID]bool

	// WriteTTBR, when set, is invoked with the packed TTBR value on every
	// address-space switch, standing in for the do_exec/context-switch
	// assembly leaf described in spec.md §9.
	WriteTTBR func(ttbr uint64)

	Stats ManagerStats
}

// ManagerStats counts TLB maintenance operations so tests (and the CLI's
// scenario subcommand) can verify scenario S4's "exactly one global flush"
// claim.
type ManagerStats struct {
	TLBInvalidates uint64
	TLBFullFlushes uint64
	ASIDWraps      uint64
}

// NewManager creates a Manager backed by the given frame allocator.
func NewManager(frames *frame.Allocator) *Manager {
	return &Manager{
		frames:   frames,
		tables:   make(map[frame.Addr]*node),
		nextASID: minASID,
		live:     make(map[ASID]bool),
	}
}

// allocASID returns the next ASID, wrapping per spec.md §4.B: once 255 has
// been handed out the counter resets to 1 after a global TLB invalidation
// of the user-space range. The post-increment check fires on the call that
// actually exhausts the range (assigning 255), not one call later.
func (m *Manager) allocASID() ASID {
	for {
		candidate := m.nextASID
		m.nextASID++
		if m.nextASID > maxASID {
			m.fullFlushLocked()
			m.Stats.ASIDWraps++
			m.nextASID = minASID
		}
		if !m.live[candidate] {
			m.live[candidate] = true
			return candidate
		}
	}
}

func (m *Manager) fullFlushLocked() {
	m.Stats.TLBFullFlushes++
}

// Space is one process's address space: a page-table root plus its ASID.
type Space struct {
	mgr  *Manager
	Root frame.Addr
	ASID ASID
}

// NewAddressSpace creates an empty top-level table and allocates a fresh
// ASID.
func (m *Manager) NewAddressSpace() (*Space, errs.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, errc := m.frames.AllocPages(1)
	if errc != 0 {
		return nil, errs.NoMemory
	}
	m.tables[root] = &node{}
	asid := m.allocASID()
	return &Space{mgr: m, Root: root, ASID: asid}, 0
}

// indices splits a 48-bit virtual address into its four levels of 9-bit
// page-table indices plus a page offset, mirroring biscuit's pmap_walk
// indexing but generalized to the 4 levels ARMv8-A 4 KiB-granule tables
// use (biscuit walks x86-64's PML4/PDPT/PD/PT, which has the same shape).
func indices(virt uint64) [4]int {
	return [4]int{
		int((virt >> 39) & 0x1ff),
		int((virt >> 30) & 0x1ff),
		int((virt >> 21) & 0x1ff),
		int((virt >> 12) & 0x1ff),
	}
}

// walk finds (or, if create is true, creates) the leaf entry for virt,
// allocating intermediate tables from the frame allocator as needed.
func (m *Manager) walk(root frame.Addr, virt uint64, create bool) (*node, int, errs.Code) {
	idx := indices(virt)
	cur := m.tables[root]
	if cur == nil {
		klog.Fatal("aspace: root %#x has no backing table", root)
	}
	for level := 0; level < 3; level++ {
		e := &cur.entries[idx[level]]
		if !e.valid {
			if !create {
				return nil, 0, errs.NotFound
			}
			childAddr, errc := m.frames.AllocPages(1)
			if errc != 0 {
				return nil, 0, errs.NoMemory
			}
			m.tables[childAddr] = &node{}
			e.valid = true
			e.intermediate = true
			e.child = childAddr
		}
		cur = m.tables[e.child]
	}
	return cur, idx[3], 0
}

// Map installs a leaf PTE mapping virt to phys with the given flags,
// creating intermediate tables on demand.
func (s *Space) Map(virt uint64, phys frame.Addr, flags Flags) errs.Code {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	leaf, idx, errc := s.mgr.walk(s.Root, virt, true)
	if errc != 0 {
		return errc
	}
	leaf.entries[idx] = entry{valid: true, leafPhys: phys, leafFlags: flags}
	s.mgr.invalidateLocked(s.ASID, virt)
	return 0
}

// Unmap clears the leaf entry for virt, invalidates the TLB entry for
// (ASID, virt), and returns the frame that was mapped there, if any.
func (s *Space) Unmap(virt uint64) (frame.Addr, errs.Code) {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	leaf, idx, errc := s.mgr.walk(s.Root, virt, false)
	if errc != 0 {
		return 0, 0 // unmapped address: spec defines walk as returning none, not an error, for unmap of nothing
	}
	e := &leaf.entries[idx]
	if !e.valid || e.intermediate {
		return 0, 0
	}
	phys := e.leafPhys
	*e = entry{}
	s.mgr.invalidateLocked(s.ASID, virt)
	return phys, 0
}

// Walk returns the physical frame and flags mapped at virt, if any.
func (s *Space) Walk(virt uint64) (frame.Addr, Flags, bool) {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	leaf, idx, errc := s.mgr.walk(s.Root, virt, false)
	if errc != 0 {
		return 0, 0, false
	}
	e := leaf.entries[idx]
	if !e.valid || e.intermediate {
		return 0, 0, false
	}
	return e.leafPhys, e.leafFlags, true
}

// invalidateLocked invalidates the (asid, virt) TLB entry if that ASID is
// currently loaded on the (single, per spec.md §5) CPU. m.mu must be held.
func (m *Manager) invalidateLocked(asid ASID, virt uint64) {
	if m.active == asid {
		m.Stats.TLBInvalidates++
	}
}

// Destroy walks the full tree freeing intermediate tables and the root,
// flushing the TLB first if this ASID is the one currently active.
func (s *Space) Destroy() {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	if s.mgr.active == s.ASID {
		s.mgr.fullFlushLocked()
	}
	s.mgr.freeSubtreeLocked(s.Root, 0)
	delete(s.mgr.live, s.ASID)
}

func (m *Manager) freeSubtreeLocked(addr frame.Addr, level int) {
	n, ok := m.tables[addr]
	if !ok {
		return
	}
	if level < 3 {
		for _, e := range n.entries {
			if e.valid && e.intermediate {
				m.freeSubtreeLocked(e.child, level+1)
			}
		}
	}
	delete(m.tables, addr)
	m.frames.FreePages(addr, 1)
}

// TTBR packs root and asid the way spec.md §4.B describes: ASID in the top
// 16 bits, the 48-bit physical root in the low bits.
func TTBR(root frame.Addr, asid ASID) uint64 {
	return uint64(asid)<<48 | (uint64(root) & ((1 << 48) - 1))
}

// SwitchTo installs s as the active address space: a data-synchronization
// barrier, the combined TTBR write, then an instruction-synchronization
// barrier, matching spec.md §4.B. The barriers themselves are represented
// by the ordering of this function's effects, since there is no real
// register to fence around on a host simulator.
func (m *Manager) SwitchTo(s *Space) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteTTBR != nil {
		m.WriteTTBR(TTBR(s.Root, s.ASID))
	}
	m.active = s.ASID
}
