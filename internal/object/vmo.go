package object

import (
	"sync"

	"kestrel/internal/errs"
	"kestrel/internal/frame"
)

const pageSize = frame.PageSize

func pageCount(size uint64) int {
	return int((size + pageSize - 1) / pageSize)
}

// VMO is a virtual-memory object: a contiguous logical array of pages with
// a lazy page-vector (spec.md §3). Pages are committed to physical frames
// on first use rather than at creation.
type VMO struct {
	mu       sync.Mutex
	frames   *frame.Allocator
	size     uint64
	pages    []frame.Addr // zero entry means uncommitted
	shared   bool
}

// NewVMO creates a VMO of the given byte size backed by frames drawn from
// alloc, with every page initially uncommitted.
func NewVMO(alloc *frame.Allocator, size uint64) *VMO {
	return &VMO{frames: alloc, size: size, pages: make([]frame.Addr, pageCount(size))}
}

// Size returns the VMO's current byte size.
func (v *VMO) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// SetShared marks the VMO as shared/copy-on-write capable.
func (v *VMO) SetShared(shared bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shared = shared
}

// Shared reports the VMO's shared/COW bit.
func (v *VMO) Shared() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shared
}

// Commit returns the physical frame backing page index i, allocating one
// on first access. Returns NoMemory if the frame allocator is exhausted,
// and InvalidArgs for an out-of-range page index.
func (v *VMO) Commit(page int) (frame.Addr, errs.Code) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if page < 0 || page >= len(v.pages) {
		return 0, errs.InvalidArgs
	}
	if v.pages[page] != 0 {
		return v.pages[page], 0
	}
	addr, errc := v.frames.AllocPages(1)
	if errc == 0 && addr == 0 {
		// Address 0 is the uncommitted marker in v.pages, so frame 0 is
		// never used as VMO backing: it stays allocated and another frame
		// is taken instead.
		addr, errc = v.frames.AllocPages(1)
	}
	if errc != 0 {
		return 0, errc
	}
	v.pages[page] = addr
	return addr, 0
}

// FrameAt reports the frame backing page index i without committing it.
func (v *VMO) FrameAt(page int) (frame.Addr, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if page < 0 || page >= len(v.pages) || v.pages[page] == 0 {
		return 0, false
	}
	return v.pages[page], true
}

// Resize changes the VMO's size, growing or shrinking the page-vector.
// Resize builds the new page-vector on a scratch copy and swaps it into
// the live VMO together with the new size. Growing allocates no frames
// (the added pages stay uncommitted); shrinking frees the frames committed
// beyond the new end. Resize cannot fail and always returns 0.
func (v *VMO) Resize(newSize uint64) errs.Code {
	v.mu.Lock()
	defer v.mu.Unlock()

	newCount := pageCount(newSize)
	scratch := make([]frame.Addr, newCount)
	copy(scratch, v.pages)

	if newCount > len(v.pages) {
		for i := len(v.pages); i < newCount; i++ {
			scratch[i] = 0 // grown pages stay uncommitted until first use
		}
	} else {
		var toFree []frame.Addr
		for i := newCount; i < len(v.pages); i++ {
			if v.pages[i] != 0 {
				toFree = append(toFree, v.pages[i])
			}
		}
		for _, addr := range toFree {
			v.frames.FreePages(addr, 1)
		}
	}

	v.pages = scratch
	v.size = newSize
	return 0
}

// Release frees every frame this VMO has committed. Intended as the
// on_close hook passed to object.New when a VMO's last handle is closed.
func (v *VMO) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, addr := range v.pages {
		if addr != 0 {
			v.frames.FreePages(addr, 1)
			v.pages[i] = 0
		}
	}
}
