// Package object implements the kernel object table and per-process handle
// tables described in spec.md §4.C: a tagged-variant object record with
// reference counting, and a fixed-capacity handle array per process.
//
// Grounded on biscuit's fd.Fd_t (a descriptor wrapping an interface plus a
// permission int) and design note §9's instruction to realize "a common
// capability trait with downcasting" as a tagged-variant record rather
// than a virtual-dispatch table: Object stores its concrete payload behind
// an `any` and a Kind tag, and downcasting helpers check the tag before
// asserting, the way biscuit's defs package tags device numbers rather
// than giving every device kind its own interface method set.
package object

import (
	"sync"
	"sync/atomic"

	"kestrel/internal/errs"
)

// ID is a kernel object's unique 64-bit identifier (spec.md §3).
type ID uint64

var nextID uint64

// NewID allocates a fresh, process-lifetime-unique object id.
func NewID() ID {
	return ID(atomic.AddUint64(&nextID, 1))
}

// Kind tags the concrete type an Object's Payload holds.
type Kind int

const (
	KindProcess Kind = iota + 1
	KindThread
	KindChannel
	KindEvent
	KindVMO
	KindEndpoint
	KindTimer
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindThread:
		return "thread"
	case KindChannel:
		return "channel"
	case KindEvent:
		return "event"
	case KindVMO:
		return "vmo"
	case KindEndpoint:
		return "endpoint"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Object is a kernel object: a unique id, a type tag, a reference count,
// and the concrete per-type state behind Payload.
type Object struct {
	id      ID
	kind    Kind
	refs    int32
	Payload any

	// onClose runs exactly once, when refs drops to zero. It is where a
	// channel breaks its peer link or a VMO releases its frame vector.
	onClose func()
}

// New wraps payload as a kernel object of the given kind with an initial
// reference count of one (the caller's handle).
func New(kind Kind, payload any, onClose func()) *Object {
	return &Object{id: NewID(), kind: kind, refs: 1, Payload: payload, onClose: onClose}
}

// ID returns the object's unique id.
func (o *Object) ID() ID { return o.id }

// Kind returns the object's type tag.
func (o *Object) Kind() Kind { return o.kind }

// RefCount returns the current reference count (live handles plus
// kernel-internal references).
func (o *Object) RefCount() int32 { return atomic.LoadInt32(&o.refs) }

// Ref adds one kernel-internal reference, e.g. when a channel's peer link
// is established or an IPC message pins its transferred handles in
// flight.
func (o *Object) Ref() {
	atomic.AddInt32(&o.refs, 1)
}

// Unref releases one reference. When the count reaches zero the object's
// on_close hook runs, after a release barrier (spec.md §5) so the hook
// observes every write made before the matching Ref/New.
func (o *Object) Unref() {
	if atomic.AddInt32(&o.refs, -1) == 0 {
		if o.onClose != nil {
			o.onClose()
		}
	}
}

// As downcasts obj to T, checking the Kind tag first so a mismatched
// request fails cleanly with WrongType instead of a panicking type
// assertion.
func As[T any](obj *Object, want Kind) (T, errs.Code) {
	var zero T
	if obj == nil {
		return zero, errs.BadHandle
	}
	if obj.kind != want {
		return zero, errs.WrongType
	}
	v, ok := obj.Payload.(T)
	if !ok {
		return zero, errs.WrongType
	}
	return v, 0
}

// Rights is the 32-bit capability mask carried by a handle, drawn from
// the closed set in spec.md §3.
type Rights uint32

const (
	Duplicate Rights = 1 << iota
	Read
	Write
	Execute
	Map
	GetProperty
	SetProperty
	Enumerate
	Destroy
	Send
	Recv
	Manage
	SameRights
)

// Has reports whether r contains every bit in required.
func (r Rights) Has(required Rights) bool {
	return r&required == required
}

// Record is what a handle table slot stores: the object it names, the
// rights that handle carries, and the process that owns the slot.
type Record struct {
	Object *Object
	Rights Rights
	Owner  uint64
}

const capacity = 1024

// Table is a process's fixed-capacity handle table. The slot index is the
// handle value surfaced to user space.
type Table struct {
	mu      sync.Mutex
	owner   uint64
	slots   [capacity]*Record
	free    []int // indices known free; Add takes the lowest
	denied  []DeniedOp
}

// DeniedOp is one audit entry recorded when a handle operation is refused
// for a rights or type reason. Recovered from the Rust original's
// security/mod.rs audit log (SPEC_FULL.md's supplemented-features
// section); not part of spec.md's closed error set, purely observational.
type DeniedOp struct {
	Handle uint32
	Reason errs.Code
}

const deniedLogCap = 64

// NewTable creates an empty handle table for the given owning process id.
func NewTable(owner uint64) *Table {
	t := &Table{owner: owner}
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}
	return t
}

func (t *Table) recordDenied(h uint32, reason errs.Code) {
	t.denied = append(t.denied, DeniedOp{Handle: h, Reason: reason})
	if len(t.denied) > deniedLogCap {
		t.denied = t.denied[len(t.denied)-deniedLogCap:]
	}
}

// DeniedOps returns a copy of the bounded audit log of refused operations.
func (t *Table) DeniedOps() []DeniedOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DeniedOp, len(t.denied))
	copy(out, t.denied)
	return out
}

// Add finds the first free slot and installs a handle naming obj with the
// given rights.
func (t *Table) Add(obj *Object, rights Rights) (uint32, errs.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return 0, errs.NoMemory
	}
	pos := len(t.free) - 1
	for i, free := range t.free {
		if free < t.free[pos] {
			pos = i
		}
	}
	idx := t.free[pos]
	t.free = append(t.free[:pos], t.free[pos+1:]...)
	t.slots[idx] = &Record{Object: obj, Rights: rights, Owner: t.owner}
	return uint32(idx), 0
}

func (t *Table) lookup(h uint32) (*Record, errs.Code) {
	if int(h) >= capacity {
		return nil, errs.BadHandle
	}
	rec := t.slots[h]
	if rec == nil {
		return nil, errs.BadHandle
	}
	return rec, 0
}

// Get borrows the handle record without removing it from the table.
func (t *Table) Get(h uint32) (Record, errs.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, errc := t.lookup(h)
	if errc != 0 {
		t.recordDenied(h, errc)
		return Record{}, errc
	}
	return *rec, 0
}

// CheckRights borrows the handle and verifies it carries every bit in
// required, recording a denial in the audit log on failure.
func (t *Table) CheckRights(h uint32, required Rights) (Record, errs.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, errc := t.lookup(h)
	if errc != 0 {
		t.recordDenied(h, errc)
		return Record{}, errc
	}
	if !rec.Rights.Has(required) {
		t.recordDenied(h, errs.PermissionDenied)
		return Record{}, errs.PermissionDenied
	}
	return *rec, 0
}

// Remove takes the handle record out of the table, freeing the slot for
// reuse.
func (t *Table) Remove(h uint32) (Record, errs.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, errc := t.lookup(h)
	if errc != 0 {
		return Record{}, errc
	}
	t.slots[h] = nil
	t.free = append(t.free, int(h))
	return *rec, 0
}

// Replace atomically swaps the record at h for newRec, returning the old
// record.
func (t *Table) Replace(h uint32, newRec Record) (Record, errs.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, errc := t.lookup(h)
	if errc != 0 {
		return Record{}, errc
	}
	prev := *old
	*old = newRec
	return prev, 0
}

// Duplicate creates a new handle to the same object with rights narrowed
// to newRights & the source handle's rights (spec.md §3 invariant: a
// duplicate is never a proper superset of its source). The source handle
// must itself carry DUPLICATE.
func (t *Table) Duplicate(h uint32, newRights Rights) (uint32, errs.Code) {
	t.mu.Lock()
	src, errc := t.lookup(h)
	if errc != 0 {
		t.mu.Unlock()
		return 0, errc
	}
	if !src.Rights.Has(Duplicate) {
		t.recordDenied(h, errs.PermissionDenied)
		t.mu.Unlock()
		return 0, errs.PermissionDenied
	}
	narrowed := newRights & src.Rights
	obj := src.Object
	t.mu.Unlock()

	obj.Ref()
	newH, errc := t.Add(obj, narrowed)
	if errc != 0 {
		obj.Unref()
		return 0, errc
	}
	return newH, 0
}

// Insert installs obj at the first free slot with the given rights,
// clamped by whatever the caller has already narrowed them to. It is
// distinct from Add only in name, for call sites that deliver a handle
// rather than create one. internal/ipc does not call it: transferred
// handles are delivered through MoveHandles.
func (t *Table) Insert(obj *Object, rights Rights) (uint32, errs.Code) {
	return t.Add(obj, rights)
}

// Move names one handle to relocate and the rights the destination copy
// should carry before clamping against the source handle's own rights.
type Move struct {
	Handle uint32
	Rights Rights
}

// MoveHandles relocates the named handles from src to dst atomically: it
// validates that every source handle exists and that dst has enough free
// slots before mutating either table, so a failure leaves both tables
// unchanged (spec.md §8's handle-move-atomicity law). Rights are narrowed
// to the intersection of the caller-requested mask and the source
// handle's own rights, never widened.
//
// Locks are taken in owner-id order (lower first) regardless of which
// table is "source", so concurrent transfers in opposite directions
// between the same two processes cannot deadlock.
func MoveHandles(src, dst *Table, moves []Move) ([]uint32, errs.Code) {
	if len(moves) == 0 {
		return nil, 0
	}
	first, second := src, dst
	if second != first && first.owner > second.owner {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	recs := make([]*Record, len(moves))
	for i, m := range moves {
		rec, errc := src.lookup(m.Handle)
		if errc != 0 {
			return nil, errc
		}
		recs[i] = rec
	}
	if len(dst.free) < len(moves) {
		return nil, errs.NoMemory
	}

	out := make([]uint32, len(moves))
	for i, m := range moves {
		narrowed := m.Rights & recs[i].Rights
		obj := recs[i].Object
		src.slots[m.Handle] = nil
		src.free = append(src.free, int(m.Handle))

		idx := dst.free[len(dst.free)-1]
		dst.free = dst.free[:len(dst.free)-1]
		dst.slots[idx] = &Record{Object: obj, Rights: narrowed, Owner: dst.owner}
		out[i] = uint32(idx)
	}
	return out, 0
}

// CloseAll closes every live handle in the table, in slot order. Used on
// process exit (spec.md §5's cancellation rules): every handle the
// process held is closed, decrementing the named objects' reference
// counts and potentially cascading further destruction.
func (t *Table) CloseAll() {
	t.mu.Lock()
	var objs []*Object
	for i := range t.slots {
		if t.slots[i] != nil {
			objs = append(objs, t.slots[i].Object)
			t.slots[i] = nil
			t.free = append(t.free, i)
		}
	}
	t.mu.Unlock()
	for _, o := range objs {
		o.Unref()
	}
}
