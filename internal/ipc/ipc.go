// Package ipc implements synchronous endpoints, channels, and events: the
// sole inter-process mechanism spec.md §1 allows.
//
// Grounded on biscuit's fd package for the shape of a kernel-visible
// rendezvous object (an interface-shaped operation set wrapped by a
// lockable record) and on the Rust original's
// kernel/src/ipc_services/endpoints.rs for the capability-mask-gates-
// operations design recovered in SPEC_FULL.md. Blocking is implemented
// with a per-endpoint "generation" notification channel rather than
// biscuit's own thread-parking primitives (which assume biscuit's
// single-process runtime scheduler); spec.md's scheduler integration
// point is the cancel channel every blocking call accepts, which
// internal/sched closes when a thread's owning process exits.
package ipc

import (
	"sync"
	"sync/atomic"

	"kestrel/internal/errs"
	"kestrel/internal/object"
)

// MaxPayload is the maximum channel/endpoint message size (spec.md §4.D).
const MaxPayload = 64 * 1024

// MaxHandles is the maximum number of handles transferred in one message.
const MaxHandles = 64

// HandleGrant names a handle to transfer and the rights the copy should
// carry, clamped against the source handle's own rights by
// object.MoveHandles.
type HandleGrant struct {
	Handle uint32
	Rights object.Rights
}

// Caps gates which endpoint operations a handle to it may invoke,
// independent of the handle's own object.Rights mask (SPEC_FULL.md's
// supplemented-features section; both checks apply).
type Caps struct {
	Read  bool
	Write bool
	Admin bool
}

type envelope struct {
	senderID uint64
	op       uint16
	priority uint8
	payload  []byte
	grants   []HandleGrant
	senderTbl *object.Table

	replied  int32
	replyCh  chan replyResult
}

type replyResult struct {
	payload []byte
	grants  []HandleGrant
	err     errs.Code
}

// Endpoint is a kernel-visible rendezvous point for synchronous and
// asynchronous message passing (spec.md §3, §4.D).
//
// Blocking receivers wait on a "generation" channel that is closed and
// replaced every time the queue or destroyed flag changes, rather than on
// a sync.Cond: a closed channel composes with select, so a receiver can
// wait on either new work or its cancellation channel without the
// goroutine-per-waiter juggling sync.Cond would need to support
// cancellation.
type Endpoint struct {
	mu   sync.Mutex
	notify chan struct{}

	caps      Caps
	queue     []*envelope
	destroyed bool

	asyncNext    uint64
	asyncResults map[uint64]chan replyResult
}

// NewEndpoint creates an endpoint with the given capability mask.
func NewEndpoint(caps Caps) *Endpoint {
	return &Endpoint{caps: caps, notify: make(chan struct{}), asyncResults: make(map[uint64]chan replyResult)}
}

// signalLocked wakes every goroutine currently waiting in RecvSync. Callers
// must hold e.mu.
func (e *Endpoint) signalLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

func validateMessage(payload []byte, grants []HandleGrant) errs.Code {
	if len(payload) > MaxPayload {
		return errs.InvalidArgs
	}
	if len(grants) > MaxHandles {
		return errs.InvalidArgs
	}
	return 0
}

// dequeueLocked returns the index of the highest-priority envelope, with
// ties broken by arrival order (spec.md §4.D priority-then-FIFO). Priority
// 0 is highest per spec.md §4.E, so the lowest numeric value wins. Callers
// must hold e.mu.
func dequeueLocked(queue []*envelope) int {
	best := 0
	for i := 1; i < len(queue); i++ {
		if queue[i].priority < queue[best].priority {
			best = i
		}
	}
	return best
}

// SendSync enqueues a message and blocks until a receiver replies, the
// endpoint is destroyed, or cancel fires (process exit, per spec.md §5).
func (e *Endpoint) SendSync(senderID uint64, senderTbl *object.Table, op uint16, priority uint8, payload []byte, grants []HandleGrant, cancel <-chan struct{}) ([]byte, []HandleGrant, errs.Code) {
	if errc := validateMessage(payload, grants); errc != 0 {
		return nil, nil, errc
	}

	e.mu.Lock()
	if !e.caps.Write {
		e.mu.Unlock()
		return nil, nil, errs.PermissionDenied
	}
	if e.destroyed {
		e.mu.Unlock()
		return nil, nil, errs.PeerClosed
	}
	env := &envelope{
		senderID: senderID, op: op, priority: priority,
		payload: payload, grants: grants, senderTbl: senderTbl,
		replyCh: make(chan replyResult, 1),
	}
	e.queue = append(e.queue, env)
	e.signalLocked()
	e.mu.Unlock()

	select {
	case res := <-env.replyCh:
		return res.payload, res.grants, res.err
	case <-cancel:
		e.mu.Lock()
		for i, q := range e.queue {
			if q == env {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				e.mu.Unlock()
				return nil, nil, errs.Cancelled
			}
		}
		e.mu.Unlock()
		// already picked up by a receiver; the reply is in flight.
		res := <-env.replyCh
		return res.payload, res.grants, res.err
	}
}

// ReplyToken names the at-most-once reply slot attached to a message
// delivered by RecvSync.
type ReplyToken struct {
	env *envelope
}

// RecvSync blocks until a message arrives or the endpoint is destroyed,
// then attempts to deliver any transferred handles into recvTbl. If the
// receiver's table cannot accept them the message is left queued (the
// sender remains blocked) and NoMemory is returned to the receiver,
// per spec.md §4.D.
func (e *Endpoint) RecvSync(recvTbl *object.Table, cancel <-chan struct{}) (senderID uint64, op uint16, payload []byte, handles []uint32, token *ReplyToken, errc errs.Code) {
	for {
		e.mu.Lock()
		if !e.caps.Read {
			e.mu.Unlock()
			return 0, 0, nil, nil, nil, errs.PermissionDenied
		}
		if len(e.queue) > 0 {
			idx := dequeueLocked(e.queue)
			env := e.queue[idx]
			moves := make([]object.Move, len(env.grants))
			for i, g := range env.grants {
				moves[i] = object.Move{Handle: g.Handle, Rights: g.Rights}
			}
			newHandles, merr := object.MoveHandles(env.senderTbl, recvTbl, moves)
			if merr != 0 {
				e.mu.Unlock()
				return 0, 0, nil, nil, nil, merr
			}
			e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
			e.mu.Unlock()
			return env.senderID, env.op, env.payload, newHandles, &ReplyToken{env: env}, 0
		}
		if e.destroyed {
			e.mu.Unlock()
			return 0, 0, nil, nil, nil, errs.PeerClosed
		}
		gen := e.notify
		e.mu.Unlock()

		select {
		case <-gen:
			continue
		case <-cancel:
			return 0, 0, nil, nil, nil, errs.Cancelled
		}
	}
}

// Reply fulfills tok's at-most-once reply slot, transferring any response
// handles from replierTbl into the original sender's table. A second
// Reply to the same token is rejected.
func (tok *ReplyToken) Reply(replierTbl *object.Table, payload []byte, grants []HandleGrant) errs.Code {
	if errc := validateMessage(payload, grants); errc != 0 {
		return errc
	}
	if !atomic.CompareAndSwapInt32(&tok.env.replied, 0, 1) {
		return errs.InvalidArgs
	}
	moves := make([]object.Move, len(grants))
	for i, g := range grants {
		moves[i] = object.Move{Handle: g.Handle, Rights: g.Rights}
	}
	newHandles, errc := object.MoveHandles(replierTbl, tok.env.senderTbl, moves)
	if errc != 0 {
		atomic.StoreInt32(&tok.env.replied, 0)
		return errc
	}
	respGrants := make([]HandleGrant, len(newHandles))
	for i, h := range newHandles {
		respGrants[i] = HandleGrant{Handle: h}
	}
	tok.env.replyCh <- replyResult{payload: payload, grants: respGrants, err: 0}
	return 0
}

// SendAsync enqueues a message and returns immediately with a token that
// async_wait can later consume.
func (e *Endpoint) SendAsync(senderID uint64, senderTbl *object.Table, op uint16, priority uint8, payload []byte, grants []HandleGrant) (uint64, errs.Code) {
	if errc := validateMessage(payload, grants); errc != 0 {
		return 0, errc
	}
	e.mu.Lock()
	if !e.caps.Write {
		e.mu.Unlock()
		return 0, errs.PermissionDenied
	}
	if e.destroyed {
		e.mu.Unlock()
		return 0, errs.PeerClosed
	}
	e.asyncNext++
	token := e.asyncNext
	ch := make(chan replyResult, 1)
	e.asyncResults[token] = ch
	env := &envelope{
		senderID: senderID, op: op, priority: priority,
		payload: payload, grants: grants, senderTbl: senderTbl,
		replyCh: ch,
	}
	e.queue = append(e.queue, env)
	e.signalLocked()
	e.mu.Unlock()
	return token, 0
}

// AsyncWait blocks until the message identified by token receives a
// reply, or the endpoint is destroyed.
func (e *Endpoint) AsyncWait(token uint64, cancel <-chan struct{}) ([]byte, []HandleGrant, errs.Code) {
	e.mu.Lock()
	ch, ok := e.asyncResults[token]
	e.mu.Unlock()
	if !ok {
		return nil, nil, errs.BadHandle
	}
	select {
	case res := <-ch:
		e.mu.Lock()
		delete(e.asyncResults, token)
		e.mu.Unlock()
		return res.payload, res.grants, res.err
	case <-cancel:
		return nil, nil, errs.Cancelled
	}
}

// Pending returns the current queue depth, for diagnostics (the CLI's
// scenario runner).
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Destroy wakes every blocked receiver and every sender whose message has
// not yet been delivered with PeerClosed, per spec.md §4.D. A second call
// is a no-op. No syscall in internal/syscall destroys an endpoint or
// removes its handle, so nothing reports bad-handle for a repeated
// destroy.
func (e *Endpoint) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	for _, env := range e.queue {
		if atomic.CompareAndSwapInt32(&env.replied, 0, 1) {
			env.replyCh <- replyResult{err: errs.PeerClosed}
		}
	}
	e.queue = nil
	for _, ch := range e.asyncResults {
		select {
		case ch <- replyResult{err: errs.PeerClosed}:
		default:
		}
	}
	e.signalLocked()
}
