package ipc

import (
	"sync"
	"unsafe"

	"kestrel/internal/errs"
	"kestrel/internal/object"
)

type channelMsg struct {
	data      []byte
	grants    []HandleGrant
	senderTbl *object.Table
}

// Channel is one side of a connected pair of mailboxes (spec.md §3, §4.D).
// Close breaks the symmetric peer link under a pair of locks taken in
// address order, per design note §9's cycle-breaking discipline.
type Channel struct {
	mu     sync.Mutex
	peer   *Channel
	queue  []channelMsg
	notify chan struct{}
	closed bool
}

// NewPair creates two channels connected to each other.
func NewPair() (a, b *Channel) {
	a = &Channel{notify: make(chan struct{})}
	b = &Channel{notify: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *Channel) signalLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func addrOf(c *Channel) uintptr { return uintptr(unsafe.Pointer(c)) }

// Close severs the peer link. A send on the peer or a read of an empty
// queue on the peer subsequently fails with PeerClosed.
func (c *Channel) Close() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		peer := c.peer
		if peer == nil {
			c.closed = true
			c.signalLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		first, second := c, peer
		if addrOf(peer) < addrOf(c) {
			first, second = peer, c
		}
		first.mu.Lock()
		second.mu.Lock()
		if c.closed {
			second.mu.Unlock()
			first.mu.Unlock()
			return
		}
		if c.peer != peer {
			// peer link changed concurrently (raced with the peer's own
			// Close); retry with the fresh state.
			second.mu.Unlock()
			first.mu.Unlock()
			continue
		}
		c.closed = true
		c.peer = nil
		peer.peer = nil
		c.signalLocked()
		peer.signalLocked()
		second.mu.Unlock()
		first.mu.Unlock()
		return
	}
}

// Write enqueues data and grants into the peer's queue.
func (c *Channel) Write(senderTbl *object.Table, data []byte, grants []HandleGrant) errs.Code {
	if errc := validateMessage(data, grants); errc != 0 {
		return errc
	}
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return errs.PeerClosed
	}

	peer.mu.Lock()
	peer.queue = append(peer.queue, channelMsg{data: data, grants: grants, senderTbl: senderTbl})
	peer.signalLocked()
	peer.mu.Unlock()
	return 0
}

// Read dequeues the next message, transferring any handles into recvTbl.
// If recvTbl cannot accept them the message stays queued and NoMemory is
// returned, matching the endpoint delivery rule in spec.md §4.D. Read
// blocks on an empty queue with a live peer, waking on new data, the
// peer closing, or cancel.
func (c *Channel) Read(recvTbl *object.Table, cancel <-chan struct{}) ([]byte, []uint32, errs.Code) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			moves := make([]object.Move, len(msg.grants))
			for i, g := range msg.grants {
				moves[i] = object.Move{Handle: g.Handle, Rights: g.Rights}
			}
			newHandles, merr := object.MoveHandles(msg.senderTbl, recvTbl, moves)
			if merr != 0 {
				c.mu.Unlock()
				return nil, nil, merr
			}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg.data, newHandles, 0
		}
		if c.peer == nil {
			c.mu.Unlock()
			return nil, nil, errs.PeerClosed
		}
		gen := c.notify
		c.mu.Unlock()

		select {
		case <-gen:
			continue
		case <-cancel:
			return nil, nil, errs.Cancelled
		}
	}
}
