package sched

import (
	"testing"

	"kestrel/internal/object"
)

func newThread(id uint64, priority uint8, proc *PCB) *Thread {
	return &Thread{ID: id, Process: proc, Priority: priority, state: Created}
}

func testPCB(id uint64) *PCB {
	return &PCB{ID: id, cancel: make(chan struct{}), state: Created}
}

func TestHigherPriorityBandRunsFirst(t *testing.T) {
	s := New(4)
	p := testPCB(1)
	low := newThread(1, 10, p)
	high := newThread(2, 0, p)

	s.Enqueue(low)
	s.Enqueue(high)

	next := s.PickNext()
	if next != high {
		t.Fatalf("expected highest-priority (lowest number) thread first, got id %d", next.ID)
	}
}

func TestRoundRobinWithinBand(t *testing.T) {
	s := New(4)
	p := testPCB(1)
	a := newThread(1, 5, p)
	b := newThread(2, 5, p)

	s.Enqueue(a)
	s.Enqueue(b)

	if next := s.PickNext(); next != a {
		t.Fatalf("expected FIFO order within a band, got id %d", next.ID)
	}
	s.Preempt()
	if next := s.PickNext(); next != b {
		t.Fatalf("expected b to run after a is preempted, got id %d", next.ID)
	}
}

func TestQuantumExhaustionSignal(t *testing.T) {
	s := New(3)
	p := testPCB(1)
	th := newThread(1, 0, p)
	th.Process = p
	s.Enqueue(th)
	s.PickNext()

	for i := 0; i < 2; i++ {
		if s.Tick() {
			t.Fatalf("quantum exhausted too early at tick %d", i)
		}
	}
	if !s.Tick() {
		t.Fatal("expected quantum exhaustion on the third tick")
	}
}

func TestBlockRemovesFromCurrent(t *testing.T) {
	s := New(4)
	p := testPCB(1)
	th := newThread(1, 0, p)
	s.Enqueue(th)
	s.PickNext()

	s.Block(th)
	if th.State() != Blocked {
		t.Fatalf("state = %v, want blocked", th.State())
	}
	if s.Current() != nil {
		t.Fatal("current should be cleared after block")
	}

	s.Unblock(th)
	if th.State() != Ready {
		t.Fatalf("state = %v, want ready", th.State())
	}
}

func TestPickNextEmptyReturnsNil(t *testing.T) {
	s := New(4)
	if s.PickNext() != nil {
		t.Fatal("expected nil from an empty scheduler")
	}
}

func TestProcessExitCancelsThreads(t *testing.T) {
	p := testPCB(1)
	p.Handles = object.NewTable(p.ID)
	th := newThread(1, 0, p)
	p.threads = []*Thread{th}

	select {
	case <-p.Cancel():
		t.Fatal("cancel channel closed before exit")
	default:
	}

	// Exit with no address space to destroy: a nil-safe no-op, since this
	// test only cares about thread cancellation.
	p.Exit(0)

	select {
	case <-p.Cancel():
	default:
		t.Fatal("cancel channel should be closed after exit")
	}
	if th.State() != Exited {
		t.Fatalf("thread state = %v, want exited", th.State())
	}
}
