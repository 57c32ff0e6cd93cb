// Package sim hosts the kernel's pure Go logic end to end: it owns the
// frame allocator, address-space manager, scheduler, and syscall table,
// and wires them together the way a real boot stub would after handing
// control from assembly to Go. The two genuinely non-portable leaves
// spec.md §9 names — the trap-vector entry and do_exec — are modeled as
// function-value collaborators (DoExec, below) rather than compiled
// assembly, so the rest of this tree stays buildable and testable on a
// development machine; a real boot stub would set these fields to actual
// assembly trampolines instead of Go closures.
package sim

import (
	"sync"

	"kestrel/internal/armtrap"
	"kestrel/internal/aspace"
	"kestrel/internal/boot"
	"kestrel/internal/errs"
	"kestrel/internal/frame"
	"kestrel/internal/sched"
	"kestrel/internal/syscall"
)

// defaultQuantum is the number of ticks a thread runs before preemption
// within its priority band (spec.md §4.E).
const defaultQuantum = 10

// ExecRequest records one do_exec invocation: the arguments spec.md §4.E
// says the routine must consume before transitioning to EL0.
type ExecRequest struct {
	EntryPC uint64
	UserSP  uint64
	TTBR    uint64
	Args    [4]uint64
}

// Kernel is the single owned aggregate that holds every manager spec.md
// §9's "global singletons" note asks for, created once at boot and passed
// down by reference rather than exposed as package-level mutable state.
type Kernel struct {
	Boot    boot.Info
	Frames  *frame.Allocator
	ASpace  *aspace.Manager
	Sched   *sched.Scheduler
	Syscall *syscall.Table
	Console boot.Console

	// DoExec models the user-mode-entry assembly leaf: given the packed
	// arguments, it would never return on real hardware. Tests observe its
	// effect through LastExec instead of by actually entering EL0.
	DoExec func(req ExecRequest)

	mu        sync.Mutex
	processes map[uint64]*sched.PCB
	threads   map[uint64]*sched.Thread
	threadPID map[uint64]uint64
	nextPID   uint64
	nextTID   uint64
	lastESR   uint64
	lastEC    armtrap.Class
	lastExec  ExecRequest
}

// New creates a kernel with frameCount 4 KiB frames of simulated physical
// memory available to the frame allocator, starting at physical address 0.
func New(info boot.Info, console boot.Console, frameCount int) *Kernel {
	fa := frame.New(0, frameCount)
	k := &Kernel{
		Boot:      info,
		Frames:    fa,
		ASpace:    aspace.NewManager(fa),
		Sched:     sched.New(defaultQuantum),
		Console:   console,
		processes: make(map[uint64]*sched.PCB),
		threads:   make(map[uint64]*sched.Thread),
		threadPID: make(map[uint64]uint64),
		nextPID:   1,
		nextTID:   1,
	}
	k.Syscall = syscall.NewTable()
	k.Syscall.Register(syscall.ProcessStart, k.handleProcessStart)
	return k
}

func (k *Kernel) handleProcessStart(ctx *syscall.Context, args syscall.Args) (syscall.Result, errs.Code) {
	// process_start is not detailed further by spec.md beyond appearing in
	// the syscall table (§6); the only state transition available at this
	// layer is readying the process's first thread, which thread_start
	// already does, so process_start is a deliberate no-op kept for ABI
	// completeness.
	return syscall.Result{}, 0
}

// CreateProcess implements syscall.Spawner: a fresh PCB with its own
// address space and handle table, in the Created state.
func (k *Kernel) CreateProcess(priority uint8) (uint64, errs.Code) {
	space, errc := k.ASpace.NewAddressSpace()
	if errc != 0 {
		return 0, errc
	}
	k.mu.Lock()
	pid := k.nextPID
	k.nextPID++
	k.mu.Unlock()

	pcb := sched.NewPCB(pid, 0, space, priority)
	k.mu.Lock()
	k.processes[pid] = pcb
	k.mu.Unlock()
	return pid, 0
}

// CreateThread implements syscall.Spawner.
func (k *Kernel) CreateThread(pid uint64, priority uint8) (uint64, errs.Code) {
	k.mu.Lock()
	pcb, ok := k.processes[pid]
	if !ok {
		k.mu.Unlock()
		return 0, errs.BadHandle
	}
	tid := k.nextTID
	k.nextTID++
	k.mu.Unlock()

	th := &sched.Thread{ID: tid, Process: pcb, Priority: priority}
	pcb.AddThread(th)
	k.mu.Lock()
	k.threads[tid] = th
	k.threadPID[tid] = pid
	k.mu.Unlock()
	return tid, 0
}

// StartThread implements syscall.Spawner: enqueues the thread as Ready and
// invokes the do_exec collaborator with the packed TTBR spec.md §4.B
// describes, modeling the kernel's side of the first entry into user mode.
func (k *Kernel) StartThread(tid, entryPC, userSP uint64) errs.Code {
	k.mu.Lock()
	th, ok := k.threads[tid]
	k.mu.Unlock()
	if !ok {
		return errs.BadHandle
	}

	root, asid := th.Process.PageTableRoot()
	ttbr := aspace.TTBR(root, asid)
	req := ExecRequest{EntryPC: entryPC, UserSP: userSP, TTBR: ttbr}

	k.mu.Lock()
	k.lastExec = req
	k.mu.Unlock()
	if k.DoExec != nil {
		k.DoExec(req)
	}
	k.Sched.Enqueue(th)
	return 0
}

// LastExec returns the most recent do_exec invocation, for tests.
func (k *Kernel) LastExec() ExecRequest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastExec
}

// Process returns the PCB for pid, if any.
func (k *Kernel) Process(pid uint64) (*sched.PCB, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[pid]
	return p, ok
}

// SyscallFrom dispatches one supervisor call issued by the given thread,
// per spec.md §4.E's syscall dispatch path: decode (already done by the
// caller into n/args), check the calling thread still exists, invoke the
// handler. Returns the signed machine word spec.md §6 defines.
func (k *Kernel) SyscallFrom(tid uint64, n syscall.Number, args syscall.Args) int64 {
	k.mu.Lock()
	th, ok := k.threads[tid]
	k.mu.Unlock()
	if !ok {
		return errs.BadHandle.Syscall()
	}
	ctx := &syscall.Context{
		Proc:    th.Process,
		Thread:  th,
		Sched:   k.Sched,
		Frames:  k.Frames,
		Spawner: k,
		Console: k.Console,
	}
	word, _ := k.Syscall.Dispatch(ctx, n, args)
	return word
}

// HandleTrap decodes a raw ESR value the way a real trap-vector entry's
// dispatch-by-exception-class logic would (spec.md §4.E). A synchronous
// EL0 supervisor call is forwarded to SyscallFrom; an abort terminates the
// faulting process (no exception port is modeled, so "terminate" is the
// only outcome, matching the fallback spec.md §7 describes when no port
// is registered); anything else is recorded for diagnostics and ignored.
func (k *Kernel) HandleTrap(tid uint64, esr uint64, n syscall.Number, args syscall.Args) int64 {
	class := armtrap.DecodeESR(esr)
	k.mu.Lock()
	k.lastESR = esr
	k.lastEC = class
	k.mu.Unlock()

	switch {
	case class == armtrap.ClassSVC64:
		return k.SyscallFrom(tid, n, args)
	case class.IsAbort():
		k.mu.Lock()
		th, ok := k.threads[tid]
		k.mu.Unlock()
		if ok {
			th.Process.Exit(-1)
		}
		return errs.NotFound.Syscall()
	default:
		return errs.NotSupported.Syscall()
	}
}

// Tick advances the scheduler by one timer tick, preempting the running
// thread if its quantum is exhausted and picking the next Ready thread, if
// any (spec.md §4.E's timer-tick sequence, steps 1 and 3; step 2,
// re-arming the architectural timer, belongs to the boot.Timer
// collaborator, not this package).
func (k *Kernel) Tick() {
	if k.Sched.Tick() {
		k.Sched.Preempt()
		k.Sched.PickNext()
	}
}

// LastFault returns the most recently decoded exception syndrome and its
// class, for diagnostics. The CLI does not call it.
func (k *Kernel) LastFault() (uint64, armtrap.Class) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastESR, k.lastEC
}
