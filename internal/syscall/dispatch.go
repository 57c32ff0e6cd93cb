package syscall

import (
	"kestrel/internal/boot"
	"kestrel/internal/errs"
	"kestrel/internal/frame"
	"kestrel/internal/ipc"
	"kestrel/internal/object"
	"kestrel/internal/sched"
)

// Args carries a decoded supervisor call: the raw argument registers a
// real AArch64 trap entry would have extracted (spec.md §6: number in x8,
// arguments in the first six argument registers), plus two fields a host
// simulator needs in place of raw user-memory pointers, since this repo
// does not emulate a byte-addressable user address space end to end.
// Payload stands in for whatever Raw names as a buffer pointer+length;
// Grants stands in for a handle-array pointer. A real boot stub would
// populate Payload/Grants by copying from the addresses named in Raw
// instead of carrying them as Go slices.
type Args struct {
	Raw     [6]uint64
	Payload []byte
	Grants  []ipc.HandleGrant
}

// Spawner creates and starts processes and threads on behalf of
// process_create/thread_create/thread_start. Kept separate from Context's
// other fields because the process/thread registry these calls mutate is
// owned by the host simulator, not by the dispatcher itself — the same
// collaborator-interface pattern spec.md §6 uses for console/interrupt/
// timer devices.
type Spawner interface {
	CreateProcess(priority uint8) (pid uint64, errc errs.Code)
	CreateThread(pid uint64, priority uint8) (tid uint64, errc errs.Code)
	StartThread(tid uint64, entryPC, userSP uint64) errs.Code
}

// Context is everything a handler needs to service one supervisor call.
type Context struct {
	Proc    *sched.PCB
	Thread  *sched.Thread
	Sched   *sched.Scheduler
	Frames  *frame.Allocator
	Spawner Spawner
	Console boot.Console
}

// Result is the decoded outcome of a syscall, before being packed into
// spec.md §6's single signed machine word.
type Result struct {
	Value   int64
	Payload []byte
	Grants  []ipc.HandleGrant
}

// Handler services one syscall number.
type Handler func(ctx *Context, args Args) (Result, errs.Code)

// Table maps syscall numbers to handlers. Construct it with NewTable,
// which registers the built-in handlers; the zero value has none.
type Table struct {
	handlers map[Number]Handler
}

// NewTable returns a dispatch table with every syscall this package
// implements registered.
func NewTable() *Table {
	t := &Table{handlers: make(map[Number]Handler)}
	t.handlers[ChannelCreate] = handleChannelCreate
	t.handlers[ChannelWrite] = handleChannelWrite
	t.handlers[ChannelRead] = handleChannelRead
	t.handlers[EPCreate] = handleEPCreate
	t.handlers[EPSend] = handleEPSend
	t.handlers[EPRecv] = handleEPRecv
	t.handlers[EPReply] = handleEPReply
	t.handlers[VMOCreate] = handleVMOCreate
	t.handlers[VMORead] = handleVMORead
	t.handlers[VMOWrite] = handleVMOWrite
	t.handlers[ProcessCreate] = handleProcessCreate
	t.handlers[ThreadCreate] = handleThreadCreate
	t.handlers[ThreadStart] = handleThreadStart
	t.handlers[LegacyWrite] = handleLegacyWrite
	t.handlers[LegacyRead] = handleLegacyRead
	t.handlers[LegacyOpen] = handleLegacyOpen
	t.handlers[LegacyClose] = handleLegacyClose
	t.handlers[LegacyExit] = handleLegacyExit
	return t
}

// Register installs or overrides the handler for n, letting a host
// simulator extend the table (e.g. process_start) without this package
// needing to know about every collaborator up front.
func (t *Table) Register(n Number, h Handler) {
	t.handlers[n] = h
}

// Dispatch decodes the syscall number, looks up its handler, and returns
// the signed machine word spec.md §6 defines: the result value on
// success, or a negative error code magnitude on failure. An unknown
// number returns NotSupported without touching ctx, matching scenario S6.
func (t *Table) Dispatch(ctx *Context, n Number, args Args) (int64, Result) {
	h, ok := t.handlers[n]
	if !ok {
		return errs.NotSupported.Syscall(), Result{}
	}
	res, errc := h(ctx, args)
	if errc != 0 {
		return errc.Syscall(), Result{}
	}
	return res.Value, res
}

func requireRights(tbl *object.Table, handle uint32, required object.Rights) (object.Record, errs.Code) {
	return tbl.CheckRights(handle, required)
}

func handleChannelCreate(ctx *Context, args Args) (Result, errs.Code) {
	a, b := ipc.NewPair()
	objA := object.New(object.KindChannel, a, func() { a.Close() })
	objB := object.New(object.KindChannel, b, func() { b.Close() })
	objA.Ref() // the peer link each channel half holds on the other
	objB.Ref()

	rights := object.Read | object.Write | object.Duplicate
	ha, errc := ctx.Proc.Handles.Add(objA, rights)
	if errc != 0 {
		return Result{}, errc
	}
	hb, errc := ctx.Proc.Handles.Add(objB, rights)
	if errc != 0 {
		ctx.Proc.Handles.Remove(ha)
		return Result{}, errc
	}
	return Result{Value: int64(hb)<<32 | int64(ha)}, 0
}

func handleChannelWrite(ctx *Context, args Args) (Result, errs.Code) {
	rec, errc := requireRights(ctx.Proc.Handles, uint32(args.Raw[0]), object.Write)
	if errc != 0 {
		return Result{}, errc
	}
	ch, errc := object.As[*ipc.Channel](rec.Object, object.KindChannel)
	if errc != 0 {
		return Result{}, errc
	}
	if errc := ch.Write(ctx.Proc.Handles, args.Payload, args.Grants); errc != 0 {
		return Result{}, errc
	}
	return Result{}, 0
}

func handleChannelRead(ctx *Context, args Args) (Result, errs.Code) {
	rec, errc := requireRights(ctx.Proc.Handles, uint32(args.Raw[0]), object.Read)
	if errc != 0 {
		return Result{}, errc
	}
	ch, errc := object.As[*ipc.Channel](rec.Object, object.KindChannel)
	if errc != 0 {
		return Result{}, errc
	}
	var data []byte
	var handles []uint32
	var errc2 errs.Code
	blockUnblock(ctx, func() {
		data, handles, errc2 = ch.Read(ctx.Proc.Handles, ctx.Proc.Cancel())
	})
	if errc2 != 0 {
		return Result{}, errc2
	}
	return Result{Value: int64(len(data)), Payload: data, Grants: handlesToGrants(handles)}, 0
}

func handleEPCreate(ctx *Context, args Args) (Result, errs.Code) {
	caps := ipc.Caps{
		Read:  args.Raw[0]&1 != 0,
		Write: args.Raw[0]&2 != 0,
		Admin: args.Raw[0]&4 != 0,
	}
	ep := ipc.NewEndpoint(caps)
	obj := object.New(object.KindEndpoint, ep, nil)

	var rights object.Rights
	if caps.Read {
		rights |= object.Recv
	}
	if caps.Write {
		rights |= object.Send
	}
	if caps.Admin {
		rights |= object.Manage
	}
	rights |= object.Duplicate
	h, errc := ctx.Proc.Handles.Add(obj, rights)
	if errc != 0 {
		return Result{}, errc
	}
	return Result{Value: int64(h)}, 0
}

func handleEPSend(ctx *Context, args Args) (Result, errs.Code) {
	rec, errc := requireRights(ctx.Proc.Handles, uint32(args.Raw[0]), object.Send)
	if errc != 0 {
		return Result{}, errc
	}
	ep, errc := object.As[*ipc.Endpoint](rec.Object, object.KindEndpoint)
	if errc != 0 {
		return Result{}, errc
	}
	op := uint16(args.Raw[1])
	priority := uint8(args.Raw[2])

	var payload []byte
	var errc2 errs.Code
	blockUnblock(ctx, func() {
		payload, _, errc2 = ep.SendSync(ctx.Proc.ID, ctx.Proc.Handles, op, priority, args.Payload, args.Grants, ctx.Proc.Cancel())
	})
	if errc2 != 0 {
		return Result{}, errc2
	}
	return Result{Value: int64(len(payload)), Payload: payload}, 0
}

func handleEPRecv(ctx *Context, args Args) (Result, errs.Code) {
	rec, errc := requireRights(ctx.Proc.Handles, uint32(args.Raw[0]), object.Recv)
	if errc != 0 {
		return Result{}, errc
	}
	ep, errc := object.As[*ipc.Endpoint](rec.Object, object.KindEndpoint)
	if errc != 0 {
		return Result{}, errc
	}

	var senderID uint64
	var op uint16
	var payload []byte
	var token *ipc.ReplyToken
	var errc2 errs.Code
	blockUnblock(ctx, func() {
		senderID, op, payload, _, token, errc2 = ep.RecvSync(ctx.Proc.Handles, ctx.Proc.Cancel())
	})
	if errc2 != 0 {
		return Result{}, errc2
	}
	replyID := storeReplyToken(token)
	return Result{Value: packRecvResult(senderID, op, replyID), Payload: payload}, 0
}

func handleEPReply(ctx *Context, args Args) (Result, errs.Code) {
	token, ok := takeReplyToken(args.Raw[0])
	if !ok {
		return Result{}, errs.BadHandle
	}
	if errc := token.Reply(ctx.Proc.Handles, args.Payload, args.Grants); errc != 0 {
		return Result{}, errc
	}
	return Result{}, 0
}

func handleVMOCreate(ctx *Context, args Args) (Result, errs.Code) {
	size := args.Raw[0]
	vmo := object.NewVMO(ctx.Frames, size)
	obj := object.New(object.KindVMO, vmo, vmo.Release)
	h, errc := ctx.Proc.Handles.Add(obj, object.Read|object.Write|object.Map|object.Duplicate)
	if errc != 0 {
		return Result{}, errc
	}
	return Result{Value: int64(h)}, 0
}

func handleVMORead(ctx *Context, args Args) (Result, errs.Code) {
	rec, errc := requireRights(ctx.Proc.Handles, uint32(args.Raw[0]), object.Read)
	if errc != 0 {
		return Result{}, errc
	}
	vmo, errc := object.As[*object.VMO](rec.Object, object.KindVMO)
	if errc != 0 {
		return Result{}, errc
	}
	page := int(args.Raw[1])
	addr, ok := vmo.FrameAt(page)
	if !ok {
		return Result{}, errs.NotFound
	}
	return Result{Value: int64(addr)}, 0
}

func handleVMOWrite(ctx *Context, args Args) (Result, errs.Code) {
	rec, errc := requireRights(ctx.Proc.Handles, uint32(args.Raw[0]), object.Write)
	if errc != 0 {
		return Result{}, errc
	}
	vmo, errc := object.As[*object.VMO](rec.Object, object.KindVMO)
	if errc != 0 {
		return Result{}, errc
	}
	page := int(args.Raw[1])
	addr, errc := vmo.Commit(page)
	if errc != 0 {
		return Result{}, errc
	}
	return Result{Value: int64(addr)}, 0
}

func handleProcessCreate(ctx *Context, args Args) (Result, errs.Code) {
	if ctx.Spawner == nil {
		return Result{}, errs.NotSupported
	}
	priority := uint8(args.Raw[0])
	pid, errc := ctx.Spawner.CreateProcess(priority)
	if errc != 0 {
		return Result{}, errc
	}
	return Result{Value: int64(pid)}, 0
}

func handleThreadCreate(ctx *Context, args Args) (Result, errs.Code) {
	if ctx.Spawner == nil {
		return Result{}, errs.NotSupported
	}
	pid := args.Raw[0]
	priority := uint8(args.Raw[1])
	tid, errc := ctx.Spawner.CreateThread(pid, priority)
	if errc != 0 {
		return Result{}, errc
	}
	return Result{Value: int64(tid)}, 0
}

func handleThreadStart(ctx *Context, args Args) (Result, errs.Code) {
	if ctx.Spawner == nil {
		return Result{}, errs.NotSupported
	}
	tid := args.Raw[0]
	entryPC := args.Raw[1]
	userSP := args.Raw[2]
	if errc := ctx.Spawner.StartThread(tid, entryPC, userSP); errc != 0 {
		return Result{}, errc
	}
	return Result{}, 0
}

func handleLegacyWrite(ctx *Context, args Args) (Result, errs.Code) {
	if ctx.Console == nil {
		return Result{}, errs.NotSupported
	}
	for _, b := range args.Payload {
		ctx.Console.Putc(b)
	}
	return Result{Value: int64(len(args.Payload))}, 0
}

func handleLegacyRead(ctx *Context, args Args) (Result, errs.Code) {
	if ctx.Console == nil {
		return Result{}, errs.NotSupported
	}
	b, ok := ctx.Console.Getc()
	if !ok {
		return Result{}, errs.WouldBlock
	}
	return Result{Value: 1, Payload: []byte{b}}, 0
}

// handleLegacyOpen always fails: a file system is an explicit §1 Non-goal
// for this kernel, so there is nothing for "open" to name.
func handleLegacyOpen(ctx *Context, args Args) (Result, errs.Code) {
	return Result{}, errs.NotSupported
}

func handleLegacyClose(ctx *Context, args Args) (Result, errs.Code) {
	return Result{}, errs.NotSupported
}

func handleLegacyExit(ctx *Context, args Args) (Result, errs.Code) {
	ctx.Proc.Exit(int32(args.Raw[0]))
	return Result{}, 0
}

// blockUnblock marks the calling thread Blocked for the duration of fn, a
// suspension point per spec.md §5, then restores it to Ready via the
// scheduler. A nil ctx.Sched or ctx.Thread (as in a unit test driving a
// handler directly) skips the bookkeeping.
func blockUnblock(ctx *Context, fn func()) {
	if ctx.Sched != nil && ctx.Thread != nil {
		ctx.Sched.Block(ctx.Thread)
	}
	fn()
	if ctx.Sched != nil && ctx.Thread != nil && ctx.Thread.State() != sched.Exited {
		ctx.Sched.Unblock(ctx.Thread)
	}
}

func handlesToGrants(handles []uint32) []ipc.HandleGrant {
	if len(handles) == 0 {
		return nil
	}
	out := make([]ipc.HandleGrant, len(handles))
	for i, h := range handles {
		out[i] = ipc.HandleGrant{Handle: h}
	}
	return out
}

func packRecvResult(senderID uint64, op uint16, replyID uint64) int64 {
	// Packed purely for this simulator's single-return-value Dispatch
	// signature; a real ABI would write sender-id, op, and a reply handle
	// into separate return registers. See Result.Payload/Grants for the
	// rest of what a real multi-register return would carry.
	return int64(replyID)<<16 | int64(op)
}
