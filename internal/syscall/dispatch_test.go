package syscall

import (
	"testing"

	"kestrel/internal/errs"
	"kestrel/internal/frame"
	"kestrel/internal/sched"
)

func testContext() *Context {
	fa := frame.New(0, 1<<12)
	return &Context{
		Proc:   sched.NewPCB(1, 0, nil, 0),
		Frames: fa,
	}
}

func TestUnknownSyscallReturnsNotSupported(t *testing.T) {
	tbl := NewTable()
	ctx := testContext()
	word, _ := tbl.Dispatch(ctx, Number(0xFFFE), Args{})
	result, code := errs.FromSyscall(word)
	if code != errs.NotSupported {
		t.Fatalf("expected not-supported, got result=%d code=%v", result, code)
	}
}

func TestChannelCreateWriteRead(t *testing.T) {
	tbl := NewTable()
	ctx := testContext()

	word, _ := tbl.Dispatch(ctx, ChannelCreate, Args{})
	if word < 0 {
		t.Fatalf("channel_create failed: %v", word)
	}
	ha := uint32(word)
	hb := uint32(word >> 32)

	payload := []byte{1, 2, 3}
	word, _ = tbl.Dispatch(ctx, ChannelWrite, Args{Raw: [6]uint64{uint64(ha)}, Payload: payload})
	if word < 0 {
		t.Fatalf("channel_write failed: %v", word)
	}

	word, res := tbl.Dispatch(ctx, ChannelRead, Args{Raw: [6]uint64{uint64(hb)}})
	if word < 0 {
		t.Fatalf("channel_read failed: %v", word)
	}
	if string(res.Payload) != string(payload) {
		t.Fatalf("read %v, want %v", res.Payload, payload)
	}
}

func TestVMOCreateCommitRoundtrip(t *testing.T) {
	tbl := NewTable()
	ctx := testContext()

	word, _ := tbl.Dispatch(ctx, VMOCreate, Args{Raw: [6]uint64{4096}})
	if word < 0 {
		t.Fatalf("vmo_create failed: %v", word)
	}
	h := uint32(word)

	word, _ = tbl.Dispatch(ctx, VMOWrite, Args{Raw: [6]uint64{uint64(h), 0}})
	if word < 0 {
		t.Fatalf("vmo_write failed: %v", word)
	}

	word, _ = tbl.Dispatch(ctx, VMORead, Args{Raw: [6]uint64{uint64(h), 0}})
	if word < 0 {
		t.Fatalf("vmo_read failed: %v", word)
	}
}

func TestEndpointSendRecvReplyViaSyscalls(t *testing.T) {
	tbl := NewTable()
	ctx := testContext()

	word, _ := tbl.Dispatch(ctx, EPCreate, Args{Raw: [6]uint64{0b011}}) // read|write
	if word < 0 {
		t.Fatalf("ep_create failed: %v", word)
	}
	h := uint32(word)

	type sendResult struct {
		word int64
	}
	done := make(chan sendResult, 1)
	go func() {
		w, _ := tbl.Dispatch(ctx, EPSend, Args{Raw: [6]uint64{uint64(h), 7, 0}, Payload: []byte("ping")})
		done <- sendResult{w}
	}()

	word, res := tbl.Dispatch(ctx, EPRecv, Args{Raw: [6]uint64{uint64(h)}})
	if word < 0 {
		t.Fatalf("ep_recv failed: %v", word)
	}
	if string(res.Payload) != "ping" {
		t.Fatalf("recv payload = %q", res.Payload)
	}
	replyID := uint64(word) >> 16

	word, _ = tbl.Dispatch(ctx, EPReply, Args{Raw: [6]uint64{replyID}, Payload: []byte("pong")})
	if word < 0 {
		t.Fatalf("ep_reply failed: %v", word)
	}

	sr := <-done
	if sr.word < 0 {
		t.Fatalf("send result: %v", sr.word)
	}
}
