package syscall

import (
	"sync"
	"sync/atomic"

	"kestrel/internal/ipc"
)

var (
	replyTokensMu sync.Mutex
	replyTokens   = make(map[uint64]*ipc.ReplyToken)
	nextReplyID   uint64
)

// storeReplyToken stashes tok under a fresh id so ep_reply can redeem it
// later, since spec.md §4.D's reply slot is consumed by a separate
// syscall from the one that received the message.
func storeReplyToken(tok *ipc.ReplyToken) uint64 {
	id := atomic.AddUint64(&nextReplyID, 1)
	replyTokensMu.Lock()
	replyTokens[id] = tok
	replyTokensMu.Unlock()
	return id
}

func takeReplyToken(id uint64) (*ipc.ReplyToken, bool) {
	replyTokensMu.Lock()
	defer replyTokensMu.Unlock()
	tok, ok := replyTokens[id]
	if ok {
		delete(replyTokens, id)
	}
	return tok, ok
}
