package stream

import (
	"io"
	"sync"
	"sync/atomic"
)

// Flusher is implemented by streams that can push buffered writes through.
// Streams without it treat flush as a successful no-op.
type Flusher interface {
	Flush() error
}

// entry holds the native stream behind a token, one field per operation the
// variant supports. A nil field means the operation is unsupported and must
// fail without touching the stream.
type entry struct {
	reader io.Reader
	writer io.Writer
	seeker io.Seeker

	// flushable marks variants whose flush callback is wired at all; the
	// stream itself may still not implement Flusher, in which case flush
	// succeeds without doing anything.
	flushable bool
}

var (
	tokenSeq atomic.Uint64

	regMu    sync.RWMutex
	registry = make(map[uint64]*entry)
)

// register stores ent under a fresh token. Tokens are never reused, so a
// stale token held by the engine after release resolves to nothing instead
// of to an unrelated stream.
func register(ent *entry) uint64 {
	token := tokenSeq.Add(1)
	regMu.Lock()
	registry[token] = ent
	regMu.Unlock()
	return token
}

func lookup(token uint64) (*entry, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	ent, ok := registry[token]
	return ent, ok
}

func unregister(token uint64) {
	regMu.Lock()
	delete(registry, token)
	regMu.Unlock()
}
