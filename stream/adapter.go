package stream

import (
	"io"
	"sync/atomic"

	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
)

// WriteSeeker is the destination side of the adapter: the engine writes
// signed output non-linearly, so plain io.Writer is not enough.
type WriteSeeker interface {
	io.Writer
	io.Seeker
}

// Adapter pairs a native stream with a foreign stream object for the
// duration of an engine operation. The adapter owns the pairing, not the
// stream: Release severs the link and frees the foreign object but never
// closes the native stream.
//
// An Adapter is intended for one engine operation at a time. Concurrent
// engine operations over the same adapter would interleave reads and seeks
// on the underlying stream.
type Adapter struct {
	abi      engine.ABI
	token    uint64
	handle   engine.StreamHandle
	released atomic.Bool
}

// NewReader adapts a readable, seekable stream for engine input. Write and
// flush are rejected with an invalid-argument code without touching rs.
func NewReader(abi engine.ABI, rs io.ReadSeeker) (*Adapter, error) {
	if rs == nil {
		return nil, errors.InvalidInput(errors.PhaseStream, "nil source stream")
	}
	return newAdapter(abi, &entry{reader: rs, seeker: rs}, engine.Callbacks{
		Read:  readCallback,
		Write: unsupportedWrite,
		Seek:  seekCallback,
		Flush: unsupportedFlush,
	})
}

// NewWriter adapts a writable, seekable stream for engine output. Read is
// rejected with an invalid-argument code without touching ws.
func NewWriter(abi engine.ABI, ws WriteSeeker) (*Adapter, error) {
	if ws == nil {
		return nil, errors.InvalidInput(errors.PhaseStream, "nil destination stream")
	}
	return newAdapter(abi, &entry{writer: ws, seeker: ws, flushable: true}, engine.Callbacks{
		Read:  unsupportedRead,
		Write: writeCallback,
		Seek:  seekCallback,
		Flush: flushCallback,
	})
}

// NewReadWriter adapts a stream the engine both reads and writes, such as
// an asset being signed in place.
func NewReadWriter(abi engine.ABI, rws io.ReadWriteSeeker) (*Adapter, error) {
	if rws == nil {
		return nil, errors.InvalidInput(errors.PhaseStream, "nil stream")
	}
	return newAdapter(abi, &entry{reader: rws, writer: rws, seeker: rws, flushable: true}, engine.Callbacks{
		Read:  readCallback,
		Write: writeCallback,
		Seek:  seekCallback,
		Flush: flushCallback,
	})
}

func newAdapter(abi engine.ABI, ent *entry, cb engine.Callbacks) (*Adapter, error) {
	if abi == nil {
		return nil, errors.InvalidInput(errors.PhaseStream, "nil engine")
	}

	token := register(ent)
	h, err := abi.NewStream(token, cb)
	if err != nil {
		unregister(token)
		if err == engine.ErrCallFailed {
			return nil, errors.Foreign(errors.PhaseStream, abi.LastError())
		}
		return nil, err
	}
	return &Adapter{abi: abi, token: token, handle: h}, nil
}

// Handle returns the foreign stream object for passing into engine calls.
// Zero after Release.
func (a *Adapter) Handle() engine.StreamHandle {
	if a == nil || a.released.Load() {
		return 0
	}
	return a.handle
}

// Release frees the foreign stream object and drops the token. Safe to call
// more than once; only the first call does anything. The native stream is
// left untouched and still open.
func (a *Adapter) Release() {
	if a == nil || !a.released.CompareAndSwap(false, true) {
		return
	}
	a.abi.ReleaseStream(a.handle)
	a.handle = 0
	unregister(a.token)
}
