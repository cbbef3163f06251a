// Package testbed provides an in-memory manifest engine implementing the
// same ABI as the wasm-hosted engine, for tests that need real handle
// lifecycle behavior without a compiled engine module.
//
// The testbed is deliberately strict about ownership: freeing a handle
// twice, using a freed or consumed handle, or releasing an unknown stream
// is recorded as a misuse and fails the call. Tests assert Misuses() is
// empty to prove the wrappers never touch a handle they no longer own.
//
// It also implements enough manifest behavior for end-to-end wrapper tests:
// signing embeds a manifest block into the output asset, reading recovers
// it, archives round-trip through CBOR, and signatures come from the
// registered callback or a deterministic local scheme.
package testbed

import (
	"fmt"
	"sync"

	"github.com/fwanderse/c2pa-c/engine"
)

type kind string

const (
	kindSettings       kind = "settings"
	kindContext        kind = "context"
	kindContextBuilder kind = "context-builder"
	kindReader         kind = "reader"
	kindBuilder        kind = "builder"
	kindSigner         kind = "signer"
)

type resource struct {
	kind    kind
	payload any
}

// Engine is the in-memory ABI implementation. The zero value is not usable;
// call New.
type Engine struct {
	mu sync.Mutex

	nextHandle uint32
	handles    map[engine.Handle]*resource

	nextStream    uint32
	streams       map[uint64]engine.Callbacks
	streamHandles map[engine.StreamHandle]uint64

	signers map[uint64]engine.SignCallback

	lastErr  string
	failures map[string]string
	misuses  []string
}

var _ engine.ABI = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		handles:       make(map[engine.Handle]*resource),
		streams:       make(map[uint64]engine.Callbacks),
		streamHandles: make(map[engine.StreamHandle]uint64),
		signers:       make(map[uint64]engine.SignCallback),
		failures:      make(map[string]string),
	}
}

// FailNext makes the next call to the named operation fail with msg as the
// engine error message. Consuming operations still consume their input.
func (e *Engine) FailNext(op, msg string) {
	e.mu.Lock()
	e.failures[op] = msg
	e.mu.Unlock()
}

// Misuses returns every ownership violation observed so far: double frees,
// uses of freed or consumed handles, kind mismatches.
func (e *Engine) Misuses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.misuses))
	copy(out, e.misuses)
	return out
}

// LiveHandles reports how many foreign resources are currently allocated.
// Zero after a leak-free test.
func (e *Engine) LiveHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

// LiveStreams reports how many stream objects are currently allocated.
func (e *Engine) LiveStreams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streamHandles)
}

func (e *Engine) misuse(format string, args ...any) {
	e.misuses = append(e.misuses, fmt.Sprintf(format, args...))
}

// failInjected consumes a scripted failure for op. Must hold e.mu.
func (e *Engine) failInjected(op string) bool {
	if msg, ok := e.failures[op]; ok {
		delete(e.failures, op)
		e.lastErr = msg
		return true
	}
	return false
}

// alloc registers a new resource and returns its handle. Must hold e.mu.
func (e *Engine) alloc(k kind, payload any) engine.Handle {
	e.nextHandle++
	h := engine.Handle(e.nextHandle)
	e.handles[h] = &resource{kind: k, payload: payload}
	return h
}

// get resolves a handle and checks its kind. Must hold e.mu.
func (e *Engine) get(h engine.Handle, k kind) (*resource, bool) {
	res, ok := e.handles[h]
	if !ok {
		e.misuse("use of unknown or freed handle %d as %s", h, k)
		e.lastErr = fmt.Sprintf("invalid %s handle", k)
		return nil, false
	}
	if res.kind != k {
		e.misuse("handle %d is %s, used as %s", h, res.kind, k)
		e.lastErr = fmt.Sprintf("handle is not a %s", k)
		return nil, false
	}
	return res, true
}

// take resolves a handle like get and removes it, modeling a consuming
// call. The input is gone whether or not the caller's operation succeeds.
func (e *Engine) take(h engine.Handle, k kind) (*resource, bool) {
	res, ok := e.get(h, k)
	if ok {
		delete(e.handles, h)
	}
	return res, ok
}

// LastError returns and clears the last error message.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg := e.lastErr
	e.lastErr = ""
	return msg
}

func (e *Engine) Version() (string, error) {
	return "0.0.0-testbed", nil
}

// Free releases any resource kind. Unknown handles are a recorded misuse.
func (e *Engine) Free(h engine.Handle) {
	if h == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handles[h]; !ok {
		e.misuse("double free or free of unknown handle %d", h)
		return
	}
	delete(e.handles, h)
}
