// Package engine hosts the C2PA manifest engine as a WebAssembly module and
// exposes its C-shaped export surface as the ABI interface.
//
// The engine is the c2pa library compiled to wasm32, loaded with wazero, so
// the bindings stay pure Go with no cgo. Opaque engine resources (settings,
// contexts, readers, builders, signers, streams) are guest-memory pointers
// surfaced as Handle values; the root package wraps each in an
// exclusively-owned value with explicit release.
//
// Two conventions govern every call:
//
//   - Failure sentinels. Handle-returning exports report failure as a zero
//     handle; integer-return exports report failure as a negative value. The
//     ABI maps both to ErrCallFailed, and the caller fetches LastError
//     immediately to recover the engine's diagnostic message.
//
//   - Consuming calls. A few exports take ownership of their input handle
//     and return a replacement, whether they succeed or not. The ABI
//     documents these as CONSUMES; callers must clear their local handle
//     before invoking and must never release a consumed handle again.
//
// Host streams and signing callbacks cross the boundary as opaque uint64
// tokens, never as pointers. The engine module imports five host functions
// under the "c2pa" module name (stream_read, stream_write, stream_seek,
// stream_flush, signer_sign); each resolves its token through an
// engine-side registry populated by NewStream and SignerCreate. Host
// imports run re-entrantly inside guest calls and must not reach back into
// the engine.
//
// A single Engine instance serializes all guest calls internally and is
// safe for concurrent use, at the cost of that serialization. Distinct
// resources that must not block each other belong on distinct Engine
// instances.
package engine
