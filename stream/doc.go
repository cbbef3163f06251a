// Package stream adapts native Go streams to the manifest engine's
// four-callback stream contract.
//
// The engine sees a stream as an opaque context token plus read, write,
// seek, and flush callbacks. This package keeps the native stream in a
// host-side registry keyed by token, so only the token crosses the engine
// boundary. Three variants exist:
//
//	NewReader      read + seek     (engine input)
//	NewWriter      write + seek + flush    (engine output)
//	NewReadWriter  all four        (in-place assets)
//
// Callbacks an adapter variant does not support fail with an
// invalid-argument code and never touch the native stream.
//
// The adapter borrows the stream; closing it remains the caller's job.
// Release the adapter before closing the stream, and keep the stream open
// for the whole engine operation the adapter participates in.
package stream
