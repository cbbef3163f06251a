// Package c2pa wraps the C2PA manifest engine behind ownership-safe Go
// resources for reading, building, and signing content credentials.
//
// The engine runs in-process as a WebAssembly module hosted by the engine
// package; no cgo is involved. Every engine resource (Settings, Context,
// Reader, Builder, Signer) is wrapped in a value that owns exactly one
// foreign handle, fails loudly when used after Close, and releases exactly
// once. A handful of engine operations consume their input handle and
// return a replacement; the wrappers clear their handle before issuing
// such calls, so a failed consuming call leaves the wrapper invalid
// instead of pointing at freed memory.
//
// Typical read path:
//
//	eng, err := engine.New(ctx, wasmBytes)
//	cctx, err := c2pa.NewContext(eng)
//	r, err := c2pa.NewReaderFromFile(eng, cctx, "photo.jpg")
//	defer r.Close()
//	report, err := r.JSON()
//
// Typical signing path:
//
//	signer, err := c2pa.NewSigner(eng, "es256", certPEM, keyPEM, "")
//	b, err := c2pa.NewBuilderWithDefinition(eng, cctx, manifestJSON)
//	defer b.Close()
//	manifest, err := b.SignFile("in.jpg", "out.jpg", signer)
//
// Asset I/O flows through the stream package, which adapts io.ReadSeeker
// and friends to the engine's callback stream contract. The wrappers are
// synchronous and single-owner; nothing here is safe for concurrent use of
// the same value, though independent values over one engine may be used
// from different goroutines at the cost of serialized engine calls.
package c2pa
