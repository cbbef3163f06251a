package engine

// Handle is an opaque pointer into the engine's guest memory, representing a
// foreign resource (settings, context, context builder, reader, builder,
// signer). The engine hands back plain pointers with no ownership marker;
// the wrappers in the root package model each as an exclusively-owned value.
// Zero is the null sentinel.
type Handle uint32

// StreamHandle is an opaque pointer to a foreign stream object created by
// NewStream and released exactly once by ReleaseStream.
type StreamHandle uint32

// Seek whence values shared with the foreign stream contract. They match
// io.SeekStart/io.SeekCurrent/io.SeekEnd, so values pass through unchanged.
const (
	SeekStart   = 0
	SeekCurrent = 1
	SeekEnd     = 2
)

// Stream callback error codes. Callbacks return a non-negative count on
// success or one of these codes; the engine maps them into its own error
// handling, so wrapper callers never see them directly.
const (
	ErrInvalidArgument int64 = -22  // bad input or unsupported operation
	ErrIO              int64 = -5   // stream became unusable
	ErrNoBufferSpace   int64 = -105 // produced output exceeds declared maximum
)

// Callbacks is the four-function stream vtable handed to NewStream. Each
// callback is a pure function of (token, args): no captured state beyond
// what the opaque token resolves to. The token must stay resolvable for the
// whole lifetime of the StreamHandle.
type Callbacks struct {
	// Read fills p and returns the byte count, 0 at end of stream, or a
	// negative error code. End of stream is not an error.
	Read func(token uint64, p []byte) int64
	// Write consumes p and returns the byte count or a negative error code.
	Write func(token uint64, p []byte) int64
	// Seek moves to offset relative to whence and returns the new absolute
	// position or a negative error code.
	Seek func(token uint64, offset int64, whence int) int64
	// Flush returns 0 or a negative error code.
	Flush func(token uint64) int64
}

// SignCallback is the signer trampoline invoked by the engine's signer_sign
// host import. It signs data, writes the signature into sig, and returns the
// signature length or a negative error code. Implementations must never
// panic: every failure, including panics from user code, must be converted
// to a negative return before control crosses back into the engine.
type SignCallback func(token uint64, data []byte, sig []byte) int64

// ABI is the fixed foreign surface of the manifest engine. Every opaque
// resource has paired create/free operations; operations documented as
// consuming invalidate their input handle and return a replacement (zero on
// failure), regardless of success. Callers must apply the read-and-clear
// discipline around every consuming call.
//
// Failure convention: methods returning (Handle, error) report a zero handle
// as an error; methods wrapping integer-return foreign calls report negative
// results as errors. In both cases the returned error is a plain sentinel;
// the caller fetches LastError immediately, on the same goroutine, to build
// the user-visible error.
type ABI interface {
	// LastError returns and clears the engine's last error message.
	LastError() string

	// Version returns the engine version string.
	Version() (string, error)

	// Free releases a foreign resource. It never fails and ignores zero.
	Free(h Handle)

	// Settings. All mutations are non-consuming.
	SettingsNew() (Handle, error)
	SettingsSetValue(h Handle, path, jsonValue string) error
	SettingsUpdate(h Handle, data, format string) error

	// Context and context builder. ContextBuilderBuild CONSUMES the builder
	// handle, success or not.
	ContextNew() (Handle, error)
	ContextBuilderNew() (Handle, error)
	ContextBuilderSetSettings(b, s Handle) error
	ContextBuilderBuild(b Handle) (Handle, error)

	// Reader. ReaderWithStream CONSUMES the reader handle, success or not.
	ReaderFromContext(ctx Handle) (Handle, error)
	ReaderWithStream(r Handle, format string, s StreamHandle) (Handle, error)
	ReaderIsEmbedded(r Handle) bool
	ReaderRemoteURL(r Handle) (string, bool)
	ReaderJSON(r Handle) (string, error)
	ReaderResourceToStream(r Handle, uri string, s StreamHandle) (int64, error)
	ReaderSupportedMimeTypes() []string

	// Builder. BuilderWithDefinition and BuilderWithArchive CONSUME the
	// builder handle, success or not. The remaining mutators are
	// non-consuming integer-return calls.
	BuilderFromContext(ctx Handle) (Handle, error)
	BuilderWithDefinition(b Handle, manifestJSON string) (Handle, error)
	BuilderSetNoEmbed(b Handle)
	BuilderSetRemoteURL(b Handle, url string) error
	BuilderSetBasePath(b Handle, path string) error
	BuilderAddResource(b Handle, uri string, s StreamHandle) error
	BuilderAddIngredient(b Handle, ingredientJSON, format string, s StreamHandle) error
	BuilderAddAction(b Handle, actionJSON string) error
	BuilderSign(b Handle, format string, src, dst StreamHandle, signer Handle) ([]byte, error)
	BuilderFromArchive(s StreamHandle) (Handle, error)
	BuilderWithArchive(b Handle, s StreamHandle) (Handle, error)
	BuilderToArchive(b Handle, s StreamHandle) error
	BuilderDataHashedPlaceholder(b Handle, reservedSize uint64, format string) ([]byte, error)
	BuilderSignDataHashedEmbeddable(b Handle, signer Handle, dataHash, format string, asset StreamHandle) ([]byte, error)
	FormatEmbeddable(format string, data []byte) ([]byte, error)
	BuilderSupportedMimeTypes() []string

	// Signer. SignerCreate registers the trampoline under token; the token
	// must stay registered until the signer handle is freed.
	SignerCreate(token uint64, cb SignCallback, alg, certPEM, tsaURI string) (Handle, error)
	SignerFromInfo(alg, certPEM, privateKeyPEM, tsaURI string) (Handle, error)
	SignerReserveSize(h Handle) (uint64, error)

	// Streams. NewStream fails with a zero handle when the callbacks are
	// unusable. ReleaseStream releases exactly once and ignores zero; it
	// never touches the native stream behind the token.
	NewStream(token uint64, cb Callbacks) (StreamHandle, error)
	ReleaseStream(s StreamHandle)
}
