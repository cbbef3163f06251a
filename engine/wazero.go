package engine

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/fwanderse/c2pa-c/errors"
)

// ErrCallFailed is returned when a foreign call reports failure through its
// sentinel value (zero handle or negative integer). The caller must fetch
// LastError immediately, on the same goroutine, to build the user-visible
// error; any other engine call in between may clobber the message.
var ErrCallFailed = goerrors.New("engine: foreign call failed")

// Names of the guest exports the engine module must provide. The surface is
// the C2PA C API compiled to wasm32 plus the host-allocation pair.
var requiredExports = []string{
	"c2pa_alloc",
	"c2pa_free",
	"c2pa_error",
	"c2pa_version",
	"c2pa_settings_new",
	"c2pa_settings_set_value",
	"c2pa_settings_update_from_string",
	"c2pa_context_new",
	"c2pa_context_builder_new",
	"c2pa_context_builder_set_settings",
	"c2pa_context_builder_build",
	"c2pa_reader_from_context",
	"c2pa_reader_with_stream",
	"c2pa_reader_is_embedded",
	"c2pa_reader_remote_url",
	"c2pa_reader_json",
	"c2pa_reader_resource_to_stream",
	"c2pa_reader_supported_mime_types",
	"c2pa_builder_from_context",
	"c2pa_builder_with_definition",
	"c2pa_builder_set_no_embed",
	"c2pa_builder_set_remote_url",
	"c2pa_builder_set_base_path",
	"c2pa_builder_add_resource",
	"c2pa_builder_add_ingredient_from_stream",
	"c2pa_builder_add_action",
	"c2pa_builder_sign",
	"c2pa_builder_from_archive",
	"c2pa_builder_with_archive",
	"c2pa_builder_to_archive",
	"c2pa_builder_data_hashed_placeholder",
	"c2pa_builder_sign_data_hashed_embeddable",
	"c2pa_format_embeddable",
	"c2pa_builder_supported_mime_types",
	"c2pa_signer_create",
	"c2pa_signer_from_info",
	"c2pa_signer_reserve_size",
	"c2pa_create_stream",
	"c2pa_release_stream",
	"c2pa_free_string_array",
}

// Engine hosts the manifest engine wasm module and implements ABI over its
// export surface. A single Engine owns a single guest instance; guest calls
// are serialized with an internal mutex, so one Engine may be shared across
// wrappers as long as callers accept that serialization. The stream and
// signer host imports dispatch through registries keyed by the opaque
// context token, never through raw pointers.
type Engine struct {
	runtime wazero.Runtime
	mod     api.Module
	base    context.Context
	fns     map[string]api.Function

	mu sync.Mutex // serializes guest calls

	cbMu         sync.RWMutex
	streams      map[uint64]Callbacks
	streamTokens map[StreamHandle]uint64
	signers      map[uint64]SignCallback

	errFetch atomic.Int32 // single-flight assertion around LastError
}

var _ ABI = (*Engine)(nil)

// New compiles and instantiates the manifest engine from wasmBytes. The
// returned Engine must be closed with Close to release runtime resources.
func New(ctx context.Context, wasmBytes []byte) (*Engine, error) {
	r := wazero.NewRuntime(ctx)

	e := &Engine{
		runtime:      r,
		base:         ctx,
		fns:          make(map[string]api.Function, len(requiredExports)),
		streams:      make(map[uint64]Callbacks),
		streamTokens: make(map[StreamHandle]uint64),
		signers:      make(map[uint64]SignCallback),
	}

	wasi.MustInstantiate(ctx, r)

	if err := e.instantiateHostModule(ctx, r); err != nil {
		r.Close(ctx)
		return nil, errors.Load("instantiate host imports", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Load("compile engine module", err)
	}

	cfg := wazero.NewModuleConfig().
		WithName("c2pa-engine").
		WithStartFunctions() // reactor module; _initialize is called below
	mod, err := r.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Load("instantiate engine module", err)
	}
	e.mod = mod

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			r.Close(ctx)
			return nil, errors.Load("initialize engine module", err)
		}
	}

	for _, name := range requiredExports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			r.Close(ctx)
			return nil, errors.New(errors.PhaseEngine, errors.KindLoad).
				Detail("engine module missing export %q", name).
				Build()
		}
		e.fns[name] = fn
	}

	Logger().Debug("engine instantiated",
		zap.Int("exports", len(e.fns)),
		zap.Uint32("memory_bytes", mod.Memory().Size()))
	return e, nil
}

// Close releases the engine instance and all runtime resources. Adapters and
// wrappers holding handles into this engine must be released first.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// call invokes a guest export. The engine mutex must be held.
func (e *Engine) call(name string, args ...uint64) ([]uint64, error) {
	res, err := e.fns[name].Call(e.base, args...)
	if err != nil {
		return nil, errors.New(errors.PhaseEngine, errors.KindForeign).
			Detail("call %s", name).
			Cause(err).
			Build()
	}
	return res, nil
}

// Guest memory marshaling. Host-allocated guest buffers come from
// c2pa_alloc and are returned with c2pa_free; engine-allocated results are
// released with the same c2pa_free, matching the C API's single release
// call for all engine allocations.

func (e *Engine) alloc(size uint32) (uint32, error) {
	res, err := e.call("c2pa_alloc", uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, errors.New(errors.PhaseEngine, errors.KindLoad).
			Detail("guest allocation of %d bytes failed", size).
			Build()
	}
	return ptr, nil
}

func (e *Engine) freeGuest(ptr uint32) {
	if ptr == 0 {
		return
	}
	if _, err := e.call("c2pa_free", uint64(ptr)); err != nil {
		Logger().Warn("guest free failed", zap.Uint32("ptr", ptr), zap.Error(err))
	}
}

// writeString copies s into guest memory as a NUL-terminated C string.
func (e *Engine) writeString(s string) (uint32, error) {
	ptr, err := e.alloc(uint32(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	buf := append([]byte(s), 0)
	if !e.mod.Memory().Write(ptr, buf) {
		e.freeGuest(ptr)
		return 0, errors.New(errors.PhaseEngine, errors.KindIO).
			Detail("write string of %d bytes out of bounds", len(buf)).
			Build()
	}
	return ptr, nil
}

// writeOptString is writeString with "" mapped to the null pointer.
func (e *Engine) writeOptString(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	return e.writeString(s)
}

func (e *Engine) writeBytes(b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, nil
	}
	ptr, err := e.alloc(uint32(len(b)))
	if err != nil {
		return 0, err
	}
	if !e.mod.Memory().Write(ptr, b) {
		e.freeGuest(ptr)
		return 0, errors.New(errors.PhaseEngine, errors.KindIO).
			Detail("write %d bytes out of bounds", len(b)).
			Build()
	}
	return ptr, nil
}

// readCString reads a NUL-terminated string at ptr. Does not free it.
func (e *Engine) readCString(ptr uint32) (string, error) {
	mem := e.mod.Memory()
	var buf []byte
	for off := uint32(0); ; off++ {
		b, ok := mem.ReadByte(ptr + off)
		if !ok {
			return "", errors.New(errors.PhaseEngine, errors.KindIO).
				Detail("string read out of bounds at %d", ptr+off).
				Build()
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

// takeCString reads and frees an engine-allocated string result.
func (e *Engine) takeCString(ptr uint32) (string, error) {
	s, err := e.readCString(ptr)
	e.freeGuest(ptr)
	return s, err
}

// takeBytes validates an engine-produced (ptr, len) pair, copies the bytes
// out, and frees the engine allocation. Negative length or null pointer is
// the failure sentinel; the possibly-allocated pointer is still freed.
func (e *Engine) takeBytes(ptr uint32, n int64) ([]byte, error) {
	if n < 0 || ptr == 0 {
		e.freeGuest(ptr)
		return nil, ErrCallFailed
	}
	data, ok := e.mod.Memory().Read(ptr, uint32(n))
	if !ok {
		e.freeGuest(ptr)
		return nil, errors.New(errors.PhaseEngine, errors.KindIO).
			Detail("byte result read out of bounds: ptr=%d len=%d", ptr, n).
			Build()
	}
	out := make([]byte, n)
	copy(out, data)
	e.freeGuest(ptr)
	return out, nil
}

// outCell allocates a 4-byte guest cell used for pointer out-parameters.
func (e *Engine) outCell() (uint32, error) {
	ptr, err := e.alloc(4)
	if err != nil {
		return 0, err
	}
	if !e.mod.Memory().WriteUint32Le(ptr, 0) {
		e.freeGuest(ptr)
		return 0, errors.New(errors.PhaseEngine, errors.KindIO).
			Detail("out cell write out of bounds").
			Build()
	}
	return ptr, nil
}

func (e *Engine) readCell(ptr uint32) uint32 {
	v, _ := e.mod.Memory().ReadUint32Le(ptr)
	return v
}

// LastError returns and clears the engine's last error message. The slot is
// per-thread by the engine's own contract; the wrapper adds no
// synchronization, only a reentrancy assertion so interleaved fetches show
// up in logs instead of silently mismatching messages.
func (e *Engine) LastError() string {
	if e.errFetch.Add(1) > 1 {
		Logger().Warn("reentrant last-error fetch; messages may be mismatched")
	}
	defer e.errFetch.Add(-1)

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_error")
	if err != nil {
		return ""
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return ""
	}
	msg, err := e.takeCString(ptr)
	if err != nil {
		return ""
	}
	return msg
}

func (e *Engine) Version() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_version")
	if err != nil {
		return "", err
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return "", ErrCallFailed
	}
	return e.takeCString(ptr)
}

// Free releases a foreign resource. Release is treated as infallible: traps
// are logged, never surfaced.
func (e *Engine) Free(h Handle) {
	if h == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.call("c2pa_free", uint64(h)); err != nil {
		Logger().Warn("resource free failed", zap.Uint32("handle", uint32(h)), zap.Error(err))
	}
}

// handleResult maps a handle-returning foreign call to the zero sentinel.
func handleResult(res []uint64) (Handle, error) {
	h := Handle(uint32(res[0]))
	if h == 0 {
		return 0, ErrCallFailed
	}
	return h, nil
}

// statusResult maps an integer-return foreign call to the negative sentinel.
func statusResult(res []uint64) error {
	if int32(uint32(res[0])) < 0 {
		return ErrCallFailed
	}
	return nil
}

func (e *Engine) SettingsNew() (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_settings_new")
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) SettingsSetValue(h Handle, path, jsonValue string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pPath, err := e.writeString(path)
	if err != nil {
		return err
	}
	defer e.freeGuest(pPath)
	pVal, err := e.writeString(jsonValue)
	if err != nil {
		return err
	}
	defer e.freeGuest(pVal)

	res, err := e.call("c2pa_settings_set_value", uint64(h), uint64(pPath), uint64(pVal))
	if err != nil {
		return err
	}
	return statusResult(res)
}

func (e *Engine) SettingsUpdate(h Handle, data, format string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pData, err := e.writeString(data)
	if err != nil {
		return err
	}
	defer e.freeGuest(pData)
	pFormat, err := e.writeString(format)
	if err != nil {
		return err
	}
	defer e.freeGuest(pFormat)

	res, err := e.call("c2pa_settings_update_from_string", uint64(h), uint64(pData), uint64(pFormat))
	if err != nil {
		return err
	}
	return statusResult(res)
}

func (e *Engine) ContextNew() (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_context_new")
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) ContextBuilderNew() (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_context_builder_new")
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) ContextBuilderSetSettings(b, s Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_context_builder_set_settings", uint64(b), uint64(s))
	if err != nil {
		return err
	}
	return statusResult(res)
}

func (e *Engine) ContextBuilderBuild(b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_context_builder_build", uint64(b))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) ReaderFromContext(ctx Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_reader_from_context", uint64(ctx))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) ReaderWithStream(r Handle, format string, s StreamHandle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pFormat, err := e.writeString(format)
	if err != nil {
		return 0, err
	}
	defer e.freeGuest(pFormat)

	res, err := e.call("c2pa_reader_with_stream", uint64(r), uint64(pFormat), uint64(s))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) ReaderIsEmbedded(r Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_reader_is_embedded", uint64(r))
	if err != nil {
		return false
	}
	return uint32(res[0]) != 0
}

func (e *Engine) ReaderRemoteURL(r Handle) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_reader_remote_url", uint64(r))
	if err != nil {
		return "", false
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return "", false
	}
	url, err := e.takeCString(ptr)
	if err != nil {
		return "", false
	}
	return url, true
}

func (e *Engine) ReaderJSON(r Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_reader_json", uint64(r))
	if err != nil {
		return "", err
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return "", ErrCallFailed
	}
	return e.takeCString(ptr)
}

func (e *Engine) ReaderResourceToStream(r Handle, uri string, s StreamHandle) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pURI, err := e.writeString(uri)
	if err != nil {
		return 0, err
	}
	defer e.freeGuest(pURI)

	res, err := e.call("c2pa_reader_resource_to_stream", uint64(r), uint64(pURI), uint64(s))
	if err != nil {
		return 0, err
	}
	n := int64(res[0])
	if n < 0 {
		return 0, ErrCallFailed
	}
	return n, nil
}

func (e *Engine) ReaderSupportedMimeTypes() []string {
	return e.mimeTypes("c2pa_reader_supported_mime_types")
}

func (e *Engine) BuilderSupportedMimeTypes() []string {
	return e.mimeTypes("c2pa_builder_supported_mime_types")
}

// mimeTypes reads a (char**, count) result and releases the array with the
// paired string-array free export.
func (e *Engine) mimeTypes(export string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	cell, err := e.outCell()
	if err != nil {
		return nil
	}
	defer e.freeGuest(cell)

	res, err := e.call(export, uint64(cell))
	if err != nil {
		return nil
	}
	arr := uint32(res[0])
	if arr == 0 {
		return nil
	}
	count := e.readCell(cell)

	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		sp, ok := e.mod.Memory().ReadUint32Le(arr + i*4)
		if !ok {
			break
		}
		s, err := e.readCString(sp)
		if err != nil {
			break
		}
		out = append(out, s)
	}
	if _, err := e.call("c2pa_free_string_array", uint64(arr), uint64(count)); err != nil {
		Logger().Warn("free string array failed", zap.Error(err))
	}
	return out
}

func (e *Engine) BuilderFromContext(ctx Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_builder_from_context", uint64(ctx))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) BuilderWithDefinition(b Handle, manifestJSON string) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pJSON, err := e.writeString(manifestJSON)
	if err != nil {
		return 0, err
	}
	defer e.freeGuest(pJSON)

	res, err := e.call("c2pa_builder_with_definition", uint64(b), uint64(pJSON))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) BuilderSetNoEmbed(b Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.call("c2pa_builder_set_no_embed", uint64(b)); err != nil {
		Logger().Warn("set no-embed failed", zap.Error(err))
	}
}

func (e *Engine) BuilderSetRemoteURL(b Handle, url string) error {
	return e.builderStringOp("c2pa_builder_set_remote_url", b, url)
}

func (e *Engine) BuilderSetBasePath(b Handle, path string) error {
	return e.builderStringOp("c2pa_builder_set_base_path", b, path)
}

func (e *Engine) BuilderAddAction(b Handle, actionJSON string) error {
	return e.builderStringOp("c2pa_builder_add_action", b, actionJSON)
}

func (e *Engine) builderStringOp(export string, b Handle, arg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pArg, err := e.writeString(arg)
	if err != nil {
		return err
	}
	defer e.freeGuest(pArg)

	res, err := e.call(export, uint64(b), uint64(pArg))
	if err != nil {
		return err
	}
	return statusResult(res)
}

func (e *Engine) BuilderAddResource(b Handle, uri string, s StreamHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pURI, err := e.writeString(uri)
	if err != nil {
		return err
	}
	defer e.freeGuest(pURI)

	res, err := e.call("c2pa_builder_add_resource", uint64(b), uint64(pURI), uint64(s))
	if err != nil {
		return err
	}
	return statusResult(res)
}

func (e *Engine) BuilderAddIngredient(b Handle, ingredientJSON, format string, s StreamHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pJSON, err := e.writeString(ingredientJSON)
	if err != nil {
		return err
	}
	defer e.freeGuest(pJSON)
	pFormat, err := e.writeString(format)
	if err != nil {
		return err
	}
	defer e.freeGuest(pFormat)

	res, err := e.call("c2pa_builder_add_ingredient_from_stream",
		uint64(b), uint64(pJSON), uint64(pFormat), uint64(s))
	if err != nil {
		return err
	}
	return statusResult(res)
}

func (e *Engine) BuilderSign(b Handle, format string, src, dst StreamHandle, signer Handle) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pFormat, err := e.writeString(format)
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(pFormat)

	cell, err := e.outCell()
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(cell)

	res, err := e.call("c2pa_builder_sign",
		uint64(b), uint64(pFormat), uint64(src), uint64(dst), uint64(signer), uint64(cell))
	if err != nil {
		return nil, err
	}
	return e.takeBytes(e.readCell(cell), int64(res[0]))
}

func (e *Engine) BuilderFromArchive(s StreamHandle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_builder_from_archive", uint64(s))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) BuilderWithArchive(b Handle, s StreamHandle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_builder_with_archive", uint64(b), uint64(s))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) BuilderToArchive(b Handle, s StreamHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_builder_to_archive", uint64(b), uint64(s))
	if err != nil {
		return err
	}
	return statusResult(res)
}

func (e *Engine) BuilderDataHashedPlaceholder(b Handle, reservedSize uint64, format string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pFormat, err := e.writeString(format)
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(pFormat)

	cell, err := e.outCell()
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(cell)

	res, err := e.call("c2pa_builder_data_hashed_placeholder",
		uint64(b), reservedSize, uint64(pFormat), uint64(cell))
	if err != nil {
		return nil, err
	}
	return e.takeBytes(e.readCell(cell), int64(res[0]))
}

func (e *Engine) BuilderSignDataHashedEmbeddable(b Handle, signer Handle, dataHash, format string, asset StreamHandle) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pHash, err := e.writeString(dataHash)
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(pHash)
	pFormat, err := e.writeString(format)
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(pFormat)

	cell, err := e.outCell()
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(cell)

	res, err := e.call("c2pa_builder_sign_data_hashed_embeddable",
		uint64(b), uint64(signer), uint64(pHash), uint64(pFormat), uint64(asset), uint64(cell))
	if err != nil {
		return nil, err
	}
	return e.takeBytes(e.readCell(cell), int64(res[0]))
}

func (e *Engine) FormatEmbeddable(format string, data []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pFormat, err := e.writeString(format)
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(pFormat)
	pData, err := e.writeBytes(data)
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(pData)

	cell, err := e.outCell()
	if err != nil {
		return nil, err
	}
	defer e.freeGuest(cell)

	res, err := e.call("c2pa_format_embeddable",
		uint64(pFormat), uint64(pData), uint64(len(data)), uint64(cell))
	if err != nil {
		return nil, err
	}
	return e.takeBytes(e.readCell(cell), int64(res[0]))
}

func (e *Engine) SignerCreate(token uint64, cb SignCallback, alg, certPEM, tsaURI string) (Handle, error) {
	if cb == nil {
		return 0, errors.InvalidInput(errors.PhaseSigner, "nil signing callback")
	}

	e.cbMu.Lock()
	e.signers[token] = cb
	e.cbMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	pAlg, err := e.writeString(alg)
	if err != nil {
		e.dropSigner(token)
		return 0, err
	}
	defer e.freeGuest(pAlg)
	pCert, err := e.writeString(certPEM)
	if err != nil {
		e.dropSigner(token)
		return 0, err
	}
	defer e.freeGuest(pCert)
	pTSA, err := e.writeOptString(tsaURI)
	if err != nil {
		e.dropSigner(token)
		return 0, err
	}
	defer e.freeGuest(pTSA)

	res, err := e.call("c2pa_signer_create", token, uint64(pAlg), uint64(pCert), uint64(pTSA))
	if err != nil {
		e.dropSigner(token)
		return 0, err
	}
	h, err := handleResult(res)
	if err != nil {
		e.dropSigner(token)
		return 0, err
	}
	return h, nil
}

func (e *Engine) dropSigner(token uint64) {
	e.cbMu.Lock()
	delete(e.signers, token)
	e.cbMu.Unlock()
}

func (e *Engine) SignerFromInfo(alg, certPEM, privateKeyPEM, tsaURI string) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pAlg, err := e.writeString(alg)
	if err != nil {
		return 0, err
	}
	defer e.freeGuest(pAlg)
	pCert, err := e.writeString(certPEM)
	if err != nil {
		return 0, err
	}
	defer e.freeGuest(pCert)
	pKey, err := e.writeString(privateKeyPEM)
	if err != nil {
		return 0, err
	}
	defer e.freeGuest(pKey)
	pTSA, err := e.writeOptString(tsaURI)
	if err != nil {
		return 0, err
	}
	defer e.freeGuest(pTSA)

	res, err := e.call("c2pa_signer_from_info",
		uint64(pAlg), uint64(pCert), uint64(pKey), uint64(pTSA))
	if err != nil {
		return 0, err
	}
	return handleResult(res)
}

func (e *Engine) SignerReserveSize(h Handle) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_signer_reserve_size", uint64(h))
	if err != nil {
		return 0, err
	}
	return res[0], nil
}

func (e *Engine) NewStream(token uint64, cb Callbacks) (StreamHandle, error) {
	e.cbMu.Lock()
	e.streams[token] = cb
	e.cbMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.call("c2pa_create_stream", token)
	if err != nil {
		e.dropStreamToken(token)
		return 0, err
	}
	h := StreamHandle(uint32(res[0]))
	if h == 0 {
		e.dropStreamToken(token)
		return 0, ErrCallFailed
	}

	e.cbMu.Lock()
	e.streamTokens[h] = token
	e.cbMu.Unlock()
	return h, nil
}

func (e *Engine) dropStreamToken(token uint64) {
	e.cbMu.Lock()
	delete(e.streams, token)
	e.cbMu.Unlock()
}

func (e *Engine) ReleaseStream(s StreamHandle) {
	if s == 0 {
		return
	}

	e.mu.Lock()
	if _, err := e.call("c2pa_release_stream", uint64(s)); err != nil {
		Logger().Warn("stream release failed", zap.Uint32("stream", uint32(s)), zap.Error(err))
	}
	e.mu.Unlock()

	e.cbMu.Lock()
	if token, ok := e.streamTokens[s]; ok {
		delete(e.streamTokens, s)
		delete(e.streams, token)
	}
	e.cbMu.Unlock()
}

func (e *Engine) lookupStream(token uint64) (Callbacks, bool) {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	cb, ok := e.streams[token]
	return cb, ok
}

func (e *Engine) lookupSigner(token uint64) (SignCallback, bool) {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	cb, ok := e.signers[token]
	return cb, ok
}
