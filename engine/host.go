package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// The engine module imports five host functions under the "c2pa" module
// name: the four stream callbacks and the signer trampoline. Every import
// takes the opaque context token as its first argument; the host resolves
// the token through the engine's registries, so no native pointer ever
// crosses the boundary. The imports run re-entrantly inside an in-progress
// guest call, which already holds the engine mutex. They must therefore
// never take it; the registry locks are the only synchronization they use.

func (e *Engine) instantiateHostModule(ctx context.Context, r wazero.Runtime) error {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	_, err := r.NewHostModuleBuilder("c2pa").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostStreamRead),
			[]api.ValueType{i64, i32, i32}, []api.ValueType{i64}).
		Export("stream_read").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostStreamWrite),
			[]api.ValueType{i64, i32, i32}, []api.ValueType{i64}).
		Export("stream_write").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostStreamSeek),
			[]api.ValueType{i64, i64, i32}, []api.ValueType{i64}).
		Export("stream_seek").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostStreamFlush),
			[]api.ValueType{i64}, []api.ValueType{i64}).
		Export("stream_flush").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(e.hostSignerSign),
			[]api.ValueType{i64, i32, i32, i32, i32}, []api.ValueType{i64}).
		Export("signer_sign").
		Instantiate(ctx)
	return err
}

// hostStreamRead handles (token i64, buf i32, len i32) -> i64.
func (e *Engine) hostStreamRead(_ context.Context, mod api.Module, stack []uint64) {
	token := stack[0]
	bufPtr := uint32(stack[1])
	size := int32(uint32(stack[2]))

	cb, ok := e.lookupStream(token)
	if !ok || cb.Read == nil || bufPtr == 0 || size < 0 {
		stack[0] = api.EncodeI64(ErrInvalidArgument)
		return
	}
	if size == 0 {
		stack[0] = api.EncodeI64(cb.Read(token, []byte{}))
		return
	}

	buf := make([]byte, size)
	n := cb.Read(token, buf)
	if n > 0 {
		if !mod.Memory().Write(bufPtr, buf[:n]) {
			n = ErrIO
		}
	}
	stack[0] = api.EncodeI64(n)
}

// hostStreamWrite handles (token i64, buf i32, len i32) -> i64.
func (e *Engine) hostStreamWrite(_ context.Context, mod api.Module, stack []uint64) {
	token := stack[0]
	bufPtr := uint32(stack[1])
	size := int32(uint32(stack[2]))

	cb, ok := e.lookupStream(token)
	if !ok || cb.Write == nil || bufPtr == 0 || size < 0 {
		stack[0] = api.EncodeI64(ErrInvalidArgument)
		return
	}
	if size == 0 {
		stack[0] = api.EncodeI64(cb.Write(token, []byte{}))
		return
	}

	data, ok := mod.Memory().Read(bufPtr, uint32(size))
	if !ok {
		stack[0] = api.EncodeI64(ErrIO)
		return
	}
	stack[0] = api.EncodeI64(cb.Write(token, data))
}

// hostStreamSeek handles (token i64, offset i64, whence i32) -> i64.
func (e *Engine) hostStreamSeek(_ context.Context, _ api.Module, stack []uint64) {
	token := stack[0]
	offset := int64(stack[1])
	whence := int(int32(uint32(stack[2])))

	cb, ok := e.lookupStream(token)
	if !ok || cb.Seek == nil {
		stack[0] = api.EncodeI64(ErrInvalidArgument)
		return
	}
	stack[0] = api.EncodeI64(cb.Seek(token, offset, whence))
}

// hostStreamFlush handles (token i64) -> i64.
func (e *Engine) hostStreamFlush(_ context.Context, _ api.Module, stack []uint64) {
	token := stack[0]

	cb, ok := e.lookupStream(token)
	if !ok || cb.Flush == nil {
		stack[0] = api.EncodeI64(ErrInvalidArgument)
		return
	}
	stack[0] = api.EncodeI64(cb.Flush(token))
}

// hostSignerSign handles (token i64, data i32, data_len i32, sig i32,
// sig_max i32) -> i64. The signature buffer lives in guest memory; the
// trampoline fills a host-side buffer which is copied back on success.
func (e *Engine) hostSignerSign(_ context.Context, mod api.Module, stack []uint64) {
	token := stack[0]
	dataPtr := uint32(stack[1])
	dataLen := int32(uint32(stack[2]))
	sigPtr := uint32(stack[3])
	sigMax := int32(uint32(stack[4]))

	cb, ok := e.lookupSigner(token)
	if !ok || dataPtr == 0 || dataLen < 0 || sigPtr == 0 || sigMax < 0 {
		stack[0] = api.EncodeI64(ErrInvalidArgument)
		return
	}

	data, ok := mod.Memory().Read(dataPtr, uint32(dataLen))
	if !ok {
		stack[0] = api.EncodeI64(ErrIO)
		return
	}

	sig := make([]byte, sigMax)
	n := cb(token, data, sig)
	if n > 0 {
		if n > int64(sigMax) {
			Logger().Warn("signer callback overran its declared maximum",
				zap.Int64("produced", n), zap.Int32("max", sigMax))
			stack[0] = api.EncodeI64(ErrNoBufferSpace)
			return
		}
		if !mod.Memory().Write(sigPtr, sig[:n]) {
			stack[0] = api.EncodeI64(ErrIO)
			return
		}
	}
	stack[0] = api.EncodeI64(n)
}
