package c2pa

import (
	"fmt"
	"sync/atomic"

	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
)

// CallbackFunc signs data and returns the raw signature bytes. It runs
// inside a foreign signing operation; it must not call back into the engine
// that invoked it.
type CallbackFunc func(data []byte) ([]byte, error)

// signerTokens issues the opaque tokens that stand in for the callback's
// identity across the foreign boundary. Never reused.
var signerTokens atomic.Uint64

// Signer is an owned engine signer, backed either by key material handed to
// the engine or by a user callback reached through a token-registered
// trampoline. Not safe for concurrent use.
type Signer struct {
	abi    engine.ABI
	handle engine.Handle

	// cbErr retains the diagnostic of the most recent callback failure.
	// The trampoline cannot return text across the boundary, only a
	// negative code; the text is parked here for the wrapper that observes
	// the foreign failure. Written only from the trampoline, which runs
	// inside this signer's own foreign calls.
	cbErr string
}

// NewSigner creates a signer from key material. The engine performs the
// signing itself. An empty tsaURI disables timestamping.
func NewSigner(abi engine.ABI, alg, certPEM, privateKeyPEM, tsaURI string) (*Signer, error) {
	h, err := abi.SignerFromInfo(alg, certPEM, privateKeyPEM, tsaURI)
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseSigner, err)
	}
	return &Signer{abi: abi, handle: h}, nil
}

// NewCallbackSigner creates a signer that delegates signing to cb. The
// callback stays registered until Close.
func NewCallbackSigner(abi engine.ABI, cb CallbackFunc, alg, certPEM, tsaURI string) (*Signer, error) {
	if cb == nil {
		return nil, errors.InvalidInput(errors.PhaseSigner, "nil signing callback")
	}

	s := &Signer{abi: abi}
	token := signerTokens.Add(1)
	h, err := abi.SignerCreate(token, s.trampoline(cb), alg, certPEM, tsaURI)
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseSigner, err)
	}
	s.handle = h
	return s, nil
}

// trampoline bridges the foreign signing call to cb. Every failure mode,
// including a panicking callback, is converted to a negative return before
// control crosses back into foreign code; the diagnostic text stays on the
// signer.
func (s *Signer) trampoline(cb CallbackFunc) engine.SignCallback {
	return func(_ uint64, data []byte, sig []byte) (n int64) {
		s.cbErr = ""
		defer func() {
			if r := recover(); r != nil {
				s.cbErr = fmt.Sprintf("signing callback panicked: %v", r)
				n = -1
			}
		}()

		if data == nil || sig == nil {
			return engine.ErrInvalidArgument
		}
		out, err := cb(data)
		if err != nil {
			s.cbErr = err.Error()
			return -1
		}
		if len(out) > len(sig) {
			s.cbErr = fmt.Sprintf("signature of %d bytes exceeds the reserved %d", len(out), len(sig))
			return engine.ErrNoBufferSpace
		}
		copy(sig, out)
		return int64(len(out))
	}
}

// clearCallbackError discards any diagnostic left by an earlier signing
// operation. Signing entry points call it before the foreign call so that a
// failure the callback never saw is not misattributed to it.
func (s *Signer) clearCallbackError() {
	if s != nil {
		s.cbErr = ""
	}
}

// CallbackError returns the diagnostic of the most recent callback failure,
// or "" if the last invocation succeeded. Only meaningful for callback
// signers.
func (s *Signer) CallbackError() string {
	if s == nil {
		return ""
	}
	return s.cbErr
}

// ReserveSize returns the byte count the engine reserves in the output
// asset for this signer's signatures.
func (s *Signer) ReserveSize() (uint64, error) {
	if !s.Valid() {
		return 0, errors.InvalidState(errors.PhaseSigner, "signer")
	}
	n, err := s.abi.SignerReserveSize(s.handle)
	if err != nil {
		return 0, foreignFailure(s.abi, errors.PhaseSigner, err)
	}
	return n, nil
}

// Valid reports whether the signer still owns a live handle.
func (s *Signer) Valid() bool {
	return s != nil && s.handle != 0
}

// Close releases the signer. Idempotent.
func (s *Signer) Close() {
	if s == nil || s.handle == 0 {
		return
	}
	s.abi.Free(s.handle)
	s.handle = 0
}
