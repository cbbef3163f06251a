package c2pa

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/fwanderse/c2pa-c/errors"
)

func TestCallbackSignerSigns(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)

	var signedData []byte
	signature := []byte("deterministic signature bytes")
	signer, err := NewCallbackSigner(e, func(data []byte) ([]byte, error) {
		signedData = append([]byte(nil), data...)
		return signature, nil
	}, "es256", testCertPEM, "")
	if err != nil {
		t.Fatal(err)
	}
	defer signer.Close()

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	dst := &memFile{}
	manifest, err := b.Sign("jpg", strings.NewReader("callback-signed asset"), dst, signer)
	if err != nil {
		t.Fatal(err)
	}
	if len(signedData) == 0 {
		t.Fatal("callback never received data to sign")
	}
	if !bytes.Contains(manifest, []byte(hex.EncodeToString(signature))) {
		t.Error("manifest should carry the callback's signature")
	}
	if signer.CallbackError() != "" {
		t.Errorf("unexpected callback error: %s", signer.CallbackError())
	}

	b.Close()
	signer.Close()
}

func TestCallbackSignerFailure(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)

	tests := []struct {
		name     string
		cb       CallbackFunc
		wantKind errors.Kind
		wantMsg  string
	}{
		{
			name:     "callback error",
			cb:       func([]byte) ([]byte, error) { return nil, errors.InvalidInput(errors.PhaseSigner, "key unavailable") },
			wantKind: errors.KindCallback,
			wantMsg:  "key unavailable",
		},
		{
			name:     "callback panic is contained",
			cb:       func([]byte) ([]byte, error) { panic("hsm exploded") },
			wantKind: errors.KindCallback,
			wantMsg:  "panicked",
		},
		{
			name:     "oversize signature",
			cb:       func([]byte) ([]byte, error) { return make([]byte, 1<<20), nil },
			wantKind: errors.KindCallback,
			wantMsg:  "exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := NewCallbackSigner(e, tt.cb, "es256", testCertPEM, "")
			if err != nil {
				t.Fatal(err)
			}
			defer signer.Close()

			b, err := NewBuilderWithDefinition(e, cctx, testManifest)
			if err != nil {
				t.Fatal(err)
			}
			defer b.Close()

			_, err = b.Sign("jpg", strings.NewReader("asset"), &memFile{}, signer)
			if !isKind(err, errors.PhaseSigner, tt.wantKind) {
				t.Fatalf("got %v, want kind %s", err, tt.wantKind)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestCallbackErrorDoesNotOutliveItsSign(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)

	fail := true
	signer, err := NewCallbackSigner(e, func(data []byte) ([]byte, error) {
		if fail {
			return nil, errors.InvalidInput(errors.PhaseSigner, "key unavailable")
		}
		return []byte("sig"), nil
	}, "es256", testCertPEM, "")
	if err != nil {
		t.Fatal(err)
	}
	defer signer.Close()

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	_, err = b.Sign("jpg", strings.NewReader("asset"), &memFile{}, signer)
	if !isKind(err, errors.PhaseSigner, errors.KindCallback) {
		t.Fatalf("got %v, want callback error", err)
	}

	// a later failure the callback never saw must carry the engine's
	// diagnostic, not the stale callback one
	fail = false
	e.FailNext("BuilderSign", "manifest too large for format")
	_, err = b.Sign("jpg", strings.NewReader("asset"), &memFile{}, signer)
	if !isKind(err, errors.PhaseBuilder, errors.KindForeign) {
		t.Fatalf("got %v, want foreign error", err)
	}
	if !strings.Contains(err.Error(), "manifest too large") {
		t.Errorf("error %q should carry the engine diagnostic", err)
	}
	if msg := signer.CallbackError(); msg != "" {
		t.Errorf("stale callback error survived: %q", msg)
	}

	// the signer still works once the callback recovers
	if _, err := b.Sign("jpg", strings.NewReader("asset"), &memFile{}, signer); err != nil {
		t.Fatal(err)
	}

	b.Close()
	signer.Close()
}

func TestNewCallbackSignerNilCallback(t *testing.T) {
	e := newTestEngine(t)
	_, err := NewCallbackSigner(e, nil, "es256", testCertPEM, "")
	if !isKind(err, errors.PhaseSigner, errors.KindInvalidInput) {
		t.Fatalf("got %v, want invalid_input", err)
	}
}

func TestSignerReserveSize(t *testing.T) {
	e := newTestEngine(t)
	signer := newTestSigner(t, e)

	n, err := signer.ReserveSize()
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("reserve size should be non-zero")
	}

	signer.Close()
	if _, err := signer.ReserveSize(); !isKind(err, errors.PhaseSigner, errors.KindInvalidState) {
		t.Errorf("got %v, want invalid_state after Close", err)
	}
}

func TestSignerEmptyCert(t *testing.T) {
	e := newTestEngine(t)
	_, err := NewSigner(e, "es256", "", testKeyPEM, "")
	if !isKind(err, errors.PhaseSigner, errors.KindForeign) {
		t.Fatalf("got %v, want foreign error", err)
	}
}
