package testbed

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fwanderse/c2pa-c/engine"
)

func TestDoubleFreeIsRecorded(t *testing.T) {
	e := New()
	h, err := e.SettingsNew()
	if err != nil {
		t.Fatal(err)
	}

	e.Free(h)
	e.Free(h)

	misuses := e.Misuses()
	if len(misuses) != 1 {
		t.Fatalf("expected 1 misuse, got %v", misuses)
	}
	if !strings.Contains(misuses[0], "double free") {
		t.Errorf("unexpected misuse text: %s", misuses[0])
	}
}

func TestUseAfterFreeIsRecorded(t *testing.T) {
	e := New()
	h, err := e.SettingsNew()
	if err != nil {
		t.Fatal(err)
	}
	e.Free(h)

	if err := e.SettingsSetValue(h, "a", "1"); err != engine.ErrCallFailed {
		t.Fatalf("expected sentinel failure, got %v", err)
	}
	if len(e.Misuses()) == 0 {
		t.Error("use after free not recorded")
	}
}

func TestFailureInjectionAndLastError(t *testing.T) {
	e := New()
	e.FailNext("SettingsNew", "scripted failure")

	if _, err := e.SettingsNew(); err != engine.ErrCallFailed {
		t.Fatalf("expected sentinel failure, got %v", err)
	}
	if msg := e.LastError(); msg != "scripted failure" {
		t.Errorf("LastError = %q", msg)
	}
	if msg := e.LastError(); msg != "" {
		t.Errorf("LastError should clear after fetch, got %q", msg)
	}

	// injection is one-shot
	h, err := e.SettingsNew()
	if err != nil {
		t.Fatal(err)
	}
	e.Free(h)
}

func TestManifestBlockRoundTrip(t *testing.T) {
	manifest := []byte(`{"claim": true}`)
	asset := []byte("original asset bytes")

	blob := embedManifest(manifest, asset)
	gotManifest, gotAsset, ok := splitManifest(blob)
	if !ok {
		t.Fatal("embedded block not recognized")
	}
	if !bytes.Equal(gotManifest, manifest) || !bytes.Equal(gotAsset, asset) {
		t.Error("round-trip mismatch")
	}

	if _, _, ok := splitManifest(asset); ok {
		t.Error("plain bytes must not parse as a manifest block")
	}
	if _, _, ok := splitManifest(manifestMagic); ok {
		t.Error("truncated block must not parse")
	}
}
