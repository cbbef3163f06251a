package c2pa

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fwanderse/c2pa-c/errors"
	"github.com/fwanderse/c2pa-c/testbed"
)

func newTestSigner(t *testing.T, e *testbed.Engine) *Signer {
	t.Helper()
	signer, err := NewSigner(e, "es256", testCertPEM, testKeyPEM, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(signer.Close)
	return signer
}

func TestSignEmbedsManifest(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)
	signer := newTestSigner(t, e)

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.AddAction(`{"action": "c2pa.created"}`); err != nil {
		t.Fatal(err)
	}

	payload := []byte("asset payload")
	dst := &memFile{}
	manifest, err := b.Sign("jpg", bytes.NewReader(payload), dst, signer)
	if err != nil {
		t.Fatal(err)
	}

	if len(manifest) == 0 {
		t.Fatal("empty manifest returned")
	}
	if !json.Valid(manifest) {
		t.Error("manifest is not JSON")
	}
	if !bytes.Contains(dst.data, payload) {
		t.Error("signed asset lost the original payload")
	}
	if len(dst.data) <= len(payload) {
		t.Error("signed asset should carry the embedded manifest")
	}

	// the builder survives signing and can sign again
	if _, err := b.Sign("jpg", bytes.NewReader(payload), &memFile{}, signer); err != nil {
		t.Errorf("second sign failed: %v", err)
	}

	b.Close()
}

func TestSignNoEmbedWithRemoteURL(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)
	signer := newTestSigner(t, e)

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	b.SetNoEmbed()
	if err := b.SetRemoteURL("https://manifests.example/1"); err != nil {
		t.Fatal(err)
	}

	payload := []byte("sidecar asset")
	dst := &memFile{}
	manifest, err := b.Sign("jpg", bytes.NewReader(payload), dst, signer)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.data, payload) {
		t.Error("no-embed signing must leave the asset bytes unchanged")
	}
	if !strings.Contains(string(manifest), "manifests.example") {
		t.Error("manifest should carry the remote URL")
	}
}

func TestWithDefinitionConsumingFailure(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)

	b, err := NewBuilder(e, cctx)
	if err != nil {
		t.Fatal(err)
	}

	e.FailNext("BuilderWithDefinition", "definition rejected")
	err = b.WithDefinition(testManifest)
	if !isKind(err, errors.PhaseBuilder, errors.KindForeign) {
		t.Fatalf("got %v, want foreign error", err)
	}

	// the handle was spent by the failed consuming call
	if b.Valid() {
		t.Error("builder must be invalid after failed WithDefinition")
	}
	if err := b.AddAction(`{}`); !isKind(err, errors.PhaseBuilder, errors.KindInvalidState) {
		t.Errorf("got %v, want invalid_state", err)
	}
	b.Close() // must not touch the consumed handle
}

func TestArchiveRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)
	signer := newTestSigner(t, e)

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	thumb := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	if err := b.AddResource("thumbnail.png", bytes.NewReader(thumb)); err != nil {
		t.Fatal(err)
	}

	payload := []byte("archived-builder asset")
	origDst := &memFile{}
	origManifest, err := b.Sign("png", bytes.NewReader(payload), origDst, signer)
	if err != nil {
		t.Fatal(err)
	}

	archive := &memFile{}
	if err := b.ToArchive(archive); err != nil {
		t.Fatal(err)
	}
	b.Close()

	restored, err := NewBuilderFromArchive(e, bytes.NewReader(archive.data))
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()

	dst := &memFile{}
	manifest, err := restored.Sign("png", bytes.NewReader(payload), dst, signer)
	if err != nil {
		t.Fatal(err)
	}
	restored.Close()

	// restoring from the archive must reproduce the signing output exactly
	if !bytes.Equal(manifest, origManifest) {
		t.Error("restored builder produced a different manifest")
	}
	if !bytes.Equal(dst.data, origDst.data) {
		t.Error("restored builder produced a different signed asset")
	}

	// the resource attached before archiving survives into the manifest
	r, err := NewReader(e, cctx, "png", bytes.NewReader(dst.data))
	if err != nil {
		t.Fatal(err)
	}
	out := &memFile{}
	n, err := r.Resource("thumbnail.png", out)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(thumb)) || !bytes.Equal(out.data, thumb) {
		t.Errorf("resource round-trip mismatch: %d bytes", n)
	}
	if _, err := r.Resource("missing.png", &memFile{}); !isKind(err, errors.PhaseReader, errors.KindForeign) {
		t.Errorf("unknown resource: got %v, want foreign error", err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWithArchiveConsuming(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	archive := &memFile{}
	if err := b.ToArchive(archive); err != nil {
		t.Fatal(err)
	}
	b.Close()

	b2, err := NewBuilder(e, cctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b2.WithArchive(bytes.NewReader(archive.data)); err != nil {
		t.Fatal(err)
	}
	if !b2.Valid() {
		t.Error("builder should be valid after successful WithArchive")
	}
	b2.Close()

	// a stream that is not an archive fails and consumes the handle
	b3, err := NewBuilder(e, cctx)
	if err != nil {
		t.Fatal(err)
	}
	err = b3.WithArchive(strings.NewReader("not an archive"))
	if !isKind(err, errors.PhaseBuilder, errors.KindForeign) {
		t.Fatalf("got %v, want foreign error", err)
	}
	if b3.Valid() {
		t.Error("builder must be invalid after failed WithArchive")
	}
	b3.Close()
}

func TestSignFile(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)
	signer := newTestSigner(t, e)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "in.jpg")
	if err := os.WriteFile(srcPath, []byte("file asset"), 0o644); err != nil {
		t.Fatal(err)
	}
	// destination directory does not exist yet
	dstPath := filepath.Join(dir, "out", "nested", "signed.jpg")

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	manifest, err := b.SignFile(srcPath, dstPath, signer)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest) == 0 {
		t.Error("empty manifest")
	}

	r, err := NewReaderFromFile(e, cctx, dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.JSON(); err != nil {
		t.Error(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	t.Run("missing source is a local error", func(t *testing.T) {
		_, err := b.SignFile(filepath.Join(dir, "absent.jpg"), dstPath, signer)
		if !isKind(err, errors.PhaseBuilder, errors.KindIO) {
			t.Fatalf("got %v, want io error", err)
		}
	})

	t.Run("extension-less destination", func(t *testing.T) {
		_, err := b.SignFile(srcPath, filepath.Join(dir, "noext"), signer)
		if !isKind(err, errors.PhaseBuilder, errors.KindInvalidInput) {
			t.Fatalf("got %v, want invalid_input", err)
		}
	})

	b.Close()
}

func TestIngredients(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)
	signer := newTestSigner(t, e)

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.AddIngredient(`{"title": "source photo"}`, "jpg", strings.NewReader("ingredient bytes")); err != nil {
		t.Fatal(err)
	}

	dst := &memFile{}
	manifest, err := b.Sign("jpg", strings.NewReader("derived asset"), dst, signer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(manifest), "source photo") {
		t.Error("manifest should record the ingredient")
	}

	b.Close()
}

func TestDataHashedWorkflow(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)
	signer := newTestSigner(t, e)

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	placeholder, err := b.DataHashedPlaceholder(4096, "jpg")
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(placeholder)) < 4096 {
		t.Errorf("placeholder of %d bytes is smaller than reserved", len(placeholder))
	}

	dataHash := `{"exclusions": [{"start": 20, "length": 4096}], "alg": "blake3", "hash": "abc123"}`
	embeddable, err := b.SignDataHashedEmbeddable(signer, dataHash, "jpg", strings.NewReader("asset bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(embeddable) {
		t.Error("embeddable manifest is not JSON")
	}

	wrapped, err := FormatEmbeddable(e, "jpg", embeddable)
	if err != nil {
		t.Fatal(err)
	}
	if len(wrapped) <= len(embeddable) {
		t.Error("embeddable wrapper should add framing")
	}

	// nil asset stream is allowed
	if _, err := b.SignDataHashedEmbeddable(signer, dataHash, "jpg", nil); err != nil {
		t.Fatal(err)
	}

	b.Close()
}

func TestSignWithClosedSigner(t *testing.T) {
	e := newTestEngine(t)
	cctx := newTestContext(t, e)

	signer, err := NewSigner(e, "es256", testCertPEM, testKeyPEM, "")
	if err != nil {
		t.Fatal(err)
	}
	signer.Close()

	b, err := NewBuilderWithDefinition(e, cctx, testManifest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	_, err = b.Sign("jpg", strings.NewReader("x"), &memFile{}, signer)
	if !isKind(err, errors.PhaseSigner, errors.KindInvalidState) {
		t.Fatalf("got %v, want invalid_state on closed signer", err)
	}

	b.Close()
}
