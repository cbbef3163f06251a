package c2pa

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
	"github.com/fwanderse/c2pa-c/stream"
)

// Builder assembles and signs a manifest. WithDefinition and WithArchive
// are consuming operations: the foreign call spends the current handle and
// hands back a replacement, so a failure leaves the builder invalid rather
// than pointing at freed memory. Not safe for concurrent use.
type Builder struct {
	abi    engine.ABI
	handle engine.Handle
}

// NewBuilder creates an empty builder under the provider's context.
func NewBuilder(abi engine.ABI, p Provider) (*Builder, error) {
	if p == nil || !p.Valid() {
		return nil, errors.InvalidState(errors.PhaseContext, "context")
	}
	h, err := abi.BuilderFromContext(p.ForeignContext())
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseBuilder, err)
	}
	return &Builder{abi: abi, handle: h}, nil
}

// NewBuilderWithDefinition creates a builder and applies a manifest
// definition in one step.
func NewBuilderWithDefinition(abi engine.ABI, p Provider, manifestJSON string) (*Builder, error) {
	b, err := NewBuilder(abi, p)
	if err != nil {
		return nil, err
	}
	if err := b.WithDefinition(manifestJSON); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// NewBuilderFromArchive restores a builder previously frozen with
// ToArchive. src is only read during the call.
func NewBuilderFromArchive(abi engine.ABI, src io.ReadSeeker) (*Builder, error) {
	adapter, err := stream.NewReader(abi, src)
	if err != nil {
		return nil, err
	}
	defer adapter.Release()

	h, err := abi.BuilderFromArchive(adapter.Handle())
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseBuilder, err)
	}
	return &Builder{abi: abi, handle: h}, nil
}

// NewBuilderFromArchiveFile restores a builder from an archive file.
func NewBuilderFromArchiveFile(abi engine.ABI, path string) (*Builder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseBuilder, fmt.Sprintf("open archive file %q", path), err)
	}
	defer f.Close()
	return NewBuilderFromArchive(abi, f)
}

// consume clears the handle before a consuming foreign call, returning the
// spent value. The clearing must precede the call: once the foreign side
// runs, the old handle is dead regardless of the outcome.
func (b *Builder) consume() engine.Handle {
	h := b.handle
	b.handle = 0
	return h
}

// WithDefinition replaces the builder's manifest definition. Consuming: on
// failure the builder becomes invalid.
func (b *Builder) WithDefinition(manifestJSON string) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	h, err := b.abi.BuilderWithDefinition(b.consume(), manifestJSON)
	if err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	b.handle = h
	return nil
}

// WithArchive replaces the builder's state from an archive stream.
// Consuming: on failure the builder becomes invalid.
func (b *Builder) WithArchive(src io.ReadSeeker) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	adapter, err := stream.NewReader(b.abi, src)
	if err != nil {
		return err
	}
	defer adapter.Release()

	h, err := b.abi.BuilderWithArchive(b.consume(), adapter.Handle())
	if err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	b.handle = h
	return nil
}

// SetNoEmbed directs signing to leave the asset bytes untouched and return
// the manifest for sidecar or remote storage.
func (b *Builder) SetNoEmbed() {
	if b.Valid() {
		b.abi.BuilderSetNoEmbed(b.handle)
	}
}

// SetRemoteURL records the URL the signed manifest will be fetched from.
func (b *Builder) SetRemoteURL(url string) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	if err := b.abi.BuilderSetRemoteURL(b.handle, url); err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return nil
}

// SetBasePath sets the directory resource URIs resolve against.
func (b *Builder) SetBasePath(path string) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	if err := b.abi.BuilderSetBasePath(b.handle, path); err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return nil
}

// AddResource attaches the stream's bytes to the manifest under uri. src is
// only read during the call.
func (b *Builder) AddResource(uri string, src io.ReadSeeker) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	adapter, err := stream.NewReader(b.abi, src)
	if err != nil {
		return err
	}
	defer adapter.Release()

	if err := b.abi.BuilderAddResource(b.handle, uri, adapter.Handle()); err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return nil
}

// AddResourceFile attaches a file's bytes to the manifest under uri.
func (b *Builder) AddResourceFile(uri, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.IO(errors.PhaseBuilder, fmt.Sprintf("open resource file %q", path), err)
	}
	defer f.Close()
	return b.AddResource(uri, f)
}

// AddIngredient records an ingredient asset with its definition JSON.
func (b *Builder) AddIngredient(ingredientJSON, format string, src io.ReadSeeker) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	adapter, err := stream.NewReader(b.abi, src)
	if err != nil {
		return err
	}
	defer adapter.Release()

	if err := b.abi.BuilderAddIngredient(b.handle, ingredientJSON, format, adapter.Handle()); err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return nil
}

// AddIngredientFile records an ingredient from a file, deriving the format
// from the file extension.
func (b *Builder) AddIngredientFile(ingredientJSON, path string) error {
	format := formatFromPath(path)
	if format == "" {
		return errors.InvalidInput(errors.PhaseBuilder,
			fmt.Sprintf("cannot derive format from path %q", path))
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.IO(errors.PhaseBuilder, fmt.Sprintf("open ingredient file %q", path), err)
	}
	defer f.Close()
	return b.AddIngredient(ingredientJSON, format, f)
}

// AddAction appends an action assertion to the manifest definition.
func (b *Builder) AddAction(actionJSON string) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	if err := b.abi.BuilderAddAction(b.handle, actionJSON); err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return nil
}

// Sign reads the asset from src, signs the manifest, and writes the signed
// asset to dst. It returns the manifest store bytes. Both streams are
// adapted only for the duration of the call. The builder stays valid and
// may sign again.
func (b *Builder) Sign(format string, src io.ReadSeeker, dst stream.WriteSeeker, signer *Signer) ([]byte, error) {
	if !b.Valid() {
		return nil, errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	if !signer.Valid() {
		return nil, errors.InvalidState(errors.PhaseSigner, "signer")
	}

	srcAdapter, err := stream.NewReader(b.abi, src)
	if err != nil {
		return nil, err
	}
	defer srcAdapter.Release()
	dstAdapter, err := stream.NewWriter(b.abi, dst)
	if err != nil {
		return nil, err
	}
	defer dstAdapter.Release()

	signer.clearCallbackError()
	manifest, err := b.abi.BuilderSign(b.handle, format, srcAdapter.Handle(), dstAdapter.Handle(), signer.handle)
	if err != nil {
		if msg := signer.CallbackError(); msg != "" {
			return nil, errors.Callback(msg, nil)
		}
		return nil, foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return manifest, nil
}

// SignFile signs the asset at srcPath into dstPath, creating the
// destination's parent directories and deriving the format from the
// destination extension.
func (b *Builder) SignFile(srcPath, dstPath string, signer *Signer) ([]byte, error) {
	format := formatFromPath(dstPath)
	if format == "" {
		return nil, errors.InvalidInput(errors.PhaseBuilder,
			fmt.Sprintf("cannot derive format from path %q", dstPath))
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, errors.IO(errors.PhaseBuilder, fmt.Sprintf("open source file %q", srcPath), err)
	}
	defer src.Close()

	if dir := filepath.Dir(dstPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.IO(errors.PhaseBuilder, fmt.Sprintf("create destination directory %q", dir), err)
		}
	}
	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.IO(errors.PhaseBuilder, fmt.Sprintf("open destination file %q", dstPath), err)
	}

	manifest, signErr := b.Sign(format, src, dst, signer)
	if err := dst.Close(); err != nil && signErr == nil {
		return nil, errors.IO(errors.PhaseBuilder, fmt.Sprintf("close destination file %q", dstPath), err)
	}
	return manifest, signErr
}

// ToArchive freezes the builder's state into dst for later restoration. The
// builder stays valid.
func (b *Builder) ToArchive(dst stream.WriteSeeker) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	adapter, err := stream.NewWriter(b.abi, dst)
	if err != nil {
		return err
	}
	defer adapter.Release()

	if err := b.abi.BuilderToArchive(b.handle, adapter.Handle()); err != nil {
		return foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return nil
}

// ToArchiveFile freezes the builder's state into a file.
func (b *Builder) ToArchiveFile(path string) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.IO(errors.PhaseBuilder, fmt.Sprintf("create archive file %q", path), err)
	}
	archErr := b.ToArchive(f)
	if err := f.Close(); err != nil && archErr == nil {
		return errors.IO(errors.PhaseBuilder, fmt.Sprintf("close archive file %q", path), err)
	}
	return archErr
}

// DataHashedPlaceholder returns a manifest placeholder of at least
// reservedSize bytes for the data-hashed signing workflow.
func (b *Builder) DataHashedPlaceholder(reservedSize uint64, format string) ([]byte, error) {
	if !b.Valid() {
		return nil, errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	data, err := b.abi.BuilderDataHashedPlaceholder(b.handle, reservedSize, format)
	if err != nil {
		return nil, foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return data, nil
}

// SignDataHashedEmbeddable signs a data-hashed manifest described by
// dataHashJSON. asset may be nil when the hash covers it already.
func (b *Builder) SignDataHashedEmbeddable(signer *Signer, dataHashJSON, format string, asset io.ReadSeeker) ([]byte, error) {
	if !b.Valid() {
		return nil, errors.InvalidState(errors.PhaseBuilder, "builder")
	}
	if !signer.Valid() {
		return nil, errors.InvalidState(errors.PhaseSigner, "signer")
	}

	var assetHandle engine.StreamHandle
	if asset != nil {
		adapter, err := stream.NewReader(b.abi, asset)
		if err != nil {
			return nil, err
		}
		defer adapter.Release()
		assetHandle = adapter.Handle()
	}

	signer.clearCallbackError()
	data, err := b.abi.BuilderSignDataHashedEmbeddable(b.handle, signer.handle, dataHashJSON, format, assetHandle)
	if err != nil {
		if msg := signer.CallbackError(); msg != "" {
			return nil, errors.Callback(msg, nil)
		}
		return nil, foreignFailure(b.abi, errors.PhaseBuilder, err)
	}
	return data, nil
}

// FormatEmbeddable wraps raw manifest bytes into the embeddable form for
// the named format.
func FormatEmbeddable(abi engine.ABI, format string, manifest []byte) ([]byte, error) {
	data, err := abi.FormatEmbeddable(format, manifest)
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseBuilder, err)
	}
	return data, nil
}

// Valid reports whether the builder still owns a live handle.
func (b *Builder) Valid() bool {
	return b != nil && b.handle != 0
}

// Close releases the builder. Idempotent; a no-op after a consuming call
// has spent the handle.
func (b *Builder) Close() {
	if b == nil || b.handle == 0 {
		return
	}
	b.abi.Free(b.handle)
	b.handle = 0
}
