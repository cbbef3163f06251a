package c2pa

import (
	"os"

	"github.com/tidwall/jsonc"

	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
)

// Provider supplies the foreign context handle that Reader and Builder
// construction binds against. Context is the canonical implementation;
// tests may substitute their own.
type Provider interface {
	// ForeignContext returns the context handle. Zero when invalid.
	ForeignContext() engine.Handle
	// Valid reports whether the provider still owns a live context.
	Valid() bool
}

// Context is an owned engine context: an immutable snapshot of settings
// that Reader and Builder operations run under. A Context is only consulted
// at construction time, so it may be closed as soon as the resources built
// from it exist.
type Context struct {
	abi    engine.ABI
	handle engine.Handle
}

var _ Provider = (*Context)(nil)

// NewContext creates a context with default settings.
func NewContext(abi engine.ABI) (*Context, error) {
	h, err := abi.ContextNew()
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseContext, err)
	}
	return &Context{abi: abi, handle: h}, nil
}

// NewContextFromSettings builds a context from a settings snapshot. The
// settings object stays valid and reusable afterwards.
func NewContextFromSettings(abi engine.ABI, s *Settings) (*Context, error) {
	b, err := NewContextBuilder(abi)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	if err := b.WithSettings(s); err != nil {
		return nil, err
	}
	return b.Build()
}

// NewContextFromJSON builds a context from a JSON settings document.
func NewContextFromJSON(abi engine.ABI, settingsJSON string) (*Context, error) {
	s, err := NewSettingsFromString(abi, settingsJSON, "json")
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return NewContextFromSettings(abi, s)
}

func (c *Context) ForeignContext() engine.Handle {
	if c == nil {
		return 0
	}
	return c.handle
}

func (c *Context) Valid() bool {
	return c != nil && c.handle != 0
}

// Close releases the context. Idempotent. Resources already built from the
// context are unaffected.
func (c *Context) Close() {
	if c == nil || c.handle == 0 {
		return
	}
	c.abi.Free(c.handle)
	c.handle = 0
}

// ContextBuilder accumulates settings toward a Context. Build consumes the
// builder whether it succeeds or not; afterwards every operation on it
// fails with an invalid-state error.
type ContextBuilder struct {
	abi    engine.ABI
	handle engine.Handle
}

func NewContextBuilder(abi engine.ABI) (*ContextBuilder, error) {
	h, err := abi.ContextBuilderNew()
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseContext, err)
	}
	return &ContextBuilder{abi: abi, handle: h}, nil
}

// WithSettings snapshots s into the builder. s stays valid afterwards.
func (b *ContextBuilder) WithSettings(s *Settings) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseContext, "context builder")
	}
	if !s.Valid() {
		return errors.InvalidState(errors.PhaseContext, "settings")
	}
	if err := b.abi.ContextBuilderSetSettings(b.handle, s.handle); err != nil {
		return foreignFailure(b.abi, errors.PhaseContext, err)
	}
	return nil
}

// WithJSON applies a JSON settings document through a temporary settings
// object.
func (b *ContextBuilder) WithJSON(settingsJSON string) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseContext, "context builder")
	}
	s, err := NewSettingsFromString(b.abi, settingsJSON, "json")
	if err != nil {
		return err
	}
	defer s.Close()
	return b.WithSettings(s)
}

// WithSettingsFile loads a settings file. Comments and trailing commas are
// tolerated; the document is normalized to plain JSON before it reaches the
// engine.
func (b *ContextBuilder) WithSettingsFile(path string) error {
	if !b.Valid() {
		return errors.InvalidState(errors.PhaseContext, "context builder")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.IO(errors.PhaseContext, "read settings file "+path, err)
	}
	return b.WithJSON(string(jsonc.ToJSON(data)))
}

// Build produces the context. The builder handle is cleared before the
// foreign call is issued, so the builder is spent even when the build
// fails and no release is ever attempted on the consumed handle.
func (b *ContextBuilder) Build() (*Context, error) {
	if !b.Valid() {
		return nil, errors.InvalidState(errors.PhaseContext, "context builder")
	}
	h := b.handle
	b.handle = 0
	ctxHandle, err := b.abi.ContextBuilderBuild(h)
	if err != nil {
		return nil, foreignFailure(b.abi, errors.PhaseContext, err)
	}
	return &Context{abi: b.abi, handle: ctxHandle}, nil
}

func (b *ContextBuilder) Valid() bool {
	return b != nil && b.handle != 0
}

// Close releases an unbuilt builder. After Build it is a no-op.
func (b *ContextBuilder) Close() {
	if b == nil || b.handle == 0 {
		return
	}
	b.abi.Free(b.handle)
	b.handle = 0
}
