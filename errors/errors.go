package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which wrapper component the error originated in
type Phase string

const (
	PhaseSettings Phase = "settings" // settings configuration
	PhaseContext  Phase = "context"  // context construction
	PhaseReader   Phase = "reader"   // manifest reading
	PhaseBuilder  Phase = "builder"  // manifest building and signing
	PhaseSigner   Phase = "signer"   // signer construction and callbacks
	PhaseStream   Phase = "stream"   // stream adapter
	PhaseEngine   Phase = "engine"   // engine loading and ABI marshaling
)

// Kind categorizes the error
type Kind string

const (
	// KindForeign marks a failure reported by the manifest engine itself.
	// Detail carries the engine's last-error message.
	KindForeign Kind = "foreign"

	KindInvalidState  Kind = "invalid_state" // released or consumed handle used
	KindInvalidInput  Kind = "invalid_input"
	KindIO            Kind = "io"
	KindNoBufferSpace Kind = "no_buffer_space"
	KindNotFound      Kind = "not_found"
	KindCallback      Kind = "callback" // user signing callback failed
	KindLoad          Kind = "load"     // engine wasm loading/instantiation
)

// Error is the structured error type used throughout the bindings
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Foreign wraps a message retrieved from the engine's last-error slot.
// The message must be fetched immediately after the failing call, on the
// same goroutine, before any other engine call is issued.
func Foreign(phase Phase, message string) *Error {
	if message == "" {
		message = "unspecified engine error"
	}
	return &Error{
		Phase:  phase,
		Kind:   KindForeign,
		Detail: message,
	}
}

// InvalidState creates an error for operations on a released or consumed handle
func InvalidState(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Detail: fmt.Sprintf("%s is invalid (released or consumed)", what),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// IO creates an I/O error with an underlying cause
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Callback wraps a failure raised by a user-supplied signing callback
func Callback(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseSigner,
		Kind:   KindCallback,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates an engine loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseEngine,
		Kind:   KindLoad,
		Detail: detail,
		Cause:  cause,
	}
}
