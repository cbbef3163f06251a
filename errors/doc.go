// Package errors provides structured error types for the c2pa bindings.
//
// Errors are categorized by Phase (which wrapper component failed) and Kind
// (error category). Failures reported by the manifest engine carry
// Kind=KindForeign with the engine's last-error message in Detail; failures
// detected locally (invalid handle, missing file, bad input) use the other
// kinds and never trigger a foreign last-error lookup.
//
// Use the convenience constructors for common cases:
//
//	errors.Foreign(errors.PhaseReader, eng.LastError())
//	errors.InvalidState(errors.PhaseBuilder, "builder")
//	errors.IO(errors.PhaseStream, "open source file", err)
//
// or the Builder for anything more involved:
//
//	errors.New(errors.PhaseEngine, errors.KindLoad).
//	    Detail("instantiate engine module").
//	    Cause(err).
//	    Build()
//
// Matching uses Phase+Kind equality through errors.Is:
//
//	if errors.Is(err, &errors.Error{Phase: errors.PhaseSigner, Kind: errors.KindCallback}) {
//	    ...
//	}
package errors
