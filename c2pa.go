package c2pa

import (
	stderrors "errors"
	"path/filepath"
	"strings"

	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
)

// Version returns the manifest engine's version string.
func Version(abi engine.ABI) (string, error) {
	v, err := abi.Version()
	if err != nil {
		return "", foreignFailure(abi, errors.PhaseEngine, err)
	}
	return v, nil
}

// ReaderSupportedMimeTypes lists the asset MIME types the engine can read
// manifests from.
func ReaderSupportedMimeTypes(abi engine.ABI) []string {
	return abi.ReaderSupportedMimeTypes()
}

// BuilderSupportedMimeTypes lists the asset MIME types the engine can embed
// manifests into.
func BuilderSupportedMimeTypes(abi engine.ABI) []string {
	return abi.BuilderSupportedMimeTypes()
}

// foreignFailure converts a failed engine call into a structured error. A
// sentinel failure means the engine recorded a diagnostic; it is fetched
// here, immediately after the failing call on the same goroutine. Errors
// that are already structured (marshaling, traps) pass through unchanged.
func foreignFailure(abi engine.ABI, phase errors.Phase, err error) error {
	var structured *errors.Error
	if stderrors.As(err, &structured) {
		return err
	}
	return errors.Foreign(phase, abi.LastError())
}

// formatFromPath derives the asset format from a file extension. Empty when
// the path has no extension.
func formatFromPath(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	return strings.ToLower(ext)
}
