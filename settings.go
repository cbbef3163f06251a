package c2pa

import (
	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
)

// Settings is an owned engine settings object. It accumulates configuration
// before being snapshotted into a Context; the same Settings may seed any
// number of contexts. Not safe for concurrent use.
type Settings struct {
	abi    engine.ABI
	handle engine.Handle
}

// NewSettings creates an empty settings object.
func NewSettings(abi engine.ABI) (*Settings, error) {
	h, err := abi.SettingsNew()
	if err != nil {
		return nil, foreignFailure(abi, errors.PhaseSettings, err)
	}
	return &Settings{abi: abi, handle: h}, nil
}

// NewSettingsFromString creates a settings object and applies a whole
// configuration document in one step. format names the document encoding,
// "json" or "toml". An update failure releases the fresh handle before
// returning.
func NewSettingsFromString(abi engine.ABI, data, format string) (*Settings, error) {
	s, err := NewSettings(abi)
	if err != nil {
		return nil, err
	}
	if err := s.Update(data, format); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Set assigns a single value at a dotted settings path. The value is a JSON
// fragment.
func (s *Settings) Set(path, jsonValue string) error {
	if !s.Valid() {
		return errors.InvalidState(errors.PhaseSettings, "settings")
	}
	if err := s.abi.SettingsSetValue(s.handle, path, jsonValue); err != nil {
		return foreignFailure(s.abi, errors.PhaseSettings, err)
	}
	return nil
}

// Update merges a whole configuration document into the settings. Keys from
// later updates win over earlier ones.
func (s *Settings) Update(data, format string) error {
	if !s.Valid() {
		return errors.InvalidState(errors.PhaseSettings, "settings")
	}
	if err := s.abi.SettingsUpdate(s.handle, data, format); err != nil {
		return foreignFailure(s.abi, errors.PhaseSettings, err)
	}
	return nil
}

// Valid reports whether the settings object still owns a live handle.
func (s *Settings) Valid() bool {
	return s != nil && s.handle != 0
}

// Close releases the settings object. Idempotent.
func (s *Settings) Close() {
	if s == nil || s.handle == 0 {
		return
	}
	s.abi.Free(s.handle)
	s.handle = 0
}
