package c2pa

import (
	"fmt"
	"io"
	"os"

	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
	"github.com/fwanderse/c2pa-c/stream"
)

// Reader reads the manifest store of a signed asset. Construction binds the
// reader to its source stream; the stream must stay open until Close. A
// reader built from a file path owns the file and closes it itself.
type Reader struct {
	abi     engine.ABI
	handle  engine.Handle
	adapter *stream.Adapter
	file    *os.File // owned when constructed from a path
}

// NewReader attaches a reader to the asset in src. format names the asset's
// MIME type or extension. src is borrowed and must remain open and unused
// until Close.
func NewReader(abi engine.ABI, p Provider, format string, src io.ReadSeeker) (*Reader, error) {
	h, err := newReaderHandle(abi, p)
	if err != nil {
		return nil, err
	}
	return attachReader(abi, h, format, src, nil)
}

// NewReaderFromFile opens path and attaches a reader to it, deriving the
// format from the file extension. The returned reader owns the file.
func NewReaderFromFile(abi engine.ABI, p Provider, path string) (*Reader, error) {
	h, err := newReaderHandle(abi, p)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		abi.Free(h)
		return nil, errors.IO(errors.PhaseReader, fmt.Sprintf("open asset file %q", path), err)
	}
	format := formatFromPath(path)
	if format == "" {
		abi.Free(h)
		f.Close()
		return nil, errors.InvalidInput(errors.PhaseReader,
			fmt.Sprintf("cannot derive format from path %q", path))
	}
	return attachReader(abi, h, format, f, f)
}

func newReaderHandle(abi engine.ABI, p Provider) (engine.Handle, error) {
	if p == nil || !p.Valid() {
		return 0, errors.InvalidState(errors.PhaseContext, "context")
	}
	h, err := abi.ReaderFromContext(p.ForeignContext())
	if err != nil {
		return 0, foreignFailure(abi, errors.PhaseReader, err)
	}
	return h, nil
}

// attachReader performs the consuming attach step. The fresh handle h is
// spent by the foreign call whether or not it succeeds, so failure paths
// release only the adapter and the owned file, never h.
func attachReader(abi engine.ABI, h engine.Handle, format string, src io.ReadSeeker, owned *os.File) (*Reader, error) {
	adapter, err := stream.NewReader(abi, src)
	if err != nil {
		abi.Free(h)
		if owned != nil {
			owned.Close()
		}
		return nil, err
	}

	attached, err := abi.ReaderWithStream(h, format, adapter.Handle())
	if err != nil {
		adapter.Release()
		if owned != nil {
			owned.Close()
		}
		return nil, foreignFailure(abi, errors.PhaseReader, err)
	}
	return &Reader{abi: abi, handle: attached, adapter: adapter, file: owned}, nil
}

// IsEmbedded reports whether the manifest store is embedded in the asset,
// as opposed to referenced remotely. False on an invalid reader.
func (r *Reader) IsEmbedded() bool {
	if !r.Valid() {
		return false
	}
	return r.abi.ReaderIsEmbedded(r.handle)
}

// RemoteURL returns the manifest store's remote URL. An asset without one
// reports ok=false; that is an absent value, not an error.
func (r *Reader) RemoteURL() (url string, ok bool) {
	if !r.Valid() {
		return "", false
	}
	return r.abi.ReaderRemoteURL(r.handle)
}

// JSON returns the manifest store as a JSON report.
func (r *Reader) JSON() (string, error) {
	if !r.Valid() {
		return "", errors.InvalidState(errors.PhaseReader, "reader")
	}
	report, err := r.abi.ReaderJSON(r.handle)
	if err != nil {
		return "", foreignFailure(r.abi, errors.PhaseReader, err)
	}
	return report, nil
}

// Resource writes the manifest resource named by uri into dst and returns
// the byte count.
func (r *Reader) Resource(uri string, dst stream.WriteSeeker) (int64, error) {
	if !r.Valid() {
		return 0, errors.InvalidState(errors.PhaseReader, "reader")
	}
	adapter, err := stream.NewWriter(r.abi, dst)
	if err != nil {
		return 0, err
	}
	defer adapter.Release()

	n, err := r.abi.ReaderResourceToStream(r.handle, uri, adapter.Handle())
	if err != nil {
		return 0, foreignFailure(r.abi, errors.PhaseReader, err)
	}
	return n, nil
}

// ResourceToFile writes the manifest resource named by uri to a new file at
// path, truncating any existing file.
func (r *Reader) ResourceToFile(uri, path string) (int64, error) {
	if !r.Valid() {
		return 0, errors.InvalidState(errors.PhaseReader, "reader")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.IO(errors.PhaseReader, fmt.Sprintf("create resource file %q", path), err)
	}
	n, resErr := r.Resource(uri, f)
	if err := f.Close(); err != nil && resErr == nil {
		return n, errors.IO(errors.PhaseReader, fmt.Sprintf("close resource file %q", path), err)
	}
	return n, resErr
}

// Valid reports whether the reader still owns a live handle.
func (r *Reader) Valid() bool {
	return r != nil && r.handle != 0
}

// Close releases the reader. Order matters: the foreign reader goes first
// while its stream is still alive, then the adapter, then the owned file.
// Idempotent.
func (r *Reader) Close() error {
	if r == nil || r.handle == 0 {
		return nil
	}
	r.abi.Free(r.handle)
	r.handle = 0
	r.adapter.Release()
	r.adapter = nil

	if r.file != nil {
		f := r.file
		r.file = nil
		if err := f.Close(); err != nil {
			return errors.IO(errors.PhaseReader, "close asset file", err)
		}
	}
	return nil
}
