package stream

import (
	"io"

	"github.com/fwanderse/c2pa-c/engine"
)

// The callback set handed to the engine. Each is a pure function of the
// token and its arguments; all state lives in the registry. Error returns
// follow the engine's stream contract: bad arguments or unsupported
// operations are invalid-argument, a stream that fails mid-operation is an
// I/O error, and end of stream is a short or zero read, never an error.

func readCallback(token uint64, p []byte) int64 {
	ent, ok := lookup(token)
	if !ok || ent.reader == nil || p == nil {
		return engine.ErrInvalidArgument
	}
	if len(p) == 0 {
		return 0
	}

	n, err := io.ReadFull(ent.reader, p)
	switch err {
	case nil, io.EOF, io.ErrUnexpectedEOF:
		return int64(n)
	default:
		return engine.ErrIO
	}
}

func writeCallback(token uint64, p []byte) int64 {
	ent, ok := lookup(token)
	if !ok || ent.writer == nil || p == nil {
		return engine.ErrInvalidArgument
	}
	if len(p) == 0 {
		return 0
	}

	n, err := ent.writer.Write(p)
	if err != nil || n != len(p) {
		return engine.ErrIO
	}
	return int64(n)
}

func seekCallback(token uint64, offset int64, whence int) int64 {
	ent, ok := lookup(token)
	if !ok || ent.seeker == nil {
		return engine.ErrInvalidArgument
	}
	switch whence {
	case engine.SeekStart, engine.SeekCurrent, engine.SeekEnd:
	default:
		return engine.ErrInvalidArgument
	}
	if whence == engine.SeekStart && offset < 0 {
		return engine.ErrInvalidArgument
	}

	pos, err := ent.seeker.Seek(offset, whence)
	if err != nil {
		return engine.ErrIO
	}
	return pos
}

func flushCallback(token uint64) int64 {
	ent, ok := lookup(token)
	if !ok || !ent.flushable {
		return engine.ErrInvalidArgument
	}
	if f, ok := ent.writer.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return engine.ErrIO
		}
	}
	return 0
}

// unsupported ops never reach the registry; the stream is not touched.

func unsupportedRead(uint64, []byte) int64  { return engine.ErrInvalidArgument }
func unsupportedWrite(uint64, []byte) int64 { return engine.ErrInvalidArgument }
func unsupportedFlush(uint64) int64         { return engine.ErrInvalidArgument }
