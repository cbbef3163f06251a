package stream

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/fwanderse/c2pa-c/engine"
	"github.com/fwanderse/c2pa-c/errors"
)

// fakeABI implements only the stream surface; everything else panics via
// the embedded nil interface.
type fakeABI struct {
	engine.ABI

	newErr   error
	lastErr  string
	gotToken uint64
	gotCB    engine.Callbacks
	released []engine.StreamHandle
}

func (f *fakeABI) NewStream(token uint64, cb engine.Callbacks) (engine.StreamHandle, error) {
	if f.newErr != nil {
		return 0, f.newErr
	}
	f.gotToken = token
	f.gotCB = cb
	return engine.StreamHandle(0x100), nil
}

func (f *fakeABI) ReleaseStream(s engine.StreamHandle) {
	f.released = append(f.released, s)
}

func (f *fakeABI) LastError() string { return f.lastErr }

// seekBuf is a minimal in-memory WriteSeeker with optional flush failure.
type seekBuf struct {
	data     []byte
	pos      int64
	flushErr error
	flushed  int
}

func (b *seekBuf) Write(p []byte) (int, error) {
	if need := b.pos + int64(len(p)); need > int64(len(b.data)) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += int64(len(p))
	return len(p), nil
}

func (b *seekBuf) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *seekBuf) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = b.pos
	case io.SeekEnd:
		base = int64(len(b.data))
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("negative position %d", pos)
	}
	b.pos = pos
	return pos, nil
}

func (b *seekBuf) Flush() error {
	b.flushed++
	return b.flushErr
}

// brokenStream fails every operation and records whether it was touched.
type brokenStream struct{ touched bool }

func (s *brokenStream) Read([]byte) (int, error) {
	s.touched = true
	return 0, fmt.Errorf("broken")
}

func (s *brokenStream) Write([]byte) (int, error) {
	s.touched = true
	return 0, fmt.Errorf("broken")
}

func (s *brokenStream) Seek(int64, int) (int64, error) {
	s.touched = true
	return 0, fmt.Errorf("broken")
}

func registerReader(t *testing.T, r io.ReadSeeker) uint64 {
	t.Helper()
	token := register(&entry{reader: r, seeker: r})
	t.Cleanup(func() { unregister(token) })
	return token
}

func TestReadCallback(t *testing.T) {
	t.Run("full read", func(t *testing.T) {
		token := registerReader(t, strings.NewReader("hello world"))
		buf := make([]byte, 5)
		if n := readCallback(token, buf); n != 5 {
			t.Fatalf("read returned %d, want 5", n)
		}
		if string(buf) != "hello" {
			t.Errorf("read %q, want %q", buf, "hello")
		}
	})

	t.Run("short read at end of stream", func(t *testing.T) {
		token := registerReader(t, strings.NewReader("abc"))
		buf := make([]byte, 10)
		if n := readCallback(token, buf); n != 3 {
			t.Fatalf("read returned %d, want 3", n)
		}
	})

	t.Run("end of stream is zero, not an error", func(t *testing.T) {
		r := strings.NewReader("abc")
		token := registerReader(t, r)
		io.Copy(io.Discard, r)
		if n := readCallback(token, make([]byte, 4)); n != 0 {
			t.Fatalf("read at EOF returned %d, want 0", n)
		}
	})

	t.Run("zero-size read", func(t *testing.T) {
		token := registerReader(t, strings.NewReader("abc"))
		if n := readCallback(token, []byte{}); n != 0 {
			t.Fatalf("zero-size read returned %d, want 0", n)
		}
	})

	t.Run("nil buffer", func(t *testing.T) {
		token := registerReader(t, strings.NewReader("abc"))
		if n := readCallback(token, nil); n != engine.ErrInvalidArgument {
			t.Fatalf("nil buffer returned %d, want invalid-argument", n)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		if n := readCallback(1<<63, make([]byte, 4)); n != engine.ErrInvalidArgument {
			t.Fatalf("unknown token returned %d, want invalid-argument", n)
		}
	})

	t.Run("failing reader", func(t *testing.T) {
		s := &brokenStream{}
		token := register(&entry{reader: s, seeker: s})
		defer unregister(token)
		if n := readCallback(token, make([]byte, 4)); n != engine.ErrIO {
			t.Fatalf("failing reader returned %d, want io error", n)
		}
	})
}

func TestWriteCallback(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		buf := &seekBuf{}
		token := register(&entry{writer: buf, seeker: buf, flushable: true})
		defer unregister(token)

		if n := writeCallback(token, []byte("payload")); n != 7 {
			t.Fatalf("write returned %d, want 7", n)
		}
		if string(buf.data) != "payload" {
			t.Errorf("buffer holds %q", buf.data)
		}
	})

	t.Run("nil buffer", func(t *testing.T) {
		buf := &seekBuf{}
		token := register(&entry{writer: buf, seeker: buf, flushable: true})
		defer unregister(token)
		if n := writeCallback(token, nil); n != engine.ErrInvalidArgument {
			t.Fatalf("nil buffer returned %d, want invalid-argument", n)
		}
	})

	t.Run("failing writer", func(t *testing.T) {
		s := &brokenStream{}
		token := register(&entry{writer: s, seeker: s, flushable: true})
		defer unregister(token)
		if n := writeCallback(token, []byte("x")); n != engine.ErrIO {
			t.Fatalf("failing writer returned %d, want io error", n)
		}
	})
}

func TestSeekCallback(t *testing.T) {
	data := strings.NewReader("0123456789")

	t.Run("whence passthrough", func(t *testing.T) {
		token := registerReader(t, data)
		if pos := seekCallback(token, 4, engine.SeekStart); pos != 4 {
			t.Fatalf("seek start returned %d, want 4", pos)
		}
		if pos := seekCallback(token, 2, engine.SeekCurrent); pos != 6 {
			t.Fatalf("seek current returned %d, want 6", pos)
		}
		if pos := seekCallback(token, -1, engine.SeekEnd); pos != 9 {
			t.Fatalf("seek end returned %d, want 9", pos)
		}
	})

	t.Run("bad whence", func(t *testing.T) {
		token := registerReader(t, data)
		if n := seekCallback(token, 0, 9); n != engine.ErrInvalidArgument {
			t.Fatalf("bad whence returned %d, want invalid-argument", n)
		}
	})

	t.Run("negative absolute offset", func(t *testing.T) {
		token := registerReader(t, data)
		if n := seekCallback(token, -5, engine.SeekStart); n != engine.ErrInvalidArgument {
			t.Fatalf("negative offset returned %d, want invalid-argument", n)
		}
	})

	t.Run("failing seeker", func(t *testing.T) {
		s := &brokenStream{}
		token := register(&entry{reader: s, seeker: s})
		defer unregister(token)
		if n := seekCallback(token, 0, engine.SeekStart); n != engine.ErrIO {
			t.Fatalf("failing seeker returned %d, want io error", n)
		}
	})
}

func TestFlushCallback(t *testing.T) {
	t.Run("flusher invoked", func(t *testing.T) {
		buf := &seekBuf{}
		token := register(&entry{writer: buf, seeker: buf, flushable: true})
		defer unregister(token)
		if n := flushCallback(token); n != 0 {
			t.Fatalf("flush returned %d", n)
		}
		if buf.flushed != 1 {
			t.Errorf("flush count = %d, want 1", buf.flushed)
		}
	})

	t.Run("flusher failure", func(t *testing.T) {
		buf := &seekBuf{flushErr: fmt.Errorf("disk full")}
		token := register(&entry{writer: buf, seeker: buf, flushable: true})
		defer unregister(token)
		if n := flushCallback(token); n != engine.ErrIO {
			t.Fatalf("failing flush returned %d, want io error", n)
		}
	})

	t.Run("no flusher is a successful no-op", func(t *testing.T) {
		var buf bytes.Buffer
		token := register(&entry{writer: &buf, flushable: true})
		defer unregister(token)
		if n := flushCallback(token); n != 0 {
			t.Fatalf("flush without Flusher returned %d, want 0", n)
		}
	})
}

func TestAdapterVariantRejection(t *testing.T) {
	t.Run("reader rejects write and flush", func(t *testing.T) {
		abi := &fakeABI{}
		src := &brokenStream{}
		a, err := NewReader(abi, src)
		if err != nil {
			t.Fatal(err)
		}
		defer a.Release()

		if n := abi.gotCB.Write(abi.gotToken, []byte("x")); n != engine.ErrInvalidArgument {
			t.Errorf("write on read-only adapter returned %d", n)
		}
		if n := abi.gotCB.Flush(abi.gotToken); n != engine.ErrInvalidArgument {
			t.Errorf("flush on read-only adapter returned %d", n)
		}
		if src.touched {
			t.Error("rejected operations must not touch the stream")
		}
	})

	t.Run("writer rejects read", func(t *testing.T) {
		abi := &fakeABI{}
		dst := &brokenStream{}
		a, err := NewWriter(abi, dst)
		if err != nil {
			t.Fatal(err)
		}
		defer a.Release()

		if n := abi.gotCB.Read(abi.gotToken, make([]byte, 4)); n != engine.ErrInvalidArgument {
			t.Errorf("read on write-only adapter returned %d", n)
		}
		if dst.touched {
			t.Error("rejected read must not touch the stream")
		}
	})

	t.Run("read-write supports all four", func(t *testing.T) {
		abi := &fakeABI{}
		buf := &seekBuf{data: []byte("seed")}
		a, err := NewReadWriter(abi, buf)
		if err != nil {
			t.Fatal(err)
		}
		defer a.Release()

		cb := abi.gotCB
		if n := cb.Read(abi.gotToken, make([]byte, 4)); n != 4 {
			t.Errorf("read returned %d", n)
		}
		if n := cb.Write(abi.gotToken, []byte("!")); n != 1 {
			t.Errorf("write returned %d", n)
		}
		if n := cb.Seek(abi.gotToken, 0, engine.SeekStart); n != 0 {
			t.Errorf("seek returned %d", n)
		}
		if n := cb.Flush(abi.gotToken); n != 0 {
			t.Errorf("flush returned %d", n)
		}
	})
}

func TestAdapterRelease(t *testing.T) {
	abi := &fakeABI{}
	a, err := NewReader(abi, strings.NewReader("data"))
	if err != nil {
		t.Fatal(err)
	}

	h := a.Handle()
	if h == 0 {
		t.Fatal("expected live handle")
	}

	a.Release()
	a.Release()

	if len(abi.released) != 1 {
		t.Fatalf("foreign release called %d times, want exactly 1", len(abi.released))
	}
	if abi.released[0] != h {
		t.Errorf("released handle %d, want %d", abi.released[0], h)
	}
	if a.Handle() != 0 {
		t.Error("handle should be zero after release")
	}
	if _, ok := lookup(abi.gotToken); ok {
		t.Error("token should be unregistered after release")
	}
}

func TestAdapterCreationFailure(t *testing.T) {
	t.Run("nil stream", func(t *testing.T) {
		if _, err := NewReader(&fakeABI{}, nil); err == nil {
			t.Fatal("expected error for nil stream")
		}
	})

	t.Run("foreign failure unregisters the token", func(t *testing.T) {
		abi := &fakeABI{newErr: engine.ErrCallFailed, lastErr: "stream rejected"}
		before := tokenSeq.Load()
		_, err := NewReader(abi, strings.NewReader("data"))
		if err == nil {
			t.Fatal("expected error")
		}
		if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseStream, Kind: errors.KindForeign}) {
			t.Errorf("unexpected error: %v", err)
		}
		if _, ok := lookup(before + 1); ok {
			t.Error("token should be unregistered after foreign failure")
		}
	})
}
