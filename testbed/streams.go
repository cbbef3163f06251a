package testbed

import (
	"fmt"

	"github.com/fwanderse/c2pa-c/engine"
)

func (e *Engine) NewStream(token uint64, cb engine.Callbacks) (engine.StreamHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failInjected("NewStream") {
		return 0, engine.ErrCallFailed
	}

	e.nextStream++
	h := engine.StreamHandle(e.nextStream)
	e.streams[token] = cb
	e.streamHandles[h] = token
	return h, nil
}

func (e *Engine) ReleaseStream(s engine.StreamHandle) {
	if s == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	token, ok := e.streamHandles[s]
	if !ok {
		e.misuse("double release or release of unknown stream %d", s)
		return
	}
	delete(e.streamHandles, s)
	delete(e.streams, token)
}

// stream resolves a stream handle to its token and callbacks. Must hold e.mu.
func (e *Engine) stream(s engine.StreamHandle) (uint64, engine.Callbacks, bool) {
	token, ok := e.streamHandles[s]
	if !ok {
		e.misuse("use of unknown or released stream %d", s)
		e.lastErr = "invalid stream handle"
		return 0, engine.Callbacks{}, false
	}
	return token, e.streams[token], true
}

// readAll rewinds the stream and drains it through its callbacks, the way
// the real engine consumes an input asset. Must hold e.mu.
func (e *Engine) readAll(s engine.StreamHandle) ([]byte, error) {
	token, cb, ok := e.stream(s)
	if !ok {
		return nil, engine.ErrCallFailed
	}
	if cb.Seek == nil || cb.Read == nil {
		e.lastErr = "stream does not support reading"
		return nil, engine.ErrCallFailed
	}
	if pos := cb.Seek(token, 0, engine.SeekStart); pos < 0 {
		e.lastErr = fmt.Sprintf("stream seek failed: %d", pos)
		return nil, engine.ErrCallFailed
	}

	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n := cb.Read(token, buf)
		if n < 0 {
			e.lastErr = fmt.Sprintf("stream read failed: %d", n)
			return nil, engine.ErrCallFailed
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

// writeAll rewinds the stream and writes data through its callbacks,
// flushing at the end. Must hold e.mu.
func (e *Engine) writeAll(s engine.StreamHandle, data []byte) error {
	token, cb, ok := e.stream(s)
	if !ok {
		return engine.ErrCallFailed
	}
	if cb.Seek == nil || cb.Write == nil {
		e.lastErr = "stream does not support writing"
		return engine.ErrCallFailed
	}
	if pos := cb.Seek(token, 0, engine.SeekStart); pos < 0 {
		e.lastErr = fmt.Sprintf("stream seek failed: %d", pos)
		return engine.ErrCallFailed
	}

	for off := 0; off < len(data); {
		n := cb.Write(token, data[off:])
		if n <= 0 {
			e.lastErr = fmt.Sprintf("stream write failed: %d", n)
			return engine.ErrCallFailed
		}
		off += int(n)
	}
	if cb.Flush != nil {
		if n := cb.Flush(token); n < 0 {
			e.lastErr = fmt.Sprintf("stream flush failed: %d", n)
			return engine.ErrCallFailed
		}
	}
	return nil
}
