package testbed

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"

	"github.com/fwanderse/c2pa-c/engine"
)

// manifestMagic prefixes an embedded manifest block in a signed asset:
// magic, 4-byte big-endian manifest length, manifest JSON, original asset.
var manifestMagic = []byte{0xff, 'C', '2', 'P', 'A', 0xff}

type manifestDoc struct {
	ClaimGenerator string            `json:"claim_generator"`
	Definition     json.RawMessage   `json:"definition,omitempty"`
	Format         string            `json:"format"`
	Alg            string            `json:"alg"`
	AssetHash      string            `json:"asset_hash"`
	Signature      string            `json:"signature"`
	RemoteURL      string            `json:"remote_url,omitempty"`
	Resources      map[string][]byte `json:"resources,omitempty"`
	Ingredients    []ingredientDoc   `json:"ingredients,omitempty"`
	Actions        []json.RawMessage `json:"actions,omitempty"`
}

type ingredientDoc struct {
	Definition json.RawMessage `json:"definition"`
	Format     string          `json:"format"`
	Hash       string          `json:"hash"`
}

func embedManifest(manifestJSON, asset []byte) []byte {
	out := make([]byte, 0, len(manifestMagic)+4+len(manifestJSON)+len(asset))
	out = append(out, manifestMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(manifestJSON)))
	out = append(out, manifestJSON...)
	return append(out, asset...)
}

// splitManifest separates an embedded manifest block from the asset bytes.
func splitManifest(data []byte) (manifestJSON, asset []byte, ok bool) {
	if !bytes.HasPrefix(data, manifestMagic) {
		return nil, nil, false
	}
	rest := data[len(manifestMagic):]
	if len(rest) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if uint32(len(rest)) < n {
		return nil, nil, false
	}
	return rest[:n], rest[n:], true
}

func assetHash(asset []byte) string {
	sum := blake3.Sum256(asset)
	return hex.EncodeToString(sum[:])
}

// Settings

type settingsPayload struct {
	values map[string]string
}

func (e *Engine) SettingsNew() (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failInjected("SettingsNew") {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindSettings, &settingsPayload{values: make(map[string]string)}), nil
}

func (e *Engine) SettingsSetValue(h engine.Handle, path, jsonValue string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(h, kindSettings)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("SettingsSetValue") {
		return engine.ErrCallFailed
	}
	if !json.Valid([]byte(jsonValue)) {
		e.lastErr = "setting value is not valid JSON"
		return engine.ErrCallFailed
	}
	res.payload.(*settingsPayload).values[path] = jsonValue
	return nil
}

func (e *Engine) SettingsUpdate(h engine.Handle, data, format string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(h, kindSettings)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("SettingsUpdate") {
		return engine.ErrCallFailed
	}
	if format != "json" {
		e.lastErr = "unsupported settings format: " + format
		return engine.ErrCallFailed
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		e.lastErr = "settings document is not valid JSON"
		return engine.ErrCallFailed
	}
	values := res.payload.(*settingsPayload).values
	for k, v := range doc {
		values[k] = string(v)
	}
	return nil
}

// Context

type contextPayload struct {
	settings map[string]string
}

func (e *Engine) ContextNew() (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failInjected("ContextNew") {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindContext, &contextPayload{settings: make(map[string]string)}), nil
}

func (e *Engine) ContextBuilderNew() (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failInjected("ContextBuilderNew") {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindContextBuilder, &contextPayload{settings: make(map[string]string)}), nil
}

func (e *Engine) ContextBuilderSetSettings(b, s engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	bres, ok := e.get(b, kindContextBuilder)
	if !ok {
		return engine.ErrCallFailed
	}
	sres, ok := e.get(s, kindSettings)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("ContextBuilderSetSettings") {
		return engine.ErrCallFailed
	}

	snapshot := make(map[string]string)
	for k, v := range sres.payload.(*settingsPayload).values {
		snapshot[k] = v
	}
	bres.payload.(*contextPayload).settings = snapshot
	return nil
}

// ContextBuilderBuild consumes the builder handle whether it succeeds or not.
func (e *Engine) ContextBuilderBuild(b engine.Handle) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.take(b, kindContextBuilder)
	if !ok {
		return 0, engine.ErrCallFailed
	}
	if e.failInjected("ContextBuilderBuild") {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindContext, res.payload), nil
}

// Reader

type readerPayload struct {
	bound        bool
	manifestJSON []byte
	doc          manifestDoc
	embedded     bool
}

func (e *Engine) ReaderFromContext(ctx engine.Handle) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.get(ctx, kindContext); !ok {
		return 0, engine.ErrCallFailed
	}
	if e.failInjected("ReaderFromContext") {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindReader, &readerPayload{}), nil
}

// ReaderWithStream consumes the reader handle whether it succeeds or not.
func (e *Engine) ReaderWithStream(r engine.Handle, format string, s engine.StreamHandle) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.take(r, kindReader); !ok {
		return 0, engine.ErrCallFailed
	}
	if e.failInjected("ReaderWithStream") {
		return 0, engine.ErrCallFailed
	}

	data, err := e.readAll(s)
	if err != nil {
		return 0, engine.ErrCallFailed
	}
	manifestJSON, _, ok := splitManifest(data)
	if !ok {
		e.lastErr = "no manifest found in " + format + " asset"
		return 0, engine.ErrCallFailed
	}

	payload := &readerPayload{bound: true, manifestJSON: manifestJSON, embedded: true}
	if err := json.Unmarshal(manifestJSON, &payload.doc); err != nil {
		e.lastErr = "embedded manifest is malformed"
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindReader, payload), nil
}

func (e *Engine) ReaderIsEmbedded(r engine.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(r, kindReader)
	if !ok {
		return false
	}
	return res.payload.(*readerPayload).embedded
}

func (e *Engine) ReaderRemoteURL(r engine.Handle) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(r, kindReader)
	if !ok {
		return "", false
	}
	p := res.payload.(*readerPayload)
	if !p.bound || p.doc.RemoteURL == "" {
		return "", false
	}
	return p.doc.RemoteURL, true
}

func (e *Engine) ReaderJSON(r engine.Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(r, kindReader)
	if !ok {
		return "", engine.ErrCallFailed
	}
	if e.failInjected("ReaderJSON") {
		return "", engine.ErrCallFailed
	}
	p := res.payload.(*readerPayload)
	if !p.bound {
		e.lastErr = "reader has no manifest attached"
		return "", engine.ErrCallFailed
	}
	return string(p.manifestJSON), nil
}

func (e *Engine) ReaderResourceToStream(r engine.Handle, uri string, s engine.StreamHandle) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(r, kindReader)
	if !ok {
		return 0, engine.ErrCallFailed
	}
	if e.failInjected("ReaderResourceToStream") {
		return 0, engine.ErrCallFailed
	}
	p := res.payload.(*readerPayload)
	data, ok := p.doc.Resources[uri]
	if !ok {
		e.lastErr = "resource not found: " + uri
		return 0, engine.ErrCallFailed
	}
	if err := e.writeAll(s, data); err != nil {
		return 0, engine.ErrCallFailed
	}
	return int64(len(data)), nil
}

func (e *Engine) ReaderSupportedMimeTypes() []string {
	return []string{"image/jpeg", "image/png", "video/mp4", "application/pdf"}
}

// Signer

type signerPayload struct {
	token       uint64
	alg         string
	certPEM     string
	keyPEM      []byte
	tsaURI      string
	reserveSize uint64
}

func (e *Engine) SignerCreate(token uint64, cb engine.SignCallback, alg, certPEM, tsaURI string) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failInjected("SignerCreate") {
		return 0, engine.ErrCallFailed
	}
	if cb == nil {
		e.lastErr = "signer callback is null"
		return 0, engine.ErrCallFailed
	}
	if certPEM == "" {
		e.lastErr = "signer certificate chain is empty"
		return 0, engine.ErrCallFailed
	}

	e.signers[token] = cb
	return e.alloc(kindSigner, &signerPayload{
		token:       token,
		alg:         alg,
		certPEM:     certPEM,
		tsaURI:      tsaURI,
		reserveSize: 10240,
	}), nil
}

func (e *Engine) SignerFromInfo(alg, certPEM, privateKeyPEM, tsaURI string) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failInjected("SignerFromInfo") {
		return 0, engine.ErrCallFailed
	}
	if certPEM == "" || privateKeyPEM == "" {
		e.lastErr = "signer certificate or key is empty"
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindSigner, &signerPayload{
		alg:         alg,
		certPEM:     certPEM,
		keyPEM:      []byte(privateKeyPEM),
		tsaURI:      tsaURI,
		reserveSize: 2048,
	}), nil
}

func (e *Engine) SignerReserveSize(h engine.Handle) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(h, kindSigner)
	if !ok {
		return 0, engine.ErrCallFailed
	}
	return res.payload.(*signerPayload).reserveSize, nil
}

// signWith produces a signature over data, through the registered callback
// for callback signers or a deterministic keyed hash for local signers.
// Must hold e.mu.
func (e *Engine) signWith(p *signerPayload, data []byte) ([]byte, bool) {
	if p.token != 0 {
		cb, ok := e.signers[p.token]
		if !ok {
			e.lastErr = "signer callback is no longer registered"
			return nil, false
		}
		sig := make([]byte, p.reserveSize)
		n := cb(p.token, data, sig)
		switch {
		case n == engine.ErrNoBufferSpace:
			e.lastErr = "signature exceeds reserved size"
			return nil, false
		case n < 0:
			e.lastErr = "signing callback failed"
			return nil, false
		}
		return sig[:n], true
	}

	sum := blake3.Sum256(append(p.keyPEM, data...))
	return sum[:], true
}
