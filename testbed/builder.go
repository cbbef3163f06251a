package testbed

import (
	"encoding/hex"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"

	"github.com/fwanderse/c2pa-c/engine"
)

type builderPayload struct {
	definition  json.RawMessage
	resources   map[string][]byte
	ingredients []ingredientDoc
	actions     []json.RawMessage
	noEmbed     bool
	remoteURL   string
	basePath    string
}

// archiveDoc is the CBOR layout of a builder frozen to a stream. Field
// names are part of the archive format and must stay stable.
type archiveDoc struct {
	Definition  json.RawMessage   `cbor:"definition"`
	Resources   map[string][]byte `cbor:"resources"`
	Ingredients []ingredientDoc   `cbor:"ingredients"`
	Actions     []json.RawMessage `cbor:"actions"`
	NoEmbed     bool              `cbor:"no_embed"`
	RemoteURL   string            `cbor:"remote_url"`
	BasePath    string            `cbor:"base_path"`
}

func newBuilderPayload() *builderPayload {
	return &builderPayload{resources: make(map[string][]byte)}
}

func (e *Engine) BuilderFromContext(ctx engine.Handle) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.get(ctx, kindContext); !ok {
		return 0, engine.ErrCallFailed
	}
	if e.failInjected("BuilderFromContext") {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindBuilder, newBuilderPayload()), nil
}

// BuilderWithDefinition consumes the builder handle whether it succeeds or not.
func (e *Engine) BuilderWithDefinition(b engine.Handle, manifestJSON string) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.take(b, kindBuilder)
	if !ok {
		return 0, engine.ErrCallFailed
	}
	if e.failInjected("BuilderWithDefinition") {
		return 0, engine.ErrCallFailed
	}
	if !json.Valid([]byte(manifestJSON)) {
		e.lastErr = "manifest definition is not valid JSON"
		return 0, engine.ErrCallFailed
	}

	p := res.payload.(*builderPayload)
	p.definition = json.RawMessage(manifestJSON)
	return e.alloc(kindBuilder, p), nil
}

func (e *Engine) BuilderSetNoEmbed(b engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res, ok := e.get(b, kindBuilder); ok {
		res.payload.(*builderPayload).noEmbed = true
	}
}

func (e *Engine) BuilderSetRemoteURL(b engine.Handle, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(b, kindBuilder)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("BuilderSetRemoteURL") {
		return engine.ErrCallFailed
	}
	res.payload.(*builderPayload).remoteURL = url
	return nil
}

func (e *Engine) BuilderSetBasePath(b engine.Handle, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(b, kindBuilder)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("BuilderSetBasePath") {
		return engine.ErrCallFailed
	}
	res.payload.(*builderPayload).basePath = path
	return nil
}

func (e *Engine) BuilderAddResource(b engine.Handle, uri string, s engine.StreamHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(b, kindBuilder)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("BuilderAddResource") {
		return engine.ErrCallFailed
	}
	data, err := e.readAll(s)
	if err != nil {
		return engine.ErrCallFailed
	}
	res.payload.(*builderPayload).resources[uri] = data
	return nil
}

func (e *Engine) BuilderAddIngredient(b engine.Handle, ingredientJSON, format string, s engine.StreamHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(b, kindBuilder)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("BuilderAddIngredient") {
		return engine.ErrCallFailed
	}
	if !json.Valid([]byte(ingredientJSON)) {
		e.lastErr = "ingredient definition is not valid JSON"
		return engine.ErrCallFailed
	}
	data, err := e.readAll(s)
	if err != nil {
		return engine.ErrCallFailed
	}

	p := res.payload.(*builderPayload)
	p.ingredients = append(p.ingredients, ingredientDoc{
		Definition: json.RawMessage(ingredientJSON),
		Format:     format,
		Hash:       assetHash(data),
	})
	return nil
}

func (e *Engine) BuilderAddAction(b engine.Handle, actionJSON string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(b, kindBuilder)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("BuilderAddAction") {
		return engine.ErrCallFailed
	}
	if !json.Valid([]byte(actionJSON)) {
		e.lastErr = "action is not valid JSON"
		return engine.ErrCallFailed
	}
	p := res.payload.(*builderPayload)
	p.actions = append(p.actions, json.RawMessage(actionJSON))
	return nil
}

func (e *Engine) BuilderSign(b engine.Handle, format string, src, dst engine.StreamHandle, signer engine.Handle) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bres, ok := e.get(b, kindBuilder)
	if !ok {
		return nil, engine.ErrCallFailed
	}
	sres, ok := e.get(signer, kindSigner)
	if !ok {
		return nil, engine.ErrCallFailed
	}
	if e.failInjected("BuilderSign") {
		return nil, engine.ErrCallFailed
	}

	asset, err := e.readAll(src)
	if err != nil {
		return nil, engine.ErrCallFailed
	}

	p := bres.payload.(*builderPayload)
	sp := sres.payload.(*signerPayload)

	doc := manifestDoc{
		ClaimGenerator: "testbed/0.0.0",
		Definition:     p.definition,
		Format:         format,
		Alg:            sp.alg,
		AssetHash:      assetHash(asset),
		RemoteURL:      p.remoteURL,
		Resources:      p.resources,
		Ingredients:    p.ingredients,
		Actions:        p.actions,
	}
	sig, ok := e.signWith(sp, []byte(doc.AssetHash))
	if !ok {
		return nil, engine.ErrCallFailed
	}
	doc.Signature = hex.EncodeToString(sig)

	manifestJSON, err := json.Marshal(doc)
	if err != nil {
		e.lastErr = "manifest serialization failed"
		return nil, engine.ErrCallFailed
	}

	out := asset
	if !p.noEmbed {
		out = embedManifest(manifestJSON, asset)
	}
	if err := e.writeAll(dst, out); err != nil {
		return nil, engine.ErrCallFailed
	}
	return manifestJSON, nil
}

func (e *Engine) BuilderFromArchive(s engine.StreamHandle) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failInjected("BuilderFromArchive") {
		return 0, engine.ErrCallFailed
	}
	p, ok := e.decodeArchive(s)
	if !ok {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindBuilder, p), nil
}

// BuilderWithArchive consumes the builder handle whether it succeeds or not.
func (e *Engine) BuilderWithArchive(b engine.Handle, s engine.StreamHandle) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.take(b, kindBuilder); !ok {
		return 0, engine.ErrCallFailed
	}
	if e.failInjected("BuilderWithArchive") {
		return 0, engine.ErrCallFailed
	}
	p, ok := e.decodeArchive(s)
	if !ok {
		return 0, engine.ErrCallFailed
	}
	return e.alloc(kindBuilder, p), nil
}

func (e *Engine) BuilderToArchive(b engine.Handle, s engine.StreamHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.get(b, kindBuilder)
	if !ok {
		return engine.ErrCallFailed
	}
	if e.failInjected("BuilderToArchive") {
		return engine.ErrCallFailed
	}

	p := res.payload.(*builderPayload)
	data, err := cbor.Marshal(archiveDoc{
		Definition:  p.definition,
		Resources:   p.resources,
		Ingredients: p.ingredients,
		Actions:     p.actions,
		NoEmbed:     p.noEmbed,
		RemoteURL:   p.remoteURL,
		BasePath:    p.basePath,
	})
	if err != nil {
		e.lastErr = "archive serialization failed"
		return engine.ErrCallFailed
	}
	if err := e.writeAll(s, data); err != nil {
		return engine.ErrCallFailed
	}
	return nil
}

// decodeArchive reads and decodes an archive stream. Must hold e.mu.
func (e *Engine) decodeArchive(s engine.StreamHandle) (*builderPayload, bool) {
	data, err := e.readAll(s)
	if err != nil {
		return nil, false
	}
	var doc archiveDoc
	if err := cbor.Unmarshal(data, &doc); err != nil {
		e.lastErr = "stream is not a builder archive"
		return nil, false
	}

	p := newBuilderPayload()
	p.definition = doc.Definition
	if doc.Resources != nil {
		p.resources = doc.Resources
	}
	p.ingredients = doc.Ingredients
	p.actions = doc.Actions
	p.noEmbed = doc.NoEmbed
	p.remoteURL = doc.RemoteURL
	p.basePath = doc.BasePath
	return p, true
}

func (e *Engine) BuilderDataHashedPlaceholder(b engine.Handle, reservedSize uint64, format string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.get(b, kindBuilder); !ok {
		return nil, engine.ErrCallFailed
	}
	if e.failInjected("BuilderDataHashedPlaceholder") {
		return nil, engine.ErrCallFailed
	}

	header, _ := json.Marshal(map[string]any{
		"placeholder": true,
		"format":      format,
	})
	if uint64(len(header)) >= reservedSize {
		return header, nil
	}
	out := make([]byte, reservedSize)
	copy(out, header)
	for i := len(header); i < len(out); i++ {
		out[i] = ' '
	}
	return out, nil
}

func (e *Engine) BuilderSignDataHashedEmbeddable(b engine.Handle, signer engine.Handle, dataHash, format string, asset engine.StreamHandle) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.get(b, kindBuilder); !ok {
		return nil, engine.ErrCallFailed
	}
	sres, ok := e.get(signer, kindSigner)
	if !ok {
		return nil, engine.ErrCallFailed
	}
	if e.failInjected("BuilderSignDataHashedEmbeddable") {
		return nil, engine.ErrCallFailed
	}
	if !json.Valid([]byte(dataHash)) {
		e.lastErr = "data hash is not valid JSON"
		return nil, engine.ErrCallFailed
	}

	signed := []byte(dataHash)
	if asset != 0 {
		data, err := e.readAll(asset)
		if err != nil {
			return nil, engine.ErrCallFailed
		}
		signed = append(signed, []byte(assetHash(data))...)
	}

	sig, ok := e.signWith(sres.payload.(*signerPayload), signed)
	if !ok {
		return nil, engine.ErrCallFailed
	}
	out, err := json.Marshal(map[string]any{
		"data_hash": json.RawMessage(dataHash),
		"format":    format,
		"signature": hex.EncodeToString(sig),
	})
	if err != nil {
		e.lastErr = "embeddable manifest serialization failed"
		return nil, engine.ErrCallFailed
	}
	return out, nil
}

func (e *Engine) FormatEmbeddable(format string, data []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failInjected("FormatEmbeddable") {
		return nil, engine.ErrCallFailed
	}
	if len(data) == 0 {
		e.lastErr = "manifest bytes are empty"
		return nil, engine.ErrCallFailed
	}
	return embedManifest(data, nil), nil
}

func (e *Engine) BuilderSupportedMimeTypes() []string {
	return []string{"image/jpeg", "image/png", "video/mp4"}
}
