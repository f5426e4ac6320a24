package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"zipline/pkg/zipline/digest"
)

// wireModule is the JSON shape of a single manifest entry (see spec §6).
type wireModule struct {
	URL          string        `json:"url"`
	SHA256       digest.Digest `json:"sha256"`
	DependsOnIDs []string      `json:"dependsOnIds"`
}

// wireManifest is the JSON shape of a whole manifest. modules is declared as
// json.RawMessage so Marshal/Unmarshal can control key iteration order
// explicitly: encoding/json's map marshaling sorts keys lexically, which
// would silently destroy the topological ordering invariant (M1) on the
// wire. Marshal below builds the object by hand instead, and
// decodeOrderedModules reads it back in order.
type wireManifest struct {
	Modules      json.RawMessage   `json:"modules"`
	MainModuleID string            `json:"mainModuleId"`
	MainFunction *string           `json:"mainFunction"`
	Signatures   map[string]string `json:"signatures,omitempty"`
}

// Marshal serializes m to JSON with modules emitted in topological order,
// per spec §6 ("parsers MUST preserve that order").
func (m *Manifest) Marshal() ([]byte, error) {
	var buf []byte
	buf = append(buf, '{')
	for i, id := range m.order {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		mod := m.modules[id]
		valJSON, err := json.Marshal(wireModule{
			URL:          mod.URL,
			SHA256:       mod.SHA256,
			DependsOnIDs: mod.DependsOnIDs,
		})
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')

	var mainFn *string
	if m.mainFunction != "" {
		mainFn = &m.mainFunction
	}
	wire := wireManifest{
		Modules:      json.RawMessage(buf),
		MainModuleID: m.mainModuleID,
		MainFunction: mainFn,
		Signatures:   m.signatures,
	}
	return json.Marshal(wire)
}

// Parse decodes JSON produced by Marshal (or any conforming document) into
// a Manifest, validating invariants M1-M3. The decoded modules object's key
// order is preserved via json.Decoder's token stream rather than trusting
// Go's unordered map decode.
func Parse(data []byte) (*Manifest, error) {
	var wire wireManifest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &MalformedManifestError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	order, modules, err := decodeOrderedModules(wire.Modules)
	if err != nil {
		return nil, err
	}

	mainFunction := ""
	if wire.MainFunction != nil {
		mainFunction = *wire.MainFunction
	}

	deps := func(id string) []string { return modules[id].DependsOnIDs }
	if !IsTopologicallySorted(order, deps) {
		return nil, &MalformedManifestError{Reason: "modules are not in topological order"}
	}

	return Build(modules, order, wire.MainModuleID, mainFunction, wire.Signatures)
}

// decodeOrderedModules walks the raw "modules" object token-by-token to
// recover both the map of modules and the key order they appeared in,
// since encoding/json offers no ordered-map decode.
func decodeOrderedModules(raw json.RawMessage) ([]string, map[string]Module, error) {
	if len(raw) == 0 {
		return nil, nil, &MalformedManifestError{Reason: "missing modules object"}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, &MalformedManifestError{Reason: fmt.Sprintf("invalid modules object: %v", err)}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, &MalformedManifestError{Reason: "modules must be a JSON object"}
	}

	var order []string
	modules := map[string]Module{}
	seen := map[string]bool{}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, &MalformedManifestError{Reason: fmt.Sprintf("invalid modules key: %v", err)}
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, &MalformedManifestError{Reason: "modules key must be a string"}
		}
		if seen[key] {
			return nil, nil, &MalformedManifestError{Reason: fmt.Sprintf("duplicate module id %q", key)}
		}
		seen[key] = true

		var wm wireModule
		if err := dec.Decode(&wm); err != nil {
			return nil, nil, &MalformedManifestError{Reason: fmt.Sprintf("invalid module %q: %v", key, err)}
		}
		for _, dep := range wm.DependsOnIDs {
			if dep == key {
				return nil, nil, &MalformedManifestError{Reason: fmt.Sprintf("module %q depends on itself", key)}
			}
		}

		order = append(order, key)
		modules[key] = Module{
			URL:          wm.URL,
			SHA256:       wm.SHA256,
			DependsOnIDs: wm.DependsOnIDs,
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, nil, &MalformedManifestError{Reason: fmt.Sprintf("invalid modules object close: %v", err)}
	}

	return order, modules, nil
}
