// Package manifest models the topologically-sorted module graph that drives
// the zipline loader: which bytecode modules make up an application, their
// content digests, and the dependency order the engine must link them in.
package manifest

import (
	"fmt"

	"zipline/pkg/zipline/digest"
)

// Module is a single manifest entry: where to fetch a module's compiled
// bytecode, the digest it must hash to, and the ids it depends on.
type Module struct {
	URL          string   `json:"url"`
	SHA256       digest.Digest `json:"sha256"`
	DependsOnIDs []string `json:"dependsOnIds"`
}

// Manifest is the immutable, topologically-sorted description of a
// deployable application's module graph. Construct one with Build or Parse;
// there is no exported way to mutate a Manifest after construction.
type Manifest struct {
	order        []string
	modules      map[string]Module
	mainModuleID string
	mainFunction string
	signatures   map[string]string
}

// Build validates modules and produces an immutable, topologically sorted
// Manifest. mainModuleID, when empty, defaults to the last module in
// topological order. mainFunction and signatures are carried through
// verbatim; signatures defaults to an empty map.
//
// Build fails with a *MalformedManifestError if any depended-on id is
// missing, the dependency graph has a cycle, or mainModuleID is non-empty
// and not a key of modules.
func Build(modules map[string]Module, insertionOrder []string, mainModuleID, mainFunction string, signatures map[string]string) (*Manifest, error) {
	if len(insertionOrder) != len(modules) {
		return nil, &MalformedManifestError{Reason: "insertion order length does not match modules"}
	}
	for _, id := range insertionOrder {
		if _, ok := modules[id]; !ok {
			return nil, &MalformedManifestError{Reason: fmt.Sprintf("insertion order references unknown id %q", id)}
		}
	}

	deps := func(id string) []string { return modules[id].DependsOnIDs }
	sorted, err := TopologicalSort(insertionOrder, deps)
	if err != nil {
		return nil, &MalformedManifestError{Reason: err.Error()}
	}

	if mainModuleID == "" {
		mainModuleID = sorted[len(sorted)-1]
	} else if _, ok := modules[mainModuleID]; !ok {
		return nil, &MalformedManifestError{Reason: fmt.Sprintf("main module id %q not present", mainModuleID)}
	}

	copied := make(map[string]Module, len(modules))
	for id, m := range modules {
		deps := append([]string(nil), m.DependsOnIDs...)
		m.DependsOnIDs = deps
		copied[id] = m
	}

	var sigs map[string]string
	if len(signatures) > 0 {
		sigs = make(map[string]string, len(signatures))
		for k, v := range signatures {
			sigs[k] = v
		}
	} else {
		sigs = map[string]string{}
	}

	return &Manifest{
		order:        sorted,
		modules:      copied,
		mainModuleID: mainModuleID,
		mainFunction: mainFunction,
		signatures:   sigs,
	}, nil
}

// ModuleIDs returns the module ids in topological order: every id appears
// after all ids in its DependsOnIDs.
func (m *Manifest) ModuleIDs() []string {
	return append([]string(nil), m.order...)
}

// Module returns the Module for id and whether it was present.
func (m *Manifest) Module(id string) (Module, bool) {
	mod, ok := m.modules[id]
	if !ok {
		return Module{}, false
	}
	mod.DependsOnIDs = append([]string(nil), mod.DependsOnIDs...)
	return mod, true
}

// Len returns the number of modules in the manifest.
func (m *Manifest) Len() int { return len(m.order) }

// MainModuleID returns the manifest's designated entry-point module id.
func (m *Manifest) MainModuleID() string { return m.mainModuleID }

// MainFunction returns the fully-qualified entry point string, or "" if
// unset.
func (m *Manifest) MainFunction() string { return m.mainFunction }

// Signatures returns the signing-key-name to hex-signature mapping, in the
// order supplied at construction is not preserved (signatures are unordered
// per spec); callers needing deterministic iteration should sort keys
// themselves.
func (m *Manifest) Signatures() map[string]string {
	out := make(map[string]string, len(m.signatures))
	for k, v := range m.signatures {
		out[k] = v
	}
	return out
}

// Equal reports whether m and other describe the same manifest: same
// modules (including dependency order), same main module id and function,
// and same signatures. Module iteration order is part of equality since it
// is a load-bearing invariant (M1), not an implementation detail.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.order) != len(other.order) {
		return false
	}
	for i := range m.order {
		if m.order[i] != other.order[i] {
			return false
		}
	}
	if m.mainModuleID != other.mainModuleID || m.mainFunction != other.mainFunction {
		return false
	}
	if len(m.signatures) != len(other.signatures) {
		return false
	}
	for k, v := range m.signatures {
		if other.signatures[k] != v {
			return false
		}
	}
	for id, mod := range m.modules {
		omod, ok := other.modules[id]
		if !ok || mod.URL != omod.URL || mod.SHA256 != omod.SHA256 {
			return false
		}
		if len(mod.DependsOnIDs) != len(omod.DependsOnIDs) {
			return false
		}
		for i := range mod.DependsOnIDs {
			if mod.DependsOnIDs[i] != omod.DependsOnIDs[i] {
				return false
			}
		}
	}
	return true
}

// MalformedManifestError reports a violation of the manifest invariants:
// a missing dependency, a cycle, or a dangling main module id.
type MalformedManifestError struct {
	Reason string
}

func (e *MalformedManifestError) Error() string {
	return "malformed manifest: " + e.Reason
}
