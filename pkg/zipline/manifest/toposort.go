package manifest

import "fmt"

// DepsOf resolves the dependency ids of a module id. Implementations look
// these up from whatever mapping the caller is sorting.
type DepsOf func(id string) []string

// TopologicalSort returns ids in an order consistent with deps (every id
// appears after everything it depends on) and deterministic with respect to
// the input order: ids are visited in input order, and each id is emitted
// right after its not-yet-emitted dependencies (depth-first, in deps
// order). Ids that are already in dependency order keep their input order;
// a dependency pulled forward by an earlier id is emitted ahead of
// unrelated ids that precede it in the input. This mirrors the tie-break
// technique used for deterministic DAG manifests elsewhere in this corpus
// (stable secondary sort key, rather than an arbitrary map-iteration order).
//
// TopologicalSort returns an error if deps references an id not present in
// ids, or if the dependency graph contains a cycle.
func TopologicalSort(ids []string, deps DepsOf) ([]string, error) {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(ids))
	out := make([]string, 0, len(ids))

	var visit func(id string, chain []string) error
	visit = func(id string, chain []string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("manifest: dependency cycle detected at %q", id)
		}
		if _, ok := index[id]; !ok {
			return fmt.Errorf("manifest: unknown dependency %q", id)
		}
		state[id] = visiting
		for _, dep := range deps(id) {
			if err := visit(dep, append(chain, id)); err != nil {
				return err
			}
		}
		state[id] = visited
		out = append(out, id)
		return nil
	}

	// Visiting ids in input order, with deps visited depth-first before the
	// id itself is appended, yields a deterministic topological order: two
	// ids with no dependencies of their own keep their input order.
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsTopologicallySorted reports whether ids is already ordered such that
// every id appears after all ids in deps(id). Used by Manifest's
// constructor to re-validate parsed JSON without re-deriving the order.
func IsTopologicallySorted(ids []string, deps DepsOf) bool {
	position := make(map[string]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}
	for i, id := range ids {
		for _, dep := range deps(id) {
			depPos, ok := position[dep]
			if !ok || depPos >= i {
				return false
			}
		}
	}
	return true
}
