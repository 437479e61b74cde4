// Package graph holds the commit-graph helpers shared by the backends and the
// ingestion pipeline.
package graph

import (
	"errors"
	"fmt"
	"slices"
)

// ErrCycle reports an ancestry graph that is not a DAG.
var ErrCycle = errors.New("cycle detected")

// TopologicalSort orders the nodes of parents so that every node comes after
// all of its parents. parents maps a node id to the ids of its parents; parent
// ids that are not keys of the map are treated as already satisfied, so a
// slice of new commits can be sorted without the history they build on.
//
// Ready nodes are kept on a stack: among nodes that become ready together the
// last one pushed is emitted first. The input map is not modified.
func TopologicalSort(parents map[string][]string) ([]string, error) {
	pending := make(map[string]int, len(parents))
	children := make(map[string][]string, len(parents))
	var ready []string

	// Iterate keys in sorted order so the result is stable across runs.
	ids := make([]string, 0, len(parents))
	for id := range parents {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		n := 0
		for _, p := range uniq(parents[id]) {
			if _, known := parents[p]; !known {
				continue
			}
			children[p] = append(children[p], id)
			n++
		}
		if n == 0 {
			ready = append(ready, id)
			continue
		}
		pending[id] = n
	}

	out := make([]string, 0, len(parents))
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		out = append(out, id)
		for _, child := range children[id] {
			pending[child]--
			if pending[child] == 0 {
				delete(pending, child)
				ready = append(ready, child)
			}
		}
	}
	if len(pending) > 0 {
		stuck := make([]string, 0, len(pending))
		for id := range pending {
			stuck = append(stuck, id)
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("topological sort: %w among %v", ErrCycle, stuck)
	}
	return out, nil
}

func uniq(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
