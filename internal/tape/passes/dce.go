// Package passes implements the built-in tape optimization passes: dead
// code elimination and MatMul+Add(+ReLU) fusion.
package passes

import (
	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/tape"
)

// earlyPriority mirrors the original engine's DeadCodeEliminationPass
// priority: it must run before later structural passes so fusion never has
// to consider entries that are about to be dropped.
const earlyPriority = 10

// DeadCodeElimination removes tape entries that are not transitively
// required to produce any of the compile's roots.
type DeadCodeElimination struct{}

// Name implements tape.Pass.
func (DeadCodeElimination) Name() string { return "DeadCodeElimination" }

// Priority implements tape.Pass.
func (DeadCodeElimination) Priority() int { return earlyPriority }

// Apply marks every entry reachable from roots and sweeps the rest,
// preserving relative order among the entries that remain.
func (DeadCodeElimination) Apply(_ *graph.Store, t *tape.Tape, roots []graph.NodeId) (int, error) {
	entries := t.Entries()
	live := make(map[graph.NodeId]bool, len(entries))
	var mark func(id graph.NodeId)
	byID := make(map[graph.NodeId]*tape.Entry, len(entries))
	for _, e := range entries {
		byID[e.NodeID] = e
	}
	mark = func(id graph.NodeId) {
		if live[id] {
			return
		}
		live[id] = true
		e := byID[id]
		if e == nil {
			return
		}
		for _, in := range e.InputNodeIDs {
			mark(in)
		}
	}
	for _, r := range roots {
		mark(r)
	}

	kept := make([]*tape.Entry, 0, len(entries))
	removed := 0
	for _, e := range entries {
		if live[e.NodeID] {
			kept = append(kept, e)
		} else {
			removed++
		}
	}
	if removed > 0 {
		t.SetEntries(kept)
	}
	return removed, nil
}
