package passes

import (
	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/oparg"
	"github.com/born-ml/borncore/internal/tape"
)

// fusionPriority mirrors the original engine's MLPFusionPass priority: it
// runs after dead code elimination so it never wastes a fusion on an
// operation that was about to be dropped anyway.
const fusionPriority = 50

// MLPFusion detects MatMul -> Add chains where the MatMul's result has no
// other consumer and rewrites them into a single FusedMLP entry. As an
// extension beyond the conservative MatMul+Add case, it additionally folds
// a lone ReLU consumer of the fused result into the FusedMLP's HasReLU
// flag, again only when fusing would not change any other consumer's view
// of the graph.
//
// Fusion is a tape-local rewrite: it never mutates the underlying
// graph.Store, only the compiled Tape, and it reuses the surviving
// entry's original NodeID so a caller's requested root (or any other
// entry's InputNodeIDs) keeps resolving correctly after the rewrite.
type MLPFusion struct{}

// Name implements tape.Pass.
func (MLPFusion) Name() string { return "MLPFusion" }

// Priority implements tape.Pass.
func (MLPFusion) Priority() int { return fusionPriority }

// Apply implements tape.Pass.
func (MLPFusion) Apply(store *graph.Store, t *tape.Tape, roots []graph.NodeId) (int, error) {
	applied := 0
	rootSet := make(map[graph.NodeId]bool, len(roots))
	for _, r := range roots {
		rootSet[r] = true
	}

	for fuseMatMulAdd(store, t, rootSet) {
		applied++
	}
	for foldReLU(store, t, rootSet) {
		applied++
	}
	return applied, nil
}

// storeConsumerCounts counts, for every node, how many other nodes in the
// whole store reference it as an input. Fan-out must be checked against
// the full store rather than just the current tape: two different Eval
// calls on two different roots can each compile a tape that only sees one
// of a node's consumers, which would otherwise let fusion appear safe from
// either tape's limited view while actually changing a value a sibling
// root still depends on in its unfused form.
func storeConsumerCounts(store *graph.Store) map[graph.NodeId]int {
	counts := make(map[graph.NodeId]int)
	for _, n := range store.GetAllNodes() {
		for _, in := range n.Inputs {
			counts[in]++
		}
	}
	return counts
}

// fuseMatMulAdd finds one eligible MatMul->Add chain and rewrites it,
// returning whether a rewrite happened. Apply calls it in a loop since
// fusing can expose a new eligible chain (e.g. via DCE having already run,
// or a chain feeding another chain).
func fuseMatMulAdd(store *graph.Store, t *tape.Tape, rootSet map[graph.NodeId]bool) bool {
	entries := t.Entries()
	counts := storeConsumerCounts(store)
	byID := make(map[graph.NodeId]*tape.Entry, len(entries))
	for _, e := range entries {
		byID[e.NodeID] = e
	}

	for _, addEntry := range entries {
		if addEntry.Kind != oparg.KindAdd || len(addEntry.InputNodeIDs) != 2 {
			continue
		}
		for mmPos, candidate := range addEntry.InputNodeIDs {
			mmEntry := byID[candidate]
			if mmEntry == nil || mmEntry.Kind != oparg.KindMatMul || len(mmEntry.InputNodeIDs) != 2 {
				continue
			}
			if margs, err := oparg.Cast[oparg.MatMulArgs](mmEntry.Args); err != nil || margs.TransposeA || margs.TransposeB {
				// FusedMLPArgs carries no transpose flags and
				// handleFusedMLP always reads its operands untransposed;
				// fusing a transposed MatMul would silently drop that
				// transpose instead of computing it.
				continue
			}
			if counts[mmEntry.NodeID] != 1 || rootSet[mmEntry.NodeID] {
				// fan-out: something else still needs the bare MatMul
				// result, so fusing would change its meaning.
				continue
			}
			biasID := addEntry.InputNodeIDs[1-mmPos]
			if be := byID[biasID]; be == nil || len(be.OutputShapes) != 1 || len(be.OutputShapes[0]) != 2 || be.OutputShapes[0][0] != 1 {
				// handleFusedMLP adds bias row 0 to every output row, so
				// only a [1,M] addend leaves the Add's result unchanged.
				continue
			}

			// Reuse addEntry's NodeID for the fused entry: every
			// consumer of Add's result already references this id, and
			// so does the caller's root if Add is the evaluation
			// target, so nothing downstream needs rewiring.
			fusedEntry := &tape.Entry{
				NodeID:        addEntry.NodeID,
				Kind:          oparg.KindFusedMLP,
				Args:          oparg.Make(oparg.FusedMLPArgs{}),
				InputNodeIDs:  []graph.NodeId{mmEntry.InputNodeIDs[0], mmEntry.InputNodeIDs[1], biasID},
				OutputNodeIDs: []graph.NodeId{addEntry.NodeID},
				OutputShapes:  addEntry.OutputShapes,
			}

			next := make([]*tape.Entry, 0, len(entries)-1)
			for _, e := range entries {
				switch e.NodeID {
				case mmEntry.NodeID:
					continue
				case addEntry.NodeID:
					next = append(next, fusedEntry)
				default:
					next = append(next, e)
				}
			}
			t.SetEntries(next)
			return true
		}
	}
	return false
}

// foldReLU finds a FusedMLP entry without HasReLU set whose sole consumer
// is a ReLU entry, and folds the ReLU into the fused node's flag, again
// reusing the ReLU entry's NodeID so its consumers (or the caller's root)
// keep resolving.
func foldReLU(store *graph.Store, t *tape.Tape, rootSet map[graph.NodeId]bool) bool {
	entries := t.Entries()
	counts := storeConsumerCounts(store)

	for _, fused := range entries {
		if fused.Kind != oparg.KindFusedMLP {
			continue
		}
		margs, err := oparg.Cast[oparg.FusedMLPArgs](fused.Args)
		if err != nil || margs.HasReLU {
			continue
		}
		if counts[fused.NodeID] != 1 || rootSet[fused.NodeID] {
			continue
		}

		var reluEntry *tape.Entry
		for _, e := range entries {
			for _, in := range e.InputNodeIDs {
				if in == fused.NodeID {
					reluEntry = e
				}
			}
		}
		if reluEntry == nil || reluEntry.Kind != oparg.KindReLU || len(reluEntry.InputNodeIDs) != 1 {
			continue
		}

		foldedEntry := &tape.Entry{
			NodeID:        reluEntry.NodeID,
			Kind:          oparg.KindFusedMLP,
			Args:          oparg.Make(oparg.FusedMLPArgs{HasReLU: true, DebugInfo: margs.DebugInfo}),
			InputNodeIDs:  fused.InputNodeIDs,
			OutputNodeIDs: []graph.NodeId{reluEntry.NodeID},
			OutputShapes:  reluEntry.OutputShapes,
		}

		next := make([]*tape.Entry, 0, len(entries)-1)
		for _, e := range entries {
			switch e.NodeID {
			case fused.NodeID:
				continue
			case reluEntry.NodeID:
				next = append(next, foldedEntry)
			default:
				next = append(next, e)
			}
		}
		t.SetEntries(next)
		return true
	}
	return false
}
