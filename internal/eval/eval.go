// Package eval implements the evaluation manager: it drives a compiled
// tape's entries through the kernel dispatcher, memoizes results by
// NodeId, and tracks cache/compute statistics.
package eval

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/tape"
)

// ErrEvalFailure wraps whatever error a kernel handler returned while
// evaluating a tape entry.
var ErrEvalFailure = errors.New("eval: evaluation failed")

// Stats tracks cumulative evaluation activity across a Manager's lifetime.
// CacheHits/CacheMisses are counted once per Evaluate target — a target
// whose result is already memoized is a hit, otherwise a miss — not once
// per tape entry touched while producing it. OperationsExecuted counts
// kernel dispatches, excluding Input passthroughs: an Input node has
// nothing to compute, so it never counts as an executed operation.
type Stats struct {
	CacheHits          uint64
	CacheMisses        uint64
	OperationsExecuted uint64
	MemoryAllocated    uint64
}

// String renders Stats with MemoryAllocated formatted as human-readable
// bytes, matching the example corpus's use of go-humanize for memory/size
// reporting.
func (s Stats) String() string {
	return fmt.Sprintf(
		"cache_hits=%d cache_misses=%d operations_executed=%d memory_allocated=%s",
		s.CacheHits, s.CacheMisses, s.OperationsExecuted, humanize.Bytes(s.MemoryAllocated),
	)
}

// Manager memoizes evaluated tape-entry results by NodeId and tracks
// evaluation statistics. A Manager is not safe for concurrent use.
type Manager struct {
	registry *kernel.Registry
	results  map[graph.NodeId][]kernel.Result
	stats    Stats
}

// NewManager returns an evaluation manager dispatching through registry.
func NewManager(registry *kernel.Registry) *Manager {
	return &Manager{
		registry: registry,
		results:  make(map[graph.NodeId][]kernel.Result),
	}
}

// Stats returns a snapshot of the manager's cumulative statistics.
func (m *Manager) Stats() Stats {
	return m.stats
}

// ClearCache discards every memoized result without resetting statistics.
func (m *Manager) ClearCache() {
	m.results = make(map[graph.NodeId][]kernel.Result)
}

// Result returns the memoized single-output result for id, if any. For a
// multi-output (Split) node, it returns output slot 0; use ResultAt for
// other slots.
func (m *Manager) Result(id graph.NodeId) (kernel.Result, bool) {
	outs, ok := m.results[id]
	if !ok || len(outs) == 0 {
		return kernel.Result{}, false
	}
	return outs[0], true
}

// ResultAt returns the memoized result at output slot index for id.
func (m *Manager) ResultAt(id graph.NodeId, index int) (kernel.Result, bool) {
	outs, ok := m.results[id]
	if !ok || index < 0 || index >= len(outs) {
		return kernel.Result{}, false
	}
	return outs[index], true
}

// Evaluate runs every not-yet-memoized entry on t in order, dispatching
// through the kernel registry and memoizing each entry's results keyed by
// its NodeID (a multi-output entry's results are stored together under
// that one id, by output slot). It returns the results for targets, in the
// order given.
//
// CacheHits/CacheMisses are accounted once per target, based on whether
// that target's result was already memoized before this call ran — not
// once per tape entry visited while satisfying it. A target already
// memoized needs nothing re-run at all, so the tape walk below skips every
// already-cached entry on the way regardless.
func (m *Manager) Evaluate(t *tape.Tape, targets []graph.NodeId) ([]kernel.Result, error) {
	alreadyCached := make([]bool, len(targets))
	for i, id := range targets {
		_, alreadyCached[i] = m.results[id]
	}

	for _, entry := range t.Entries() {
		if _, ok := m.results[entry.NodeID]; ok {
			klog.V(4).Infof("eval: cache hit for node %d (%s)", entry.NodeID, entry.Args.OpName())
			continue
		}

		outs, err := m.registry.Dispatch(entry, m.results)
		if err != nil {
			return nil, errors.WithStack(fmt.Errorf("%w: node %d (%s): %w", ErrEvalFailure, entry.NodeID, entry.Args.OpName(), err))
		}
		if !entry.IsConstant {
			m.stats.OperationsExecuted++
		}
		klog.V(4).Infof("eval: executed node %d (%s), %d outputs", entry.NodeID, entry.Args.OpName(), len(outs))

		m.results[entry.NodeID] = outs
		for _, o := range outs {
			m.stats.MemoryAllocated += uint64(len(o.Data)) * 4
		}
	}

	results := make([]kernel.Result, 0, len(targets))
	for i, id := range targets {
		r, ok := m.Result(id)
		if !ok {
			return nil, errors.Errorf("eval: target node %d was not produced by this tape", id)
		}
		results = append(results, r)
		if alreadyCached[i] {
			m.stats.CacheHits++
		} else {
			m.stats.CacheMisses++
		}
	}
	return results, nil
}
