package eval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/oparg"
	"github.com/born-ml/borncore/internal/tape"
)

type constValue struct {
	shape []int
	data  []float32
}

func (c constValue) ProducerID() (graph.NodeId, bool) { return 0, false }
func (c constValue) Shape() []int                     { return c.shape }
func (c constValue) Data() []float32                  { return c.data }

func buildAddGraph(t *testing.T) (*graph.Store, graph.NodeId) {
	t.Helper()
	s := graph.NewStore()
	a := s.CreateInputNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), constValue{shape: []int{2}, data: []float32{1, 2}}, []int{2})
	b := s.CreateInputNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), constValue{shape: []int{2}, data: []float32{3, 4}}, []int{2})
	add := s.CreateNode(oparg.KindAdd, oparg.Make(oparg.AddArgs{}), []graph.NodeId{a.ID, b.ID}, [][]int{{2}})
	return s, add.ID
}

func TestEvaluateMemoizesAndTracksStats(t *testing.T) {
	s, addID := buildAddGraph(t)
	c := tape.NewCompiler(false, nil)
	tp, _, err := c.Compile(s, []graph.NodeId{addID})
	require.NoError(t, err)

	m := NewManager(kernel.NewRegistry())
	out, err := m.Evaluate(tp, []graph.NodeId{addID})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []float32{4, 6}, out[0].Data)

	stats := m.Stats()
	// One miss for the add target; the two Input entries execute to
	// populate the cache but, having nothing to compute, don't count as
	// executed operations.
	require.EqualValues(t, 1, stats.CacheMisses)
	require.EqualValues(t, 0, stats.CacheHits)
	require.EqualValues(t, 1, stats.OperationsExecuted)

	// Evaluating the same tape again must hit the cache for the target and
	// run nothing further.
	_, err = m.Evaluate(tp, []graph.NodeId{addID})
	require.NoError(t, err)
	stats2 := m.Stats()
	require.EqualValues(t, 1, stats2.CacheMisses)
	require.EqualValues(t, 1, stats2.CacheHits)
	require.EqualValues(t, 1, stats2.OperationsExecuted)
}

func TestClearCacheForcesReexecution(t *testing.T) {
	s, addID := buildAddGraph(t)
	tp, _, err := tape.NewCompiler(false, nil).Compile(s, []graph.NodeId{addID})
	require.NoError(t, err)

	m := NewManager(kernel.NewRegistry())
	_, err = m.Evaluate(tp, []graph.NodeId{addID})
	require.NoError(t, err)
	m.ClearCache()
	_, err = m.Evaluate(tp, []graph.NodeId{addID})
	require.NoError(t, err)

	stats := m.Stats()
	require.EqualValues(t, 2, stats.CacheMisses)
	require.EqualValues(t, 0, stats.CacheHits)
	require.EqualValues(t, 2, stats.OperationsExecuted)
}

func TestStatsStringFormatsMemoryHumanReadable(t *testing.T) {
	s := Stats{CacheHits: 1, CacheMisses: 2, OperationsExecuted: 2, MemoryAllocated: 2048}
	require.Contains(t, s.String(), "2.0 kB")
}

func TestEvaluateFailurePropagatesAsEvalFailure(t *testing.T) {
	s := graph.NewStore()
	a := s.CreateInputNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), constValue{shape: []int{2, 3}, data: make([]float32, 6)}, []int{2, 3})
	b := s.CreateInputNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), constValue{shape: []int{2, 1}, data: make([]float32, 2)}, []int{2, 1})
	add := s.CreateNode(oparg.KindAdd, oparg.Make(oparg.AddArgs{}), []graph.NodeId{a.ID, b.ID}, [][]int{{2, 3}})

	tp, _, err := tape.NewCompiler(false, nil).Compile(s, []graph.NodeId{add.ID})
	require.NoError(t, err)

	m := NewManager(kernel.NewRegistry())
	_, err = m.Evaluate(tp, []graph.NodeId{add.ID})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEvalFailure)
	require.ErrorIs(t, err, kernel.ErrUnimplemented)
}
