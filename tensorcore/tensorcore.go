// Package tensorcore is the public façade over the lazy tensor evaluation
// engine: it owns the Tensor handle type, the operation constructors that
// build a compute graph, and a default package-level Graph so callers who
// don't need isolation never have to construct one explicitly.
package tensorcore

import (
	"github.com/pkg/errors"

	"github.com/born-ml/borncore/internal/eval"
	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/kernel"
	"github.com/born-ml/borncore/internal/oparg"
	"github.com/born-ml/borncore/internal/tape"
	"github.com/born-ml/borncore/internal/tape/passes"
)

// ShapeReason classifies why a shape-erroring constructor rejected its
// inputs.
type ShapeReason int

const (
	RankTooLow ShapeReason = iota
	DimMismatch
	BroadcastIncompatible
	BadDim
	BadSize
)

func (r ShapeReason) String() string {
	switch r {
	case RankTooLow:
		return "RankTooLow"
	case DimMismatch:
		return "DimMismatch"
	case BroadcastIncompatible:
		return "BroadcastIncompatible"
	case BadDim:
		return "BadDim"
	case BadSize:
		return "BadSize"
	default:
		return "Unknown"
	}
}

// ShapeError is returned (attached to a Tensor via Err, or returned
// directly by FromBuffer/Split) when an operation's inputs cannot be
// shape-checked successfully.
type ShapeError struct {
	Op     string
	Reason ShapeReason
	Detail string
}

func (e *ShapeError) Error() string {
	return errors.Errorf("tensorcore: %s: %s: %s", e.Op, e.Reason, e.Detail).Error()
}

func shapeErr(op string, reason ShapeReason, detail string) *ShapeError {
	return &ShapeError{Op: op, Reason: reason, Detail: detail}
}

// lifecycle mirrors the single-writer Lazy -> Scheduled -> Evaluated state
// machine that guards reentrant evaluation.
type lifecycle int

const (
	lazyState lifecycle = iota
	scheduledState
	evaluatedState
)

// spec is the state shared by every copy of one Tensor handle: its node,
// output slot, shape, lifecycle state, and any constructor error. Each
// constructor call (and each Split chunk) gets its own spec; evaluated data
// lives in the evaluation manager, keyed by node.
type spec struct {
	graph       *Graph
	nodeID      graph.NodeId
	outputIndex int
	shape       []int
	state       lifecycle
	err         error
}

// Tensor is a lazy handle into a compute graph: constructing one never
// evaluates anything, it only records a node. Call Eval to materialize
// Data.
type Tensor struct {
	s *spec
}

// ProducerID implements graph.InputHandle.
func (t Tensor) ProducerID() (graph.NodeId, bool) {
	if t.s == nil {
		return 0, false
	}
	return t.s.nodeID, true
}

// Shape implements graph.Value.
func (t Tensor) Shape() []int {
	if t.s == nil {
		return nil
	}
	return append([]int(nil), t.s.shape...)
}

// Data implements graph.Value. It returns nil if the tensor has not been
// evaluated (or was evaluated and produced zero elements).
func (t Tensor) Data() []float32 {
	if t.s == nil || t.s.graph == nil {
		return nil
	}
	r, ok := t.s.graph.manager.ResultAt(t.s.nodeID, t.s.outputIndex)
	if !ok {
		return nil
	}
	return r.Data
}

// DType reports the tensor's element type. This core only ever produces
// float32 data.
func (t Tensor) DType() string { return "float32" }

// Rank returns the tensor's number of dimensions.
func (t Tensor) Rank() int { return len(t.Shape()) }

// Size returns the extent of dimension dim.
func (t Tensor) Size(dim int) int {
	sh := t.Shape()
	if dim < 0 || dim >= len(sh) {
		return 0
	}
	return sh[dim]
}

// TotalElements returns the product of all of the tensor's dimensions.
func (t Tensor) TotalElements() int {
	n := 1
	for _, d := range t.Shape() {
		n *= d
	}
	return n
}

// ErrZeroTensor is returned by Err on a zero-value Tensor — one with no
// spec attached at all, e.g. a caller ignoring an error return from
// FromBuffer or Split and passing the resulting Tensor{} into another
// constructor. Every shape-erroring constructor checks Err before touching
// its operands' internals, so this sentinel propagates instead of a nil
// pointer dereference.
var ErrZeroTensor = errors.New("tensorcore: zero-value Tensor has no attached node")

// Err returns the error, if any, attached to this handle by the
// constructor that produced it (shape validation failures for
// MatMul/Add/Multiply/ReduceSum/FusedMLP), or ErrZeroTensor if the handle
// is the zero value.
func (t Tensor) Err() error {
	if t.s == nil {
		return ErrZeroTensor
	}
	return t.s.err
}

// Eval materializes the tensor's value (and every value it transitively
// depends on) by compiling and running the owning Graph's tape. Calling
// Eval on an already-Scheduled handle (a reentrant call reached while that
// same tensor's own evaluation is still in flight) returns immediately
// without error, per this core's reentrancy guard.
func (t Tensor) Eval() error {
	if t.s == nil {
		return errors.New("tensorcore: Eval called on a zero-value Tensor")
	}
	if t.s.err != nil {
		return t.s.err
	}
	if t.s.state == scheduledState {
		// Reentrant call reached while this same tensor's own
		// evaluation is still in flight: short-circuit rather than
		// recursing. A completed evaluation still re-enters below, so
		// repeat top-level Eval calls report cache hits rather than
		// silently doing nothing.
		return nil
	}
	t.s.state = scheduledState
	err := t.s.graph.evaluate(t.s.nodeID)
	if err != nil {
		t.s.state = lazyState
		return err
	}
	t.s.state = evaluatedState
	return nil
}

func newTensor(g *Graph, nodeID graph.NodeId, outputIndex int, shape []int) Tensor {
	return Tensor{s: &spec{graph: g, nodeID: nodeID, outputIndex: outputIndex, shape: shape}}
}

func errTensor(g *Graph, err error) Tensor {
	return Tensor{s: &spec{graph: g, err: err}}
}

// GraphOption configures a Graph at construction time.
type GraphOption func(*Graph)

// WithOptimization enables or disables the tape optimization passes
// (dead code elimination, MatMul+Add fusion). Optimization is on by
// default.
func WithOptimization(enabled bool) GraphOption {
	return func(g *Graph) { g.optimize = enabled }
}

// WithPass registers an additional tape optimization pass alongside the
// built-in ones.
func WithPass(p tape.Pass) GraphOption {
	return func(g *Graph) { g.passRegistry.Register(p) }
}

// WithKernel registers (or overrides) the handler used for a given op
// kind.
func WithKernel(kind oparg.Kind, h kernel.Handler) GraphOption {
	return func(g *Graph) { g.kernelRegistry.Register(kind, h) }
}

// Graph bundles a node store, tape compiler, kernel registry, and
// evaluation manager into one isolated unit. Each package-level free
// function (Zeros, MatMul, ...) operates on a package-level default Graph;
// construct your own with NewGraph for isolation from other callers or
// concurrent use.
type Graph struct {
	store          *graph.Store
	optimize       bool
	passRegistry   *tape.Registry
	kernelRegistry *kernel.Registry
	manager        *eval.Manager
}

// NewGraph returns a new, empty Graph with the built-in passes and kernels
// registered, as configured by opts.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		store:          graph.NewStore(),
		optimize:       true,
		passRegistry:   tape.NewRegistry(),
		kernelRegistry: kernel.NewRegistry(),
	}
	g.passRegistry.Register(passes.DeadCodeElimination{})
	g.passRegistry.Register(passes.MLPFusion{})
	for _, opt := range opts {
		opt(g)
	}
	g.manager = eval.NewManager(g.kernelRegistry)
	return g
}

// Stats returns the Graph's evaluation manager statistics.
func (g *Graph) Stats() eval.Stats {
	return g.manager.Stats()
}

// ClearCache discards every memoized evaluation result on this Graph.
func (g *Graph) ClearCache() {
	g.manager.ClearCache()
}

func (g *Graph) evaluate(root graph.NodeId) error {
	compiler := tape.NewCompiler(g.optimize, g.passRegistry)
	t, _, err := compiler.Compile(g.store, []graph.NodeId{root})
	if err != nil {
		return err
	}
	_, err = g.manager.Evaluate(t, []graph.NodeId{root})
	return err
}

var defaultGraph = NewGraph()

// leafValue adapts a concrete float32 buffer into a graph.Value so it can
// back an Input node without needing its own Tensor handle.
type leafValue struct {
	shape []int
	data  []float32
}

func (v leafValue) ProducerID() (graph.NodeId, bool) { return 0, false }
func (v leafValue) Shape() []int                     { return v.shape }
func (v leafValue) Data() []float32                  { return v.data }

func (g *Graph) input(data []float32, shape []int) Tensor {
	n := g.store.CreateInputNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), leafValue{shape: shape, data: data}, shape)
	return newTensor(g, n.ID, 0, shape)
}

// Zeros returns a Tensor filled with zeros of the given shape, backed by
// the default Graph.
func Zeros(shape []int) Tensor { return defaultGraph.Zeros(shape) }

// Zeros returns a Tensor filled with zeros of the given shape.
func (g *Graph) Zeros(shape []int) Tensor {
	data := make([]float32, totalElements(shape))
	return g.input(data, shape)
}

// Ones returns a Tensor filled with ones of the given shape, backed by the
// default Graph.
func Ones(shape []int) Tensor { return defaultGraph.Ones(shape) }

// Ones returns a Tensor filled with ones of the given shape.
func (g *Graph) Ones(shape []int) Tensor {
	data := make([]float32, totalElements(shape))
	for i := range data {
		data[i] = 1
	}
	return g.input(data, shape)
}

// Rand returns a Tensor of the given shape filled via fill, a
// caller-supplied generator (this core ships no RNG of its own), backed by
// the default Graph.
func Rand(shape []int, fill func(i int) float32) Tensor { return defaultGraph.Rand(shape, fill) }

// Rand returns a Tensor of the given shape filled via fill.
func (g *Graph) Rand(shape []int, fill func(i int) float32) Tensor {
	n := totalElements(shape)
	data := make([]float32, n)
	for i := range data {
		data[i] = fill(i)
	}
	return g.input(data, shape)
}

// FromBuffer returns a Tensor backed by data, which must have exactly
// TotalElements(shape) entries, using the default Graph. Unlike the other
// constructors, FromBuffer returns an error directly: there is no node to
// attach it to until the buffer length is known to be valid.
func FromBuffer(shape []int, data []float32) (Tensor, error) { return defaultGraph.FromBuffer(shape, data) }

// FromBuffer returns a Tensor backed by data.
func (g *Graph) FromBuffer(shape []int, data []float32) (Tensor, error) {
	want := totalElements(shape)
	if len(data) != want {
		return Tensor{}, shapeErr("FromBuffer", BadSize, errors.Errorf("buffer has %d elements, shape %v wants %d", len(data), shape, want).Error())
	}
	buf := make([]float32, len(data))
	copy(buf, data)
	return g.input(buf, shape), nil
}

func totalElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
