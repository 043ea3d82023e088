// Package kernel implements the dispatch table that executes one tape
// entry's operation against its already-evaluated inputs, plus the
// built-in elementwise, reduction, matmul, and fused handlers.
package kernel

import (
	"github.com/pkg/errors"

	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/oparg"
	"github.com/born-ml/borncore/internal/tape"
)

// ErrUnknownOpKind is returned when dispatching a tape entry whose Kind has
// no registered Handler.
var ErrUnknownOpKind = errors.New("kernel: unknown op kind")

// ErrArity is returned when a handler receives a number of inputs it
// cannot process.
var ErrArity = errors.New("kernel: arity mismatch")

// ErrUnimplemented is returned by a handler that recognizes the operation
// but cannot execute this particular combination of shapes/args — e.g. a
// non-bias broadcast for Add, or a reduction kind other than Sum/Mean.
var ErrUnimplemented = errors.New("kernel: unimplemented")

// Result is one evaluated output: its shape and flat row-major float32
// data.
type Result struct {
	Shape []int
	Data  []float32
}

// Handler computes an entry's output(s) given its inputs, gathered in the
// order the original engine's handlers consume them: lazy inputs (resolved
// via entry.InputNodeIDs, looked up in results) first, then entry's
// ConstantInputs, in that order.
type Handler func(entry *tape.Entry, inputs []Result) ([]Result, error)

// Registry maps an oparg.Kind to the Handler that executes it.
type Registry struct {
	handlers map[oparg.Kind]Handler
}

// NewRegistry returns a Registry with every built-in handler registered.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[oparg.Kind]Handler)}
	r.Register(oparg.KindInput, handleInput)
	r.Register(oparg.KindSplit, handleSplit)
	r.Register(oparg.KindMatMul, handleMatMul)
	r.Register(oparg.KindReduce, handleReduce)
	r.Register(oparg.KindReLU, handleReLU)
	r.Register(oparg.KindAdd, handleAdd)
	r.Register(oparg.KindMultiply, handleMultiply)
	r.Register(oparg.KindFusedMLP, handleFusedMLP)
	return r
}

// Register installs (or replaces) the Handler for kind, letting callers
// extend the dispatcher with their own op kinds.
func (r *Registry) Register(kind oparg.Kind, h Handler) {
	r.handlers[kind] = h
}

// IsRegistered reports whether kind has a Handler.
func (r *Registry) IsRegistered(kind oparg.Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// NumRegistered returns how many op kinds have a Handler.
func (r *Registry) NumRegistered() int {
	return len(r.handlers)
}

// Dispatch resolves entry's lazy inputs against resultsByID (each entry's
// primary/slot-0 output), appends its constant inputs, and invokes the
// registered Handler. Multi-output (Split) entries are read by slot
// elsewhere; they are never themselves a lazy input to another entry.
func (r *Registry) Dispatch(entry *tape.Entry, resultsByID map[graph.NodeId][]Result) ([]Result, error) {
	h, ok := r.handlers[entry.Kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOpKind, "kernel: op kind %d (%s)", entry.Kind, entry.Args.OpName())
	}

	inputs := make([]Result, 0, len(entry.InputNodeIDs)+len(entry.ConstantInputs))
	for _, id := range entry.InputNodeIDs {
		res, ok := resultsByID[id]
		if !ok || len(res) == 0 {
			return nil, errors.Errorf("kernel: missing evaluated input node %d for entry %d", id, entry.NodeID)
		}
		inputs = append(inputs, res[0])
	}
	for _, c := range entry.ConstantInputs {
		inputs = append(inputs, Result{Shape: c.Shape(), Data: c.Data()})
	}

	return h(entry, inputs)
}

func arity(inputs []Result, want int) error {
	if len(inputs) != want {
		return errors.Wrapf(ErrArity, "kernel: want %d inputs, got %d", want, len(inputs))
	}
	return nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
