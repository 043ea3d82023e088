// Package oparg implements the type-erased operation-argument store used by
// tape entries to carry per-op constants (transpose flags, split sizes,
// reduce dims, ...) without the tape package needing to import every op's
// concrete argument type.
//
// The original engine this core is descended from hand-rolls a small-buffer
// optimized, vtable-dispatched type-erased value (manual aligned_alloc plus
// per-type copy/move/destroy function pointers). Go has no portable way to
// reach the same memory layout without unsafe, and nothing in the rest of
// this module's stack does either, so OpArgs here is a closed Payload
// interface plus a reflect.Type-keyed Kind registry: a dense enum for the
// built-in op kinds that stays open for callers to register further payload
// types.
package oparg

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Kind identifies the concrete payload type stored in an OpArgs value.
type Kind uint32

// ErrKindMismatch is returned by Cast/TryCast when the stored payload's Kind
// does not match the requested type.
var ErrKindMismatch = errors.New("oparg: kind mismatch")

var (
	kindRegistry sync.Map // reflect.Type -> Kind
	nextKind     uint32
	kindMu       sync.Mutex
)

// KindOf returns the dense Kind assigned to payload type T, registering it
// on first reference. Calling KindOf[T]() repeatedly always returns the same
// value for a given process.
func KindOf[T Payload]() Kind {
	var zero T
	t := reflect.TypeOf(zero)
	if v, ok := kindRegistry.Load(t); ok {
		return v.(Kind)
	}
	kindMu.Lock()
	defer kindMu.Unlock()
	if v, ok := kindRegistry.Load(t); ok {
		return v.(Kind)
	}
	nextKind++
	k := Kind(nextKind)
	kindRegistry.Store(t, k)
	return k
}

// Payload is implemented by every concrete op-argument type storable in an
// OpArgs value.
type Payload interface {
	// OpName returns the human-readable operation name the payload backs,
	// e.g. "MatMul" or "Split".
	OpName() string
}

// Built-in op kinds, registered eagerly so their numeric Kind values are
// stable within a process regardless of call order.
var (
	KindInput    = KindOf[InputArgs]()
	KindSplit    = KindOf[SplitArgs]()
	KindMatMul   = KindOf[MatMulArgs]()
	KindReduce   = KindOf[ReduceArgs]()
	KindReLU     = KindOf[ReLUArgs]()
	KindAdd      = KindOf[AddArgs]()
	KindMultiply = KindOf[MultiplyArgs]()
	KindFusedMLP = KindOf[FusedMLPArgs]()
)

// InputArgs backs a graph leaf node holding externally supplied data.
type InputArgs struct{}

// OpName implements Payload.
func (InputArgs) OpName() string { return "Input" }

// SplitArgs backs a Split op: split the input into chunks of SplitSize
// along Dim.
type SplitArgs struct {
	SplitSize int
	Dim       int
}

// OpName implements Payload.
func (SplitArgs) OpName() string { return "Split" }

// MatMulArgs backs a MatMul op.
type MatMulArgs struct {
	TransposeA bool
	TransposeB bool
}

// OpName implements Payload.
func (MatMulArgs) OpName() string { return "MatMul" }

// ReduceKind selects which reduction MatMulArgs' sibling, ReduceArgs,
// performs.
type ReduceKind int

const (
	ReduceSum ReduceKind = iota
	ReduceMean
	ReduceMax
	ReduceMin
)

// ReduceArgs backs a Reduce op over Dims, optionally keeping the reduced
// dimensions as size-1 entries.
type ReduceArgs struct {
	Dims    []int
	KeepDim bool
	Kind    ReduceKind
}

// NewReduceArgs copies dims defensively, matching the payload's immutable-
// once-constructed contract.
func NewReduceArgs(dims []int, keepDim bool, kind ReduceKind) ReduceArgs {
	d := make([]int, len(dims))
	copy(d, dims)
	return ReduceArgs{Dims: d, KeepDim: keepDim, Kind: kind}
}

// OpName implements Payload.
func (ReduceArgs) OpName() string { return "Reduce" }

// ReLUArgs backs a ReLU op.
type ReLUArgs struct {
	Inplace bool
}

// OpName implements Payload.
func (ReLUArgs) OpName() string { return "ReLU" }

// AddArgs backs an elementwise Add op.
type AddArgs struct{}

// OpName implements Payload.
func (AddArgs) OpName() string { return "Add" }

// MultiplyArgs backs an elementwise Multiply op.
type MultiplyArgs struct{}

// OpName implements Payload.
func (MultiplyArgs) OpName() string { return "Multiply" }

// FusedMLPArgs backs a fused MatMul+Add(+ReLU) op synthesized by the fusion
// pass (or constructed directly by a caller).
type FusedMLPArgs struct {
	HasReLU   bool
	DebugInfo string
}

// OpName implements Payload.
func (FusedMLPArgs) OpName() string { return "FusedMLP" }

// OpArgs is a type-erased, copyable container for one op's constant
// arguments.
type OpArgs struct {
	kind    Kind
	payload Payload
}

// Make constructs an OpArgs holding value, tagged with value's registered
// Kind.
func Make[T Payload](value T) OpArgs {
	return OpArgs{kind: KindOf[T](), payload: value}
}

// HasValue reports whether the OpArgs was constructed via Make (the zero
// value holds nothing, mirroring the original's default-constructed
// has_value() == false state).
func (a OpArgs) HasValue() bool {
	return a.payload != nil
}

// Kind returns the payload's registered Kind. Calling Kind on a zero OpArgs
// returns 0, which is never assigned to a registered payload type.
func (a OpArgs) Kind() Kind {
	return a.kind
}

// OpName returns the payload's op name, or "" if the OpArgs holds nothing.
func (a OpArgs) OpName() string {
	if a.payload == nil {
		return ""
	}
	return a.payload.OpName()
}

// Is reports whether the OpArgs holds a payload of type T.
func Is[T Payload](a OpArgs) bool {
	return a.kind == KindOf[T]() && a.payload != nil
}

// TryCast returns the stored payload as T and true, or the zero T and false
// if the OpArgs holds a different Kind.
func TryCast[T Payload](a OpArgs) (T, bool) {
	if !Is[T](a) {
		var zero T
		return zero, false
	}
	return a.payload.(T), true
}

// Cast returns the stored payload as T, or wraps ErrKindMismatch describing
// the mismatch.
func Cast[T Payload](a OpArgs) (T, error) {
	v, ok := TryCast[T](a)
	if !ok {
		var zero T
		return zero, errors.Wrapf(ErrKindMismatch, "oparg: want %T, have %s", zero, a.OpName())
	}
	return v, nil
}
