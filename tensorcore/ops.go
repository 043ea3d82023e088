package tensorcore

import (
	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/oparg"
)

// MatMulOption configures a MatMul call.
type MatMulOption func(*oparg.MatMulArgs)

// TransposeA marks the first operand as transposed before multiplication.
func TransposeA() MatMulOption { return func(a *oparg.MatMulArgs) { a.TransposeA = true } }

// TransposeB marks the second operand as transposed before multiplication.
func TransposeB() MatMulOption { return func(a *oparg.MatMulArgs) { a.TransposeB = true } }

// MatMul returns a @ b (optionally transposing either operand first),
// backed by the default Graph. Shape errors are attached to the returned
// handle; check (Tensor).Err().
func MatMul(a, b Tensor, opts ...MatMulOption) Tensor { return defaultGraph.MatMul(a, b, opts...) }

// MatMul returns a @ b (optionally transposing either operand first).
func (g *Graph) MatMul(a, b Tensor, opts ...MatMulOption) Tensor {
	var args oparg.MatMulArgs
	for _, opt := range opts {
		opt(&args)
	}
	if a.Err() != nil {
		return a
	}
	if b.Err() != nil {
		return b
	}

	as, bs := a.Shape(), b.Shape()
	if len(as) < 2 || len(bs) < 2 {
		return errTensor(g, shapeErr("MatMul", RankTooLow, "both operands must have rank >= 2"))
	}
	aRows, aCols := as[len(as)-2], as[len(as)-1]
	if args.TransposeA {
		aRows, aCols = aCols, aRows
	}
	bRows, bCols := bs[len(bs)-2], bs[len(bs)-1]
	if args.TransposeB {
		bRows, bCols = bCols, bRows
	}
	if aCols != bRows {
		return errTensor(g, shapeErr("MatMul", DimMismatch, "inner dimensions must match"))
	}

	outShape := append([]int(nil), as[:len(as)-2]...)
	outShape = append(outShape, aRows, bCols)

	n := g.store.CreateNode(oparg.KindMatMul, oparg.Make(args), []graph.NodeId{a.s.nodeID, b.s.nodeID}, [][]int{outShape})
	return newTensor(g, n.ID, 0, outShape)
}

// Add returns a + b, fully supporting equal shapes and the [N,M]+[1,M]
// row-wise bias broadcast. Backed by the default Graph.
func Add(a, b Tensor) Tensor { return defaultGraph.Add(a, b) }

// Add returns a + b.
func (g *Graph) Add(a, b Tensor) Tensor {
	return g.elementwiseCtor("Add", oparg.KindAdd, oparg.Make(oparg.AddArgs{}), a, b)
}

// Multiply returns a * b elementwise, fully supporting equal shapes.
// Backed by the default Graph.
func Multiply(a, b Tensor) Tensor { return defaultGraph.Multiply(a, b) }

// Multiply returns a * b elementwise.
func (g *Graph) Multiply(a, b Tensor) Tensor {
	return g.elementwiseCtor("Multiply", oparg.KindMultiply, oparg.Make(oparg.MultiplyArgs{}), a, b)
}

func (g *Graph) elementwiseCtor(op string, kind oparg.Kind, args oparg.OpArgs, a, b Tensor) Tensor {
	if a.Err() != nil {
		return a
	}
	if b.Err() != nil {
		return b
	}
	as, bs := a.Shape(), b.Shape()
	outShape, ok := broadcastShape(as, bs)
	if !ok {
		return errTensor(g, shapeErr(op, BroadcastIncompatible, "shapes cannot be broadcast together"))
	}
	n := g.store.CreateNode(kind, args, []graph.NodeId{a.s.nodeID, b.s.nodeID}, [][]int{outShape})
	return newTensor(g, n.ID, 0, outShape)
}

// broadcastShape reports the shape-checking contract for Add/Multiply:
// equal shapes always succeed; a [1,M] operand against an [N,M] operand
// succeeds as the specialized row-bias broadcast; anything else is
// rejected at construction (the kernel's own Unimplemented reports are
// reserved for shapes this check lets through but the kernel still can't
// execute, e.g. Multiply's row broadcast).
func broadcastShape(a, b []int) ([]int, bool) {
	if shapeEqual(a, b) {
		return append([]int(nil), a...), true
	}
	if len(a) == 2 && len(b) == 2 {
		if b[0] == 1 && b[1] == a[1] {
			return append([]int(nil), a...), true
		}
		if a[0] == 1 && a[1] == b[1] {
			return append([]int(nil), b...), true
		}
	}
	return nil, false
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ReLU returns max(0, x) elementwise. Backed by the default Graph.
func ReLU(x Tensor) Tensor { return defaultGraph.ReLU(x) }

// ReLU returns max(0, x) elementwise.
func (g *Graph) ReLU(x Tensor) Tensor {
	if x.Err() != nil {
		return x
	}
	n := g.store.CreateNode(oparg.KindReLU, oparg.Make(oparg.ReLUArgs{}), []graph.NodeId{x.s.nodeID}, [][]int{x.Shape()})
	return newTensor(g, n.ID, 0, x.Shape())
}

// Split divides x into chunks of size size along dim, with the final chunk
// holding any remainder. Backed by the default Graph. Returns an error
// directly, matching FromBuffer, since the result is a slice rather than a
// single handle that could carry an attached error.
func Split(x Tensor, size, dim int) ([]Tensor, error) { return defaultGraph.Split(x, size, dim) }

// Split divides x into chunks of size size along dim.
func (g *Graph) Split(x Tensor, size, dim int) ([]Tensor, error) {
	if err := x.Err(); err != nil {
		return nil, err
	}
	shape := x.Shape()
	if dim < 0 || dim >= len(shape) {
		return nil, shapeErr("Split", BadDim, "dim out of range")
	}
	if size <= 0 {
		return nil, shapeErr("Split", BadSize, "split size must be positive")
	}

	dimSize := shape[dim]
	numOutputs := (dimSize + size - 1) / size
	outShapes := make([][]int, numOutputs)
	remaining := dimSize
	for i := 0; i < numOutputs; i++ {
		chunk := size
		if chunk > remaining {
			chunk = remaining
		}
		s := append([]int(nil), shape...)
		s[dim] = chunk
		outShapes[i] = s
		remaining -= chunk
	}

	n := g.store.CreateNode(oparg.KindSplit, oparg.Make(oparg.SplitArgs{SplitSize: size, Dim: dim}), []graph.NodeId{x.s.nodeID}, outShapes)
	out := make([]Tensor, numOutputs)
	for i := range out {
		out[i] = newTensor(g, n.ID, i, outShapes[i])
	}
	return out, nil
}

// ReduceSum reduces x by summation over dims (or, if dims is empty, over
// every dimension), optionally keeping the reduced dimensions as size-1
// entries. Backed by the default Graph.
func ReduceSum(x Tensor, dims []int, keepdim bool) Tensor {
	return defaultGraph.ReduceSum(x, dims, keepdim)
}

// ReduceSum reduces x by summation over dims.
func (g *Graph) ReduceSum(x Tensor, dims []int, keepdim bool) Tensor {
	return g.reduce(x, dims, keepdim, oparg.ReduceSum)
}

func (g *Graph) reduce(x Tensor, dims []int, keepdim bool, kind oparg.ReduceKind) Tensor {
	if x.Err() != nil {
		return x
	}
	shape := x.Shape()
	for _, d := range dims {
		if d < 0 || d >= len(shape) {
			return errTensor(g, shapeErr("Reduce", BadDim, "dim out of range for this rank"))
		}
	}

	reduced := make(map[int]bool, len(dims))
	for _, d := range dims {
		reduced[d] = true
	}
	var outShape []int
	if len(dims) == 0 {
		if keepdim {
			outShape = make([]int, len(shape))
			for i := range outShape {
				outShape[i] = 1
			}
		} else {
			outShape = []int{1}
		}
	} else {
		for i, size := range shape {
			if reduced[i] {
				if keepdim {
					outShape = append(outShape, 1)
				}
				continue
			}
			outShape = append(outShape, size)
		}
		if len(outShape) == 0 {
			outShape = []int{1}
		}
	}

	args := oparg.NewReduceArgs(dims, keepdim, kind)
	n := g.store.CreateNode(oparg.KindReduce, oparg.Make(args), []graph.NodeId{x.s.nodeID}, [][]int{outShape})
	return newTensor(g, n.ID, 0, outShape)
}

// FusedMLP computes ReLU(x @ w + b) if hasReLU, else x @ w + b, as a
// single fused operation. Backed by the default Graph.
func FusedMLP(x, w, b Tensor, hasReLU bool) Tensor { return defaultGraph.FusedMLP(x, w, b, hasReLU) }

// FusedMLP computes ReLU(x @ w + b) if hasReLU, else x @ w + b.
func (g *Graph) FusedMLP(x, w, b Tensor, hasReLU bool) Tensor {
	if x.Err() != nil {
		return x
	}
	if w.Err() != nil {
		return w
	}
	if b.Err() != nil {
		return b
	}
	xs, ws, bs := x.Shape(), w.Shape(), b.Shape()
	if len(xs) != 2 || len(ws) != 2 {
		return errTensor(g, shapeErr("FusedMLP", RankTooLow, "input and weights must be rank 2"))
	}
	if xs[1] != ws[0] {
		return errTensor(g, shapeErr("FusedMLP", DimMismatch, "input features must match weights' first dimension"))
	}
	outFeatures := ws[1]
	if len(bs) == 0 || bs[len(bs)-1] != outFeatures {
		return errTensor(g, shapeErr("FusedMLP", DimMismatch, "bias size must match output features"))
	}

	outShape := []int{xs[0], outFeatures}
	n := g.store.CreateNode(oparg.KindFusedMLP, oparg.Make(oparg.FusedMLPArgs{HasReLU: hasReLU}),
		[]graph.NodeId{x.s.nodeID, w.s.nodeID, b.s.nodeID}, [][]int{outShape})
	return newTensor(g, n.ID, 0, outShape)
}
