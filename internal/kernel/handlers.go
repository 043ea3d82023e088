package kernel

import (
	"github.com/pkg/errors"

	"github.com/born-ml/borncore/internal/oparg"
	"github.com/born-ml/borncore/internal/tape"
)

func handleInput(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 1); err != nil {
		return nil, err
	}
	return []Result{{Shape: cloneShape(inputs[0].Shape), Data: inputs[0].Data}}, nil
}

func handleReLU(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	out := make([]float32, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			out[i] = v
		}
	}
	return []Result{{Shape: cloneShape(x.Shape), Data: out}}, nil
}

// handleAdd fully supports equal shapes and the [N,M]+[1,M] row-wise bias
// broadcast; any other broadcast pattern reports Unimplemented, matching
// this core's stated scope for elementwise ops.
func handleAdd(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 2); err != nil {
		return nil, err
	}
	return elementwise(inputs[0], inputs[1], func(a, b float32) float32 { return a + b })
}

// handleMultiply fully supports equal-shape elementwise multiplication;
// other broadcasts report Unimplemented.
func handleMultiply(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, errors.Wrapf(ErrUnimplemented, "kernel: Multiply broadcast %v * %v not supported", a.Shape, b.Shape)
	}
	out := make([]float32, len(a.Data))
	for i := range out {
		out[i] = a.Data[i] * b.Data[i]
	}
	return []Result{{Shape: cloneShape(a.Shape), Data: out}}, nil
}

// elementwise implements equal-shape application of op, plus the [N,M]+
// [1,M] row-wise broadcast used by Add's bias form.
func elementwise(a, b Result, op func(float32, float32) float32) ([]Result, error) {
	if shapesEqual(a.Shape, b.Shape) {
		out := make([]float32, len(a.Data))
		for i := range out {
			out[i] = op(a.Data[i], b.Data[i])
		}
		return []Result{{Shape: cloneShape(a.Shape), Data: out}}, nil
	}

	wide, narrow := a, b
	if isRowBiasBroadcast(b.Shape, a.Shape) {
		wide, narrow = b, a
	} else if !isRowBiasBroadcast(a.Shape, b.Shape) {
		return nil, errors.Wrapf(ErrUnimplemented, "kernel: broadcast %v + %v not supported", a.Shape, b.Shape)
	}

	rows, cols := wide.Shape[0], wide.Shape[1]
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = op(wide.Data[r*cols+c], narrow.Data[c])
		}
	}
	return []Result{{Shape: cloneShape(wide.Shape), Data: out}}, nil
}

// isRowBiasBroadcast reports whether narrow is a [1,M] row that broadcasts
// against wide's [N,M] shape.
func isRowBiasBroadcast(wideShape, narrowShape []int) bool {
	return len(wideShape) == 2 && len(narrowShape) == 2 &&
		narrowShape[0] == 1 && narrowShape[1] == wideShape[1]
}

func shapesEqual(a, b []int) bool {
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

// handleMatMul fully supports rank-2 operands with optional per-operand
// transpose; higher ranks report Unimplemented.
func handleMatMul(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 2); err != nil {
		return nil, err
	}
	args, err := oparg.Cast[oparg.MatMulArgs](entry.Args)
	if err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, errors.Wrapf(ErrUnimplemented, "kernel: MatMul rank %d x rank %d not supported", len(a.Shape), len(b.Shape))
	}

	aRows, aCols := a.Shape[0], a.Shape[1]
	if args.TransposeA {
		aRows, aCols = aCols, aRows
	}
	bRows, bCols := b.Shape[0], b.Shape[1]
	if args.TransposeB {
		bRows, bCols = bCols, bRows
	}
	if aCols != bRows {
		return nil, errors.Errorf("kernel: MatMul inner dim mismatch %d != %d", aCols, bRows)
	}

	out := make([]float32, aRows*bCols)
	for i := 0; i < aRows; i++ {
		for j := 0; j < bCols; j++ {
			var sum float32
			for k := 0; k < aCols; k++ {
				av := matmulElem(a, args.TransposeA, i, k)
				bv := matmulElem(b, args.TransposeB, k, j)
				sum += av * bv
			}
			out[i*bCols+j] = sum
		}
	}
	return []Result{{Shape: []int{aRows, bCols}, Data: out}}, nil
}

func matmulElem(m Result, transpose bool, row, col int) float32 {
	cols := m.Shape[1]
	if transpose {
		return m.Data[col*cols+row]
	}
	return m.Data[row*cols+col]
}

// handleReduce fully supports Sum/Mean over the exact dims configurations
// spelled out by this core's shape rule (full reduction when dims is
// empty, and per-dim reduction otherwise); Max/Min report Unimplemented.
func handleReduce(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 1); err != nil {
		return nil, err
	}
	args, err := oparg.Cast[oparg.ReduceArgs](entry.Args)
	if err != nil {
		return nil, err
	}
	if args.Kind != oparg.ReduceSum && args.Kind != oparg.ReduceMean {
		return nil, errors.Wrapf(ErrUnimplemented, "kernel: Reduce kind %d not supported", args.Kind)
	}

	x := inputs[0]
	if len(args.Dims) == 0 {
		var sum float32
		for _, v := range x.Data {
			sum += v
		}
		if args.Kind == oparg.ReduceMean && len(x.Data) > 0 {
			sum /= float32(len(x.Data))
		}
		shape := []int{1}
		if args.KeepDim {
			shape = make([]int, len(x.Shape))
			for i := range shape {
				shape[i] = 1
			}
		}
		return []Result{{Shape: shape, Data: []float32{sum}}}, nil
	}

	reduced := make(map[int]bool, len(args.Dims))
	for _, d := range args.Dims {
		reduced[d] = true
	}
	outShape := make([]int, 0, len(x.Shape))
	for i, size := range x.Shape {
		if reduced[i] {
			if args.KeepDim {
				outShape = append(outShape, 1)
			}
			continue
		}
		outShape = append(outShape, size)
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}

	outSize := numElements(outShape)
	counts := make([]float32, outSize)
	sums := make([]float32, outSize)
	idx := make([]int, len(x.Shape))
	outStrides := rowMajorStrides(outShape)
	for flat := 0; flat < len(x.Data); flat++ {
		rem := flat
		for d := len(x.Shape) - 1; d >= 0; d-- {
			idx[d] = rem % x.Shape[d]
			rem /= x.Shape[d]
		}
		outIdx := 0
		outDim := 0
		for d := 0; d < len(x.Shape); d++ {
			if reduced[d] {
				if args.KeepDim {
					outDim++
				}
				continue
			}
			outIdx += idx[d] * outStrides[outDim]
			outDim++
		}
		sums[outIdx] += x.Data[flat]
		counts[outIdx]++
	}
	if args.Kind == oparg.ReduceMean {
		for i := range sums {
			if counts[i] > 0 {
				sums[i] /= counts[i]
			}
		}
	}
	return []Result{{Shape: outShape, Data: sums}}, nil
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// handleSplit fully supports splitting along any dim of a tensor of any
// rank; the last chunk may be smaller than SplitSize when the dimension
// does not divide evenly.
func handleSplit(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 1); err != nil {
		return nil, err
	}
	args, err := oparg.Cast[oparg.SplitArgs](entry.Args)
	if err != nil {
		return nil, err
	}
	x := inputs[0]
	dimSize := x.Shape[args.Dim]
	outer, inner := 1, 1
	for i, s := range x.Shape {
		if i < args.Dim {
			outer *= s
		} else if i > args.Dim {
			inner *= s
		}
	}

	var results []Result
	for start := 0; start < dimSize; start += args.SplitSize {
		chunk := args.SplitSize
		if start+chunk > dimSize {
			chunk = dimSize - start
		}
		shape := cloneShape(x.Shape)
		shape[args.Dim] = chunk
		data := make([]float32, outer*chunk*inner)
		for o := 0; o < outer; o++ {
			srcBase := o*dimSize*inner + start*inner
			dstBase := o * chunk * inner
			copy(data[dstBase:dstBase+chunk*inner], x.Data[srcBase:srcBase+chunk*inner])
		}
		results = append(results, Result{Shape: shape, Data: data})
	}
	return results, nil
}

// handleFusedMLP implements input @ weights + bias, with bias broadcast
// row-wise and an optional fused ReLU.
func handleFusedMLP(entry *tape.Entry, inputs []Result) ([]Result, error) {
	if err := arity(inputs, 3); err != nil {
		return nil, err
	}
	args, err := oparg.Cast[oparg.FusedMLPArgs](entry.Args)
	if err != nil {
		return nil, err
	}
	input, weights, bias := inputs[0], inputs[1], inputs[2]
	if len(input.Shape) != 2 || len(weights.Shape) != 2 {
		return nil, errors.Wrapf(ErrUnimplemented, "kernel: FusedMLP rank %d input not supported", len(input.Shape))
	}

	batch, inFeatures := input.Shape[0], input.Shape[1]
	wIn, outFeatures := weights.Shape[0], weights.Shape[1]
	if wIn != inFeatures {
		return nil, errors.Errorf("kernel: FusedMLP weight rows %d != input features %d", wIn, inFeatures)
	}
	if bias.Shape[len(bias.Shape)-1] != outFeatures {
		return nil, errors.Errorf("kernel: FusedMLP bias size %d != output features %d", bias.Shape[len(bias.Shape)-1], outFeatures)
	}

	out := make([]float32, batch*outFeatures)
	for b := 0; b < batch; b++ {
		for o := 0; o < outFeatures; o++ {
			var sum float32
			for k := 0; k < inFeatures; k++ {
				sum += input.Data[b*inFeatures+k] * weights.Data[k*outFeatures+o]
			}
			sum += bias.Data[o]
			if args.HasReLU && sum < 0 {
				sum = 0
			}
			out[b*outFeatures+o] = sum
		}
	}
	return []Result{{Shape: []int{batch, outFeatures}, Data: out}}, nil
}
