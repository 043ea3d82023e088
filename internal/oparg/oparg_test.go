package oparg

import (
	"errors"
	"testing"
)

func TestMakeAndCast(t *testing.T) {
	tests := []struct {
		name string
		args OpArgs
		want string
	}{
		{"input", Make(InputArgs{}), "Input"},
		{"matmul", Make(MatMulArgs{TransposeA: true}), "MatMul"},
		{"split", Make(SplitArgs{SplitSize: 2, Dim: 1}), "Split"},
		{"fused_mlp", Make(FusedMLPArgs{HasReLU: true}), "FusedMLP"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.args.HasValue() {
				t.Fatalf("expected HasValue() == true")
			}
			if got := tc.args.OpName(); got != tc.want {
				t.Fatalf("OpName() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestZeroValueHasNoValue(t *testing.T) {
	var a OpArgs
	if a.HasValue() {
		t.Fatalf("zero OpArgs should have HasValue() == false")
	}
	if a.OpName() != "" {
		t.Fatalf("zero OpArgs OpName() = %q, want empty", a.OpName())
	}
}

func TestTryCastMismatch(t *testing.T) {
	a := Make(MatMulArgs{TransposeB: true})
	if _, ok := TryCast[AddArgs](a); ok {
		t.Fatalf("TryCast[AddArgs] on a MatMulArgs payload should fail")
	}
	got, ok := TryCast[MatMulArgs](a)
	if !ok {
		t.Fatalf("TryCast[MatMulArgs] should succeed")
	}
	if !got.TransposeB {
		t.Fatalf("TryCast lost field value: got %+v", got)
	}
}

func TestCastMismatchWrapsSentinel(t *testing.T) {
	a := Make(ReLUArgs{})
	_, err := Cast[SplitArgs](a)
	if err == nil {
		t.Fatalf("expected error casting ReLUArgs as SplitArgs")
	}
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected errors.Is(err, ErrKindMismatch), got %v", err)
	}
}

func TestKindOfStable(t *testing.T) {
	if KindOf[MatMulArgs]() != KindMatMul {
		t.Fatalf("KindOf[MatMulArgs]() should equal the package-level KindMatMul")
	}
	if KindOf[AddArgs]() == KindOf[MultiplyArgs]() {
		t.Fatalf("distinct payload types must get distinct Kind values")
	}
}

func TestReduceArgsDefensiveCopy(t *testing.T) {
	dims := []int{0, 1}
	ra := NewReduceArgs(dims, true, ReduceSum)
	dims[0] = 99
	if ra.Dims[0] == 99 {
		t.Fatalf("NewReduceArgs must copy Dims defensively")
	}
}

func TestIsHelper(t *testing.T) {
	a := Make(AddArgs{})
	if !Is[AddArgs](a) {
		t.Fatalf("Is[AddArgs] should report true for an AddArgs payload")
	}
	if Is[MultiplyArgs](a) {
		t.Fatalf("Is[MultiplyArgs] should report false for an AddArgs payload")
	}
}
