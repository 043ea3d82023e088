// Package main provides the borncore CLI.
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/born-ml/borncore/tensorcore"
)

const version = "v0.0.1-dev"

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	if len(os.Args) > 1 && os.Args[1] == "version" {
		flag.CommandLine.Parse(os.Args[2:])
		fmt.Printf("borncore %s\n", version)
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "demo" {
		flag.CommandLine.Parse(os.Args[2:])
		runDemo()
		return
	}
	flag.Parse()

	fmt.Println("borncore - a lazy tensor evaluation engine")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  demo       Build and evaluate a small fused MLP graph")
}

// runDemo builds x @ w + b (fused, with a trailing ReLU) on the default
// Graph and prints the result, so the CLI exercises the same
// compile/optimize/dispatch path a library caller would.
func runDemo() {
	x, err := tensorcore.FromBuffer([]int{1, 3}, []float32{1, 2, 3})
	if err != nil {
		klog.Exitf("borncore: building input: %v", err)
	}
	w, err := tensorcore.FromBuffer([]int{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	if err != nil {
		klog.Exitf("borncore: building weights: %v", err)
	}
	b, err := tensorcore.FromBuffer([]int{1, 2}, []float32{1, 1})
	if err != nil {
		klog.Exitf("borncore: building bias: %v", err)
	}

	y := tensorcore.FusedMLP(x, w, b, true)
	if err := y.Err(); err != nil {
		klog.Exitf("borncore: constructing FusedMLP: %v", err)
	}
	if err := y.Eval(); err != nil {
		klog.Exitf("borncore: evaluating: %v", err)
	}

	klog.V(1).Infof("evaluated FusedMLP node %v", y.Shape())
	fmt.Printf("result: %v\n", y.Data())
}
