package graph

import (
	"errors"
	"testing"

	"github.com/born-ml/borncore/internal/oparg"
)

func TestCreateNodeAssignsIncreasingIds(t *testing.T) {
	s := NewStore()
	a := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{2, 2}})
	b := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{2, 2}})
	if a.ID == 0 || b.ID == 0 {
		t.Fatalf("NodeId 0 must never be assigned")
	}
	if b.ID <= a.ID {
		t.Fatalf("NodeIds must be strictly increasing: a=%d b=%d", a.ID, b.ID)
	}
}

func TestDependenciesPostOrder(t *testing.T) {
	s := NewStore()
	x := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{2, 2}})
	w := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{2, 2}})
	mm := s.CreateNode(oparg.KindMatMul, oparg.Make(oparg.MatMulArgs{}), []NodeId{x.ID, w.ID}, [][]int{{2, 2}})

	deps := s.Dependencies([]NodeId{mm.ID})
	pos := make(map[NodeId]int, len(deps))
	for i, id := range deps {
		pos[id] = i
	}
	if pos[mm.ID] != len(deps)-1 {
		t.Fatalf("root must come last in post-order, got position %d of %d", pos[mm.ID], len(deps))
	}
	if pos[x.ID] >= pos[mm.ID] || pos[w.ID] >= pos[mm.ID] {
		t.Fatalf("inputs must precede their consumer")
	}
}

func TestTopologicalOrderDeterministicTieBreak(t *testing.T) {
	s := NewStore()
	// Two independent inputs feeding one consumer: ties among ready nodes
	// must break by smallest NodeId.
	a := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{1}})
	b := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{1}})
	add := s.CreateNode(oparg.KindAdd, oparg.Make(oparg.AddArgs{}), []NodeId{a.ID, b.ID}, [][]int{{1}})

	order, err := s.TopologicalOrder([]NodeId{add.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []NodeId{a.ID, b.ID, add.ID}
	if len(order) != len(want) {
		t.Fatalf("order length = %d, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %d, want %d (order=%v)", i, order[i], want[i], order)
		}
	}
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	s := NewStore()
	// Manually construct a cycle: a depends on b, b depends on a.
	a := s.CreateNode(oparg.KindAdd, oparg.Make(oparg.AddArgs{}), nil, [][]int{{1}})
	b := s.CreateNode(oparg.KindAdd, oparg.Make(oparg.AddArgs{}), []NodeId{a.ID}, [][]int{{1}})
	s.nodes[a.ID].Inputs = []NodeId{b.ID}

	_, err := s.TopologicalOrder([]NodeId{b.ID})
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected errors.Is(err, ErrCycleDetected), got %v", err)
	}
}

func TestFindNodesOfKind(t *testing.T) {
	s := NewStore()
	s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{1}})
	m1 := s.CreateNode(oparg.KindMatMul, oparg.Make(oparg.MatMulArgs{}), nil, [][]int{{1}})
	m2 := s.CreateNode(oparg.KindMatMul, oparg.Make(oparg.MatMulArgs{}), nil, [][]int{{1}})

	found := s.FindNodesOfKind(oparg.KindMatMul)
	if len(found) != 2 {
		t.Fatalf("expected 2 matmul nodes, got %d", len(found))
	}
	if found[0].ID != m1.ID || found[1].ID != m2.ID {
		t.Fatalf("expected ascending id order, got %v", found)
	}
}

func TestClearResetsStore(t *testing.T) {
	s := NewStore()
	n := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{1}})
	s.Clear()
	if s.GetNode(n.ID) != nil {
		t.Fatalf("Clear must remove all nodes")
	}
	n2 := s.CreateNode(oparg.KindInput, oparg.Make(oparg.InputArgs{}), nil, [][]int{{1}})
	if n2.ID != 1 {
		t.Fatalf("Clear must reset id assignment, got first id %d", n2.ID)
	}
}
