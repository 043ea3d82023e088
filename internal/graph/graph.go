// Package graph owns the compute-graph node store: it assigns NodeIds,
// records producer/consumer edges, and provides dependency walks and a
// deterministic topological sort. Nothing in this package knows about op
// kinds, kernels, or tapes — those live in sibling packages that reference
// nodes purely by NodeId.
package graph

import (
	"container/heap"
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/borncore/internal/oparg"
)

// NodeId uniquely identifies a node within a Store. Ids are assigned
// monotonically starting at 1; 0 is never a valid NodeId.
type NodeId uint64

// ErrCycleDetected is returned by TopologicalOrder when the requested roots
// cannot be linearized because the underlying edges contain a cycle.
var ErrCycleDetected = errors.New("graph: cycle detected")

// InputHandle is implemented by any lightweight reference to a node's
// producing operation. It lets sibling packages (tape, kernel) accept
// values without importing the root façade package that actually
// implements it, avoiding an import cycle.
type InputHandle interface {
	// ProducerID returns the NodeId that produces this value and true, or
	// (0, false) if the value has no producing node (e.g. is not yet
	// attached to any graph).
	ProducerID() (NodeId, bool)
}

// Value extends InputHandle with the shape/data accessors the tape and
// kernel layers need without depending on the concrete Tensor type.
type Value interface {
	InputHandle
	Shape() []int
	Data() []float32
}

// Node is one record in a Store: an operation kind, its constant arguments,
// its lazy inputs (by NodeId), and the shapes of the values it produces.
type Node struct {
	ID           NodeId
	Kind         oparg.Kind
	Args         oparg.OpArgs
	Inputs       []NodeId
	OutputShapes [][]int

	// Value holds the externally supplied data backing an Input-kind
	// node. It is nil for every other kind: their outputs come from
	// evaluating their Inputs, not from a value attached at construction.
	Value Value
}

// NumOutputs reports how many values this node produces (1 for every op
// except Split).
func (n *Node) NumOutputs() int {
	return len(n.OutputShapes)
}

// Store owns all Node records for one graph instance and assigns their
// NodeIds. A Store is not safe for concurrent use; callers needing
// concurrent evaluation should use separate Stores.
type Store struct {
	nodes  map[NodeId]*Node
	nextID NodeId
}

// NewStore returns an empty node store.
func NewStore() *Store {
	return &Store{nodes: make(map[NodeId]*Node)}
}

// CreateNode allocates a new NodeId, records a Node with the given kind,
// args, lazy inputs, and output shapes, and returns it.
func (s *Store) CreateNode(kind oparg.Kind, args oparg.OpArgs, inputs []NodeId, outputShapes [][]int) *Node {
	s.nextID++
	ins := make([]NodeId, len(inputs))
	copy(ins, inputs)
	shapes := make([][]int, len(outputShapes))
	for i, sh := range outputShapes {
		c := make([]int, len(sh))
		copy(c, sh)
		shapes[i] = c
	}
	n := &Node{
		ID:           s.nextID,
		Kind:         kind,
		Args:         args,
		Inputs:       ins,
		OutputShapes: shapes,
	}
	s.nodes[n.ID] = n
	return n
}

// CreateInputNode allocates a new NodeId for a graph leaf holding
// externally supplied data (value), with no lazy inputs.
func (s *Store) CreateInputNode(kind oparg.Kind, args oparg.OpArgs, value Value, outputShape []int) *Node {
	n := s.CreateNode(kind, args, nil, [][]int{outputShape})
	n.Value = value
	return n
}

// GetNode returns the node with the given id, or nil if it does not exist
// in this store.
func (s *Store) GetNode(id NodeId) *Node {
	return s.nodes[id]
}

// GetAllNodes returns every node currently owned by the store, in
// ascending NodeId order.
func (s *Store) GetAllNodes() []*Node {
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sortNodesByID(out)
	return out
}

// FindNodesOfKind returns every node of the given kind, in ascending
// NodeId order.
func (s *Store) FindNodesOfKind(kind oparg.Kind) []*Node {
	var out []*Node
	for _, n := range s.nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	sortNodesByID(out)
	return out
}

// Clear removes every node from the store and resets id assignment. Existing
// NodeId values become invalid.
func (s *Store) Clear() {
	s.nodes = make(map[NodeId]*Node)
	s.nextID = 0
}

func sortNodesByID(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// Dependencies returns every node reachable from roots by following Inputs
// edges backward (i.e. every node roots transitively depend on, including
// the roots themselves), in post-order (dependencies before dependents).
func (s *Store) Dependencies(roots []NodeId) []NodeId {
	visited := make(map[NodeId]bool)
	var order []NodeId
	var visit func(id NodeId)
	visit = func(id NodeId) {
		if visited[id] {
			return
		}
		visited[id] = true
		n := s.nodes[id]
		if n == nil {
			return
		}
		for _, in := range n.Inputs {
			visit(in)
		}
		order = append(order, id)
	}
	for _, r := range roots {
		visit(r)
	}
	return order
}

// idHeap is a min-heap of NodeIds, used to make Kahn's algorithm
// deterministic by always expanding the smallest-id ready node next.
type idHeap []NodeId

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(NodeId)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// TopologicalOrder returns every node reachable from roots, ordered so that
// every node's inputs precede it, breaking ties deterministically by
// smallest NodeId. It returns ErrCycleDetected if the reachable subgraph is
// not a DAG.
func (s *Store) TopologicalOrder(roots []NodeId) ([]NodeId, error) {
	reachable := s.Dependencies(roots)
	inDegree := make(map[NodeId]int, len(reachable))
	consumers := make(map[NodeId][]NodeId, len(reachable))
	reachSet := make(map[NodeId]bool, len(reachable))
	for _, id := range reachable {
		reachSet[id] = true
	}
	for _, id := range reachable {
		n := s.nodes[id]
		if n == nil {
			continue
		}
		for _, in := range n.Inputs {
			if !reachSet[in] {
				continue
			}
			inDegree[id]++
			consumers[in] = append(consumers[in], id)
		}
	}

	h := &idHeap{}
	for _, id := range reachable {
		if inDegree[id] == 0 {
			heap.Push(h, id)
		}
	}

	var order []NodeId
	for h.Len() > 0 {
		id := heap.Pop(h).(NodeId)
		order = append(order, id)
		for _, c := range consumers[id] {
			inDegree[c]--
			if inDegree[c] == 0 {
				heap.Push(h, c)
			}
		}
	}

	if len(order) != len(reachable) {
		return nil, errors.Wrapf(ErrCycleDetected, "graph: %d of %d reachable nodes could not be ordered", len(reachable)-len(order), len(reachable))
	}
	return order, nil
}
