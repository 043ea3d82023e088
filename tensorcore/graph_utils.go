package tensorcore

import (
	"github.com/born-ml/borncore/internal/graph"
)

// AllNodes returns every node in root's graph, in ascending NodeId order.
func AllNodes(root Tensor) []graph.NodeId {
	if root.s == nil {
		return nil
	}
	var ids []graph.NodeId
	for _, n := range root.s.graph.store.GetAllNodes() {
		ids = append(ids, n.ID)
	}
	return ids
}

// Ancestors returns every node root transitively depends on, excluding
// root itself, via a plain DFS over producer edges.
func Ancestors(root Tensor) []graph.NodeId {
	if root.s == nil {
		return nil
	}
	deps := root.s.graph.store.Dependencies([]graph.NodeId{root.s.nodeID})
	out := make([]graph.NodeId, 0, len(deps))
	for _, id := range deps {
		if id != root.s.nodeID {
			out = append(out, id)
		}
	}
	return out
}

// Descendants returns every node that transitively depends on root,
// excluding root itself, via a plain BFS over consumer edges.
func Descendants(root Tensor) []graph.NodeId {
	if root.s == nil {
		return nil
	}
	store := root.s.graph.store
	consumers := make(map[graph.NodeId][]graph.NodeId)
	for _, n := range store.GetAllNodes() {
		for _, in := range n.Inputs {
			consumers[in] = append(consumers[in], n.ID)
		}
	}
	visited := map[graph.NodeId]bool{root.s.nodeID: true}
	queue := []graph.NodeId{root.s.nodeID}
	var out []graph.NodeId
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range consumers[id] {
			if visited[c] {
				continue
			}
			visited[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// TopologicalOrder returns root and every node it depends on, ordered so
// inputs precede consumers, with ties broken deterministically by smallest
// NodeId.
func TopologicalOrder(root Tensor) ([]graph.NodeId, error) {
	if root.s == nil {
		return nil, nil
	}
	return root.s.graph.store.TopologicalOrder([]graph.NodeId{root.s.nodeID})
}

// HasCycles reports whether root's dependency subgraph contains a cycle.
func HasCycles(root Tensor) bool {
	_, err := TopologicalOrder(root)
	return err != nil
}

// Depth returns the length of the longest dependency chain ending at
// root, counting root itself (a leaf Input node has depth 1).
func Depth(root Tensor) int {
	if root.s == nil {
		return 0
	}
	store := root.s.graph.store
	memo := make(map[graph.NodeId]int)
	var depth func(id graph.NodeId) int
	depth = func(id graph.NodeId) int {
		if d, ok := memo[id]; ok {
			return d
		}
		n := store.GetNode(id)
		if n == nil || len(n.Inputs) == 0 {
			memo[id] = 1
			return 1
		}
		max := 0
		for _, in := range n.Inputs {
			if d := depth(in); d > max {
				max = d
			}
		}
		memo[id] = max + 1
		return memo[id]
	}
	return depth(root.s.nodeID)
}

// Width returns the largest number of nodes sharing the same depth within
// root's dependency subgraph.
func Width(root Tensor) int {
	if root.s == nil {
		return 0
	}
	store := root.s.graph.store
	deps := store.Dependencies([]graph.NodeId{root.s.nodeID})
	depthOf := make(map[graph.NodeId]int, len(deps))
	counts := make(map[int]int)
	var depth func(id graph.NodeId) int
	depth = func(id graph.NodeId) int {
		if d, ok := depthOf[id]; ok {
			return d
		}
		n := store.GetNode(id)
		if n == nil || len(n.Inputs) == 0 {
			depthOf[id] = 1
			return 1
		}
		max := 0
		for _, in := range n.Inputs {
			if d := depth(in); d > max {
				max = d
			}
		}
		depthOf[id] = max + 1
		return depthOf[id]
	}
	for _, id := range deps {
		counts[depth(id)]++
	}
	width := 0
	for _, c := range counts {
		if c > width {
			width = c
		}
	}
	return width
}
