// Package tape implements the linear intermediate representation the
// compiler lowers a graph.Store into, the optimization-pass framework that
// rewrites it, and the compiler that drives both.
package tape

import (
	"sort"

	"k8s.io/klog/v2"

	"github.com/born-ml/borncore/internal/graph"
	"github.com/born-ml/borncore/internal/oparg"
)

// Entry is one linearized operation: its node, its lazy and constant
// inputs (kept separate, exactly as the kernel layer expects to consume
// them), and its output ids and shapes. IsEvaluated and Results are not
// written by the evaluator: eval.Manager keeps each entry's outputs in its
// own NodeId-keyed cache instead.
type Entry struct {
	NodeID         graph.NodeId
	Kind           oparg.Kind
	Args           oparg.OpArgs
	InputNodeIDs   []graph.NodeId
	ConstantInputs []graph.Value
	OutputNodeIDs  []graph.NodeId
	OutputShapes   [][]int
	IsConstant     bool
	IsEvaluated    bool
	Results        []graph.Value
}

// Tape is an ordered, topologically valid sequence of Entries: every
// Entry's InputNodeIDs reference only earlier entries' OutputNodeIDs.
type Tape struct {
	entries []*Entry
	index   map[graph.NodeId]int
}

// NewTape returns an empty Tape.
func NewTape() *Tape {
	return &Tape{index: make(map[graph.NodeId]int)}
}

// SetEntries replaces the Tape's contents and rebuilds the NodeId index.
func (t *Tape) SetEntries(entries []*Entry) {
	t.entries = entries
	t.rebuildIndex()
}

func (t *Tape) rebuildIndex() {
	t.index = make(map[graph.NodeId]int, len(t.entries))
	for i, e := range t.entries {
		t.index[e.NodeID] = i
	}
}

// Entries returns the Tape's entries in execution order. The returned slice
// must not be mutated in place; use SetEntries to install a new sequence.
func (t *Tape) Entries() []*Entry {
	return t.entries
}

// Len returns the number of entries on the tape.
func (t *Tape) Len() int {
	return len(t.entries)
}

// Find returns the entry producing id, or nil if id is not on the tape.
func (t *Tape) Find(id graph.NodeId) *Entry {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.entries[i]
}

// Pass rewrites a Tape in place, given the originating Store (for
// graph-wide queries, e.g. counting a node's consumers) and the evaluation
// roots the tape was built for. It returns how many rewrites it applied.
type Pass interface {
	Name() string
	Priority() int
	Apply(store *graph.Store, t *Tape, roots []graph.NodeId) (int, error)
}

// Registry holds the set of passes a Compiler runs, in priority order.
type Registry struct {
	passes []Pass
}

// NewRegistry returns an empty pass registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a pass to the registry.
func (r *Registry) Register(p Pass) {
	r.passes = append(r.passes, p)
}

// Sorted returns the registered passes ordered by ascending Priority, then
// by Name for passes sharing a priority, matching the original tiebreak.
func (r *Registry) Sorted() []Pass {
	out := make([]Pass, len(r.passes))
	copy(out, r.passes)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b Pass) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	return a.Name() < b.Name()
}

// PassReport records how many rewrites one pass applied during a Compile
// call.
type PassReport struct {
	Name  string
	Count int
}

// Compiler lowers a graph.Store into a Tape and, if optimization is
// enabled, runs the registered passes over it.
type Compiler struct {
	optimize bool
	registry *Registry
}

// NewCompiler returns a Compiler that runs registry's passes when optimize
// is true, and otherwise emits the unoptimized lowering as-is.
func NewCompiler(optimize bool, registry *Registry) *Compiler {
	return &Compiler{optimize: optimize, registry: registry}
}

// Compile lowers the nodes reachable from roots into a Tape in
// topologically sorted order, then applies the registered passes (if
// optimization is enabled) in priority order, returning the final Tape and
// a report of what each pass did.
func (c *Compiler) Compile(store *graph.Store, roots []graph.NodeId) (*Tape, []PassReport, error) {
	order, err := store.TopologicalOrder(roots)
	if err != nil {
		return nil, nil, err
	}

	t := NewTape()
	entries := make([]*Entry, 0, len(order))
	for _, id := range order {
		n := store.GetNode(id)
		entries = append(entries, lower(n))
	}
	t.SetEntries(entries)
	klog.V(2).Infof("tape: lowered %d entries from %d roots", t.Len(), len(roots))

	var reports []PassReport
	if c.optimize && c.registry != nil {
		for _, p := range c.registry.Sorted() {
			n, err := p.Apply(store, t, roots)
			if err != nil {
				return nil, nil, err
			}
			klog.V(3).Infof("tape: pass %q applied %d rewrites (tape now %d entries)", p.Name(), n, t.Len())
			reports = append(reports, PassReport{Name: p.Name(), Count: n})
		}
	}

	return t, reports, nil
}

// lower converts one graph.Node into a tape Entry: every node input becomes
// a lazy InputNodeID, and an Input-kind node's own attached graph.Value
// becomes its single ConstantInput.
func lower(n *graph.Node) *Entry {
	outputIDs := make([]graph.NodeId, n.NumOutputs())
	for i := range outputIDs {
		outputIDs[i] = n.ID
	}
	var constants []graph.Value
	if n.Kind == oparg.KindInput && n.Value != nil {
		constants = []graph.Value{n.Value}
	}
	return &Entry{
		NodeID:         n.ID,
		Kind:           n.Kind,
		Args:           n.Args,
		InputNodeIDs:   append([]graph.NodeId(nil), n.Inputs...),
		ConstantInputs: constants,
		OutputNodeIDs:  outputIDs,
		OutputShapes:   n.OutputShapes,
		IsConstant:     n.Kind == oparg.KindInput && len(n.Inputs) == 0,
	}
}
