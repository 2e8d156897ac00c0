package pattern

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphpass/graph"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Compiled is a validated pattern, ready to be matched. It is immutable and can be matched concurrently.
type Compiled struct {
	root *Pattern

	// index of each pattern node into Match.bindings.
	index map[*Pattern]int

	labels map[string]*Pattern
}

// Compile validates the pattern rooted at root: it rejects nil pattern nodes, cycles and labels used by more
// than one pattern node. It doesn't access any graph.
func Compile(root *Pattern) (*Compiled, error) {
	if root == nil {
		return nil, errors.New("nil pattern")
	}
	c := &Compiled{
		root:   root,
		index:  make(map[*Pattern]int),
		labels: make(map[string]*Pattern),
	}
	onPath := make(map[*Pattern]bool)
	var visit func(p *Pattern, path string) error
	visit = func(p *Pattern, path string) error {
		if onPath[p] {
			return errors.Errorf("pattern %s: cycle at %s", root, path)
		}
		if _, done := c.index[p]; done {
			// Shared sub-pattern.
			return nil
		}
		onPath[p] = true
		defer delete(onPath, p)
		for i, in := range p.inputs {
			if in == nil {
				return errors.Errorf("pattern %s: input #%d of %s is nil", root, i, path)
			}
			if err := visit(in, fmt.Sprintf("%s.%d", path, i)); err != nil {
				return err
			}
		}
		c.index[p] = len(c.index)
		if p.label != "" {
			if _, found := c.labels[p.label]; found {
				return errors.Errorf("pattern %s: label %q used by more than one pattern node", root, p.label)
			}
			c.labels[p.label] = p
		}
		return nil
	}
	if err := visit(root, "root"); err != nil {
		return nil, err
	}
	return c, nil
}

// MustCompile is like Compile, but panics on errors. It is meant for patterns built at initialization.
func MustCompile(root *Pattern) *Compiled {
	return must.M1(Compile(root))
}

// Root returns the root pattern node.
func (c *Compiled) Root() *Pattern {
	return c.root
}

// RootKinds returns the kinds a candidate root node must have, or nil if any kind may match.
// The pass manager uses it to skip candidates without running the matcher.
func (c *Compiled) RootKinds() []graph.Kind {
	return c.root.Kinds()
}

// AcceptsRoot returns whether the kind of the node allows it to be a root of a match.
func (c *Compiled) AcceptsRoot(node *graph.Node) bool {
	return c.root.kinds == nil || c.root.kinds.Has(node.Kind())
}

// String implements fmt.Stringer.
func (c *Compiled) String() string {
	return c.root.String()
}

// Match tries to match the pattern with the candidate node as root, returning the bindings on success.
//
// Matching proceeds top-down: a pattern node matches an output if the kind of its node is accepted, the port
// and predicates are satisfied, and (if the pattern node lists inputs) each input of the node matches the
// corresponding input pattern. A pattern node reached through more than one path must bind the identical output.
// There is no backtracking: the first failure ends the attempt for this candidate.
//
// A failed match is not an error.
func (c *Compiled) Match(node *graph.Node) (*Match, bool) {
	if node == nil || node.IsRemoved() || node.NumOutputs() == 0 {
		return nil, false
	}
	port := max(c.root.port, 0)
	if port >= node.NumOutputs() {
		return nil, false
	}
	m := &Match{
		compiled:   c,
		root:       node,
		bindings:   make([]graph.Output, len(c.index)),
		generation: node.Graph().Generation(),
	}
	if !m.matchOutput(c.root, node.Output(port)) {
		return nil, false
	}
	return m, true
}

// Match holds the graph outputs bound to each pattern node by a successful Compiled.Match.
//
// A Match is only valid until the graph is mutated by anything other than the rewrite that received it: the pass
// manager invalidates it when the rewrite callback returns, and using an invalidated Match panics.
type Match struct {
	compiled    *Compiled
	root        *graph.Node
	bindings    []graph.Output
	generation  uint64
	invalidated bool
}

func (m *Match) matchOutput(p *Pattern, o graph.Output) bool {
	idx := m.compiled.index[p]
	if bound := m.bindings[idx]; bound.IsValid() {
		return bound == o
	}
	node := o.Node()
	if p.kinds != nil && !p.kinds.Has(node.Kind()) {
		return false
	}
	if p.port >= 0 && o.Index() != p.port {
		return false
	}
	for _, pred := range p.predicates {
		if !pred.Fn(o) {
			return false
		}
	}
	m.bindings[idx] = o
	if p.inputs == nil {
		return true
	}
	if node.NumInputs() != len(p.inputs) {
		return false
	}
	for i, in := range p.inputs {
		if !m.matchOutput(in, node.Input(i)) {
			return false
		}
	}
	return true
}

func (m *Match) checkValid() {
	if m.invalidated {
		exceptions.Panicf("match of pattern %s rooted at %s used after it was invalidated", m.compiled, m.root)
	}
}

// Invalidate marks the match as no longer usable. Called by the pass manager once the rewrite callback returns.
func (m *Match) Invalidate() {
	m.invalidated = true
}

// IsValid returns whether the match hasn't been invalidated.
func (m *Match) IsValid() bool {
	return !m.invalidated
}

// Generation returns the generation of the graph at the time of the match.
func (m *Match) Generation() uint64 {
	return m.generation
}

// Root returns the candidate node the match is rooted at.
func (m *Match) Root() *graph.Node {
	m.checkValid()
	return m.root
}

// Graph returns the graph of the matched nodes.
func (m *Match) Graph() *graph.Graph {
	m.checkValid()
	return m.root.Graph()
}

// Output returns the output bound to the pattern node. It panics if p is not part of the compiled pattern.
func (m *Match) Output(p *Pattern) graph.Output {
	m.checkValid()
	idx, found := m.compiled.index[p]
	if !found {
		exceptions.Panicf("pattern node %s is not part of the matched pattern %s", p, m.compiled)
	}
	return m.bindings[idx]
}

// Node returns the node of the output bound to the pattern node.
func (m *Match) Node(p *Pattern) *graph.Node {
	return m.Output(p).Node()
}

// Lookup returns the output bound to the pattern node with the given label (see Pattern.Named).
func (m *Match) Lookup(label string) (graph.Output, bool) {
	m.checkValid()
	p, found := m.compiled.labels[label]
	if !found {
		return graph.Output{}, false
	}
	return m.bindings[m.compiled.index[p]], true
}

// MatchedNodes returns the distinct nodes bound by the match, root first.
func (m *Match) MatchedNodes() []*graph.Node {
	m.checkValid()
	nodes := []*graph.Node{m.root}
	seen := map[*graph.Node]bool{m.root: true}
	for _, o := range m.bindings {
		if n := o.Node(); !seen[n] {
			seen[n] = true
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// FindAll matches the pattern against every live node of the graph, in topological order, and returns the
// matches. It is meant for inspection and tests: the matches are valid only while the graph isn't modified.
func (c *Compiled) FindAll(g *graph.Graph) ([]*Match, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	var matches []*Match
	for _, node := range order {
		if !c.AcceptsRoot(node) {
			continue
		}
		if m, ok := c.Match(node); ok {
			matches = append(matches, m)
		}
	}
	return matches, nil
}
