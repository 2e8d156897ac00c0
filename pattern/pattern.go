// Package pattern describes fragments of a graph.Graph to search for, and matches them against candidate nodes.
//
// A Pattern is a tree (or DAG, when sub-patterns are shared) of pattern nodes built with Any, Op, OneOf and Const,
// refined with Where, Port and Named. It is compiled once with Compile, and the Compiled pattern is then matched
// against candidate root nodes:
//
//	x := pattern.Any()
//	c := pattern.Const()
//	p := pattern.Op(graph.KindMul, pattern.Op(graph.KindAdd, x, c), x)
//	compiled := must.M1(pattern.Compile(p))
//	if match, ok := compiled.Match(node); ok {
//		input := match.Output(x)
//		...
//	}
//
// A pattern node used more than once (x above) must bind the identical graph output on every path.
package pattern

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphpass/graph"
)

// Pattern is one node of a pattern. Build it with Any, Op, OneOf or Const.
//
// Patterns are not safe for concurrent modification, but a Compiled pattern can be matched concurrently.
type Pattern struct {
	// kinds accepted, nil for any kind.
	kinds sets.Set[graph.Kind]

	// inputs to match pairwise; nil means the inputs are not inspected.
	inputs []*Pattern

	predicates []Predicate

	// port required for the matched output, or -1 for any.
	port int

	label string
}

// Any returns a wildcard matching any output of any node.
func Any() *Pattern {
	return &Pattern{port: -1}
}

// OneOf returns a wildcard matching the outputs of nodes of any of the given kinds. The inputs of the node are not
// inspected.
func OneOf(kinds ...graph.Kind) *Pattern {
	return &Pattern{kinds: sets.MakeWith(kinds...), port: -1}
}

// Const returns a wildcard matching constants.
func Const() *Pattern {
	return OneOf(graph.KindConstant)
}

// Op returns a pattern matching nodes of the given kind.
//
// If inputs are given, the node must have exactly that many inputs, and each one must match the corresponding
// pattern. Without inputs, the node's inputs are not inspected.
func Op(kind graph.Kind, inputs ...*Pattern) *Pattern {
	p := OneOf(kind)
	if len(inputs) > 0 {
		p.inputs = slices.Clone(inputs)
	}
	return p
}

// Where adds a predicate the matched output must satisfy. It returns the receiver.
func (p *Pattern) Where(predicate Predicate) *Pattern {
	p.predicates = append(p.predicates, predicate)
	return p
}

// Port requires the matched output to be the port-th output of its node. It returns the receiver.
//
// The root of a pattern without a Port matches the first output of the candidate node.
func (p *Pattern) Port(port int) *Pattern {
	p.port = port
	return p
}

// Named sets a label that can be used to look up the binding with Match.Lookup. It returns the receiver.
func (p *Pattern) Named(label string) *Pattern {
	p.label = label
	return p
}

// Label returns the label set with Named, or "".
func (p *Pattern) Label() string {
	return p.label
}

// Kinds returns the sorted kinds accepted by the pattern node, or nil if any kind is accepted.
func (p *Pattern) Kinds() []graph.Kind {
	if p.kinds == nil {
		return nil
	}
	kinds := make([]graph.Kind, 0, len(p.kinds))
	for kind := range p.kinds {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// String implements fmt.Stringer. E.g.: "Mul(Add(Any,Constant),Any)".
func (p *Pattern) String() string {
	var sb strings.Builder
	p.write(&sb, sets.Make[*Pattern]())
	return sb.String()
}

func (p *Pattern) write(sb *strings.Builder, visiting sets.Set[*Pattern]) {
	if p == nil {
		sb.WriteString("<nil>")
		return
	}
	if visiting.Has(p) {
		sb.WriteString("<cycle>")
		return
	}
	visiting.Insert(p)
	defer delete(visiting, p)

	if p.label != "" {
		sb.WriteString(p.label + "=")
	}
	kinds := p.Kinds()
	switch len(kinds) {
	case 0:
		sb.WriteString("Any")
	case 1:
		sb.WriteString(kinds[0].String())
	default:
		names := make([]string, len(kinds))
		for i, kind := range kinds {
			names[i] = kind.String()
		}
		sb.WriteString("OneOf[" + strings.Join(names, "|") + "]")
	}
	if p.port >= 0 {
		_, _ = fmt.Fprintf(sb, ":%d", p.port)
	}
	for _, pred := range p.predicates {
		_, _ = fmt.Fprintf(sb, "{%s}", pred.Name)
	}
	if p.inputs == nil {
		return
	}
	sb.WriteByte('(')
	for i, in := range p.inputs {
		if i > 0 {
			sb.WriteByte(',')
		}
		in.write(sb, visiting)
	}
	sb.WriteByte(')')
}
